package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds the application configuration
type Config struct {
	Source   SourceConfig  `koanf:"source"`
	Edge     EdgeConfig    `koanf:"edge"`
	Sync     SyncConfig    `koanf:"sync"`
	Export   ExportConfig  `koanf:"export"`
	Photos   PhotosConfig  `koanf:"photos"`
	State    StateConfig   `koanf:"state"`
	Metrics  MetricsConfig `koanf:"metrics"`
	Logging  LoggingConfig `koanf:"logging"`
	LockFile string        `koanf:"lock_file"`
}

// SourceConfig points at the relational source of truth
type SourceConfig struct {
	DSN string `koanf:"dsn" validate:"required"`
}

// EdgeConfig holds the D1 query endpoint credentials
type EdgeConfig struct {
	BaseURL    string        `koanf:"base_url" validate:"required,url"`
	AccountID  string        `koanf:"account_id" validate:"required"`
	DatabaseID string        `koanf:"database_id" validate:"required"`
	Email      string        `koanf:"email" validate:"required"`
	APIKey     string        `koanf:"api_key" validate:"required"`
	Timeout    time.Duration `koanf:"timeout"`
	Breaker    bool          `koanf:"breaker"`
}

// SyncConfig controls the incremental cycle
type SyncConfig struct {
	CheckinsWindow  time.Duration `koanf:"checkins_window" validate:"gt=0"`
	ResponsesWindow time.Duration `koanf:"responses_window" validate:"gt=0"`
	RebuildHotspots bool          `koanf:"rebuild_hotspots"`
	DryRun          bool          `koanf:"dry_run"`
}

// ExportConfig controls the full export
type ExportConfig struct {
	Dir string `koanf:"dir"`
}

// PhotosConfig controls the photo migration job
type PhotosConfig struct {
	Bucket       string   `koanf:"bucket" validate:"required"`
	Limit        int      `koanf:"limit" validate:"gte=0"`
	Optimize     bool     `koanf:"optimize"`
	MaxDimension int      `koanf:"max_dimension" validate:"gt=0"`
	Quality      int      `koanf:"quality" validate:"gte=1,lte=100"`
	Uploader     string   `koanf:"uploader" validate:"oneof=wrangler s3"`
	Command      []string `koanf:"command"`
	S3           S3Config `koanf:"s3"`
}

// S3Config addresses an S3 compatible bucket (R2)
type S3Config struct {
	Endpoint  string `koanf:"endpoint" validate:"required"`
	Region    string `koanf:"region"`
	AccessKey string `koanf:"access_key" validate:"required"`
	SecretKey string `koanf:"secret_key" validate:"required"`
}

// StateConfig locates the local run log; an empty path disables it
type StateConfig struct {
	Path          string `koanf:"path"`
	RetentionDays int    `koanf:"retention_days"`
}

// MetricsConfig enables pushing run metrics to a Prometheus Pushgateway
type MetricsConfig struct {
	PushURL string `koanf:"push_url"`
	Job     string `koanf:"job"`
}

// LoggingConfig mirrors logging.Config
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ConfigPathEnvVar overrides the config file path
const ConfigPathEnvVar = "CONFIG_PATH"

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		Edge: EdgeConfig{
			BaseURL: "https://api.cloudflare.com/client/v4",
			Timeout: 30 * time.Second,
			Breaker: true,
		},
		Sync: SyncConfig{
			CheckinsWindow:  2 * time.Hour,
			ResponsesWindow: 2 * time.Hour,
		},
		Export: ExportConfig{
			Dir: "data",
		},
		Photos: PhotosConfig{
			Bucket:       "ssreports-photos",
			Limit:        500,
			Optimize:     true,
			MaxDimension: 800,
			Quality:      75,
			Uploader:     "wrangler",
			Command:      []string{"npx", "wrangler", "r2", "object", "put"},
			S3: S3Config{
				Region: "auto",
			},
		},
		State: StateConfig{
			Path:          "edgesync-state.db",
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Job: "edgesync",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads .env, then layers defaults < config file < environment.
// path may be empty, in which case CONFIG_PATH is consulted.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path != "" {
		if err := LoadFromFile(k, path); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitCommand(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromFile merges a YAML (or JSON) configuration file
func LoadFromFile(k *koanf.Koanf, path string) error {
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// envMappings maps the environment names used by the cron deployment to config paths
var envMappings = map[string]string{
	"database_uri":          "source.dsn",
	"cloudflare_api_key":    "edge.api_key",
	"cloudflare_email":      "edge.email",
	"cloudflare_account_id": "edge.account_id",
	"d1_database_id":        "edge.database_id",
	"d1_base_url":           "edge.base_url",
	"d1_timeout":            "edge.timeout",
	"d1_breaker":            "edge.breaker",
	"sync_checkins_window":  "sync.checkins_window",
	"sync_responses_window": "sync.responses_window",
	"sync_rebuild_hotspots": "sync.rebuild_hotspots",
	"sync_dry_run":          "sync.dry_run",
	"export_dir":            "export.dir",
	"r2_bucket_name":        "photos.bucket",
	"photos_limit":          "photos.limit",
	"photos_optimize":       "photos.optimize",
	"photos_uploader":       "photos.uploader",
	"photos_command":        "photos.command",
	"r2_endpoint":           "photos.s3.endpoint",
	"r2_region":             "photos.s3.region",
	"r2_access_key_id":      "photos.s3.access_key",
	"r2_secret_access_key":  "photos.s3.secret_key",
	"state_db":              "state.path",
	"state_retention_days":  "state.retention_days",
	"metrics_push_url":      "metrics.push_url",
	"metrics_job":           "metrics.job",
	"log_level":             "logging.level",
	"log_format":            "logging.format",
	"lock_file":             "lock_file",
}

// envTransformFunc maps known environment variables and drops everything else
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

// splitCommand turns a space separated PHOTOS_COMMAND into a slice
func splitCommand(k *koanf.Koanf) error {
	val, ok := k.Get("photos.command").(string)
	if !ok {
		return nil
	}
	parts := strings.Fields(val)
	if len(parts) == 0 {
		return nil
	}
	if err := k.Set("photos.command", parts); err != nil {
		return fmt.Errorf("failed to set photos.command: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// ValidateSync checks everything the incremental sync needs
func (c *Config) ValidateSync() error {
	if err := c.check(c.Source, "source"); err != nil {
		return err
	}
	if err := c.check(c.Edge, "edge"); err != nil {
		return err
	}
	return c.check(c.Sync, "sync")
}

// ValidateExport checks everything the full export needs
func (c *Config) ValidateExport() error {
	if err := c.check(c.Source, "source"); err != nil {
		return err
	}
	if c.Export.Dir == "" {
		return fmt.Errorf("%w: export.dir is required", ErrInvalid)
	}
	return nil
}

// ValidatePhotos checks everything the photo migration needs
func (c *Config) ValidatePhotos() error {
	if err := c.check(c.Source, "source"); err != nil {
		return err
	}
	photos := c.Photos
	if photos.Uploader != "s3" {
		// S3 credentials only matter for the s3 uploader
		photos.S3 = S3Config{Endpoint: "-", AccessKey: "-", SecretKey: "-"}
		if len(photos.Command) == 0 {
			return fmt.Errorf("%w: photos.command is required for the wrangler uploader", ErrInvalid)
		}
	}
	return c.check(photos, "photos")
}

func (c *Config) check(section any, name string) error {
	err := validate.Struct(section)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s.%s (%s)", name, koanfName(fe.StructNamespace()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(fields, ", "))
}

// koanfName turns "EdgeConfig.APIKey" into "APIKey"; enough to point at the field
func koanfName(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
