package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/koltyakov/edgesync/internal/config"
	"github.com/koltyakov/edgesync/internal/metrics"
	"github.com/koltyakov/edgesync/internal/photos"
)

// Photos command flags
var (
	photosLimit      int
	photosNoOptimize bool
	photosUploader   string
)

var photosCmd = &cobra.Command{
	Use:   "photos",
	Short: "Migrate inline check-in photos to R2",
	Long: `Upload check-in photos stored as base64 in the source database to the
R2 bucket under checkins/<id>.jpg.

Photos are scaled to fit 800x800 and re-encoded as JPEG unless --no-optimize
is given; a photo that cannot be decoded is uploaded unchanged. The default
uploader runs "npx wrangler r2 object put"; --uploader s3 talks to the R2 S3
endpoint directly.

Examples:
  edgesync photos
  edgesync photos --limit 0
  edgesync photos --uploader s3 --no-optimize`,
	RunE: runPhotos,
}

func init() {
	photosCmd.Flags().IntVar(&photosLimit, "limit", -1, "Maximum photos to migrate, 0 for all (default from config, 500)")
	photosCmd.Flags().BoolVar(&photosNoOptimize, "no-optimize", false, "Upload photos without resizing")
	photosCmd.Flags().StringVar(&photosUploader, "uploader", "", "Uploader: wrangler or s3 (default from config)")

	rootCmd.AddCommand(photosCmd)
}

func runPhotos(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	if photosLimit >= 0 {
		cfg.Photos.Limit = photosLimit
	}
	if photosNoOptimize {
		cfg.Photos.Optimize = false
	}
	if photosUploader != "" {
		cfg.Photos.Uploader = photosUploader
	}
	if err := cfg.ValidatePhotos(); err != nil {
		return err
	}

	uploader, err := newUploader(cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	m := metrics.New()

	conn, reader, err := openSource(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	job := photos.New(photos.Config{
		Limit:    cfg.Photos.Limit,
		Optimize: cfg.Photos.Optimize,
		Optimizer: photos.Optimizer{
			MaxDimension: cfg.Photos.MaxDimension,
			Quality:      cfg.Photos.Quality,
		},
	}, reader, uploader, photos.WithObserver(func(result string) {
		m.Photos.WithLabelValues(result).Inc()
	}))

	res, runErr := job.Run(ctx)
	m.ObserveRun(start, runErr)
	pushMetrics(ctx, cfg, m, "photos")
	if runErr != nil {
		return runErr
	}

	fmt.Printf("uploaded %d, skipped %d, errors %d (of %d)\n", res.Uploaded, res.Skipped, res.Errors, res.Total)
	return nil
}

func newUploader(c *config.Config) (photos.Uploader, error) {
	if c.Photos.Uploader == "s3" {
		return photos.NewS3Uploader(photos.S3Config{
			Endpoint:  c.Photos.S3.Endpoint,
			Region:    c.Photos.S3.Region,
			AccessKey: c.Photos.S3.AccessKey,
			SecretKey: c.Photos.S3.SecretKey,
			Bucket:    c.Photos.Bucket,
		})
	}
	return &photos.CommandUploader{Bucket: c.Photos.Bucket, Command: c.Photos.Command}, nil
}
