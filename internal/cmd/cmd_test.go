package cmd

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/koltyakov/edgesync/internal/config"
	"github.com/koltyakov/edgesync/internal/photos"
	"github.com/koltyakov/edgesync/internal/state"
)

func TestCommandTree(t *testing.T) {
	expected := []string{"sync", "export", "photos", "history"}
	for _, name := range expected {
		c, _, err := rootCmd.Find([]string{name})
		if err != nil || c.Name() != name {
			t.Errorf("subcommand %q not registered: %v", name, err)
		}
	}

	if rootCmd.PersistentFlags().Lookup("config") == nil {
		t.Error("--config flag missing")
	}
	if syncCmd.Flags().Lookup("dry-run") == nil || photosCmd.Flags().Lookup("no-optimize") == nil {
		t.Error("subcommand flags missing")
	}
	if !strings.Contains(syncCmd.Long, "DELETE fails") {
		t.Error("sync help should describe the aggregate clear failure exit status")
	}
}

func TestShortID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"3f2c9a1e-0000-4000-8000-000000000000", "3f2c9a1e"},
		{"abc", "abc"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := shortID(tt.input); got != tt.expected {
			t.Errorf("shortID(%q) = %q, expected %q", tt.input, got, tt.expected)
		}
	}
}

func TestNewUploader(t *testing.T) {
	c := config.Default()

	u, err := newUploader(c)
	if err != nil {
		t.Fatalf("newUploader failed: %v", err)
	}
	cu, ok := u.(*photos.CommandUploader)
	if !ok || cu.Bucket != "ssreports-photos" || len(cu.Command) == 0 {
		t.Errorf("expected wrangler uploader, got %#v", u)
	}

	c.Photos.Uploader = "s3"
	c.Photos.S3.Endpoint = "https://acc.r2.cloudflarestorage.com"
	c.Photos.S3.AccessKey = "k"
	c.Photos.S3.SecretKey = "s"
	u, err = newUploader(c)
	if err != nil {
		t.Fatalf("newUploader failed: %v", err)
	}
	if _, ok := u.(*photos.S3Uploader); !ok {
		t.Errorf("expected S3 uploader, got %T", u)
	}
}

func TestHistoryDisabled(t *testing.T) {
	cfg = config.Default()
	cfg.State.Path = ""
	t.Cleanup(func() { cfg = nil })

	if err := runHistory(historyCmd, nil); err == nil {
		t.Error("expected error when state tracking is disabled")
	}
}

func TestHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := state.New(path)
	if err != nil {
		t.Fatalf("Failed to open state DB: %v", err)
	}
	id, err := s.LogSyncStart(ctx, "run-1", "checkins", "incremental")
	if err != nil {
		t.Fatalf("LogSyncStart failed: %v", err)
	}
	if err := s.LogSyncEnd(ctx, id, 3, 0, state.StatusSuccess, ""); err != nil {
		t.Fatalf("LogSyncEnd failed: %v", err)
	}
	synced := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	if err := s.SetLastSync(ctx, "checkins", synced); err != nil {
		t.Fatalf("SetLastSync failed: %v", err)
	}
	s.Close()

	cfg = config.Default()
	cfg.State.Path = path
	t.Cleanup(func() { cfg = nil })

	var out bytes.Buffer
	historyCmd.SetOut(&out)
	historyCmd.SetContext(ctx)
	t.Cleanup(func() { historyCmd.SetOut(nil) })

	if err := runHistory(historyCmd, nil); err != nil {
		t.Fatalf("runHistory failed: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "run-1") || !strings.Contains(got, "success") {
		t.Errorf("run log missing from output:\n%s", got)
	}
	if !strings.Contains(got, "LAST CLEAN SYNC") {
		t.Errorf("last sync section missing:\n%s", got)
	}
	if n := strings.Count(got, "never"); n != 2 {
		t.Errorf("expected visit_responses and shops to show never, got %d:\n%s", n, got)
	}
	if !strings.Contains(got, synced.Local().Format("2006-01-02 15:04:05")) {
		t.Errorf("checkins last sync not shown:\n%s", got)
	}
}

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.lock")

	unlock, err := acquireLock(path)
	if err != nil {
		t.Fatalf("acquireLock failed: %v", err)
	}

	if _, err := acquireLock(path); !errors.Is(err, ErrLocked) {
		t.Errorf("second lock should fail with ErrLocked, got %v", err)
	}

	unlock()
	unlock2, err := acquireLock(path)
	if err != nil {
		t.Fatalf("lock should be free after unlock: %v", err)
	}
	unlock2()
}
