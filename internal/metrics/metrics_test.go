package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()

	m.RowsSynced.WithLabelValues("checkins").Add(3)
	m.RowsFailed.WithLabelValues("checkins").Inc()
	m.Photos.WithLabelValues("uploaded").Add(2)

	if got := testutil.ToFloat64(m.RowsSynced.WithLabelValues("checkins")); got != 3 {
		t.Errorf("rows synced = %v, expected 3", got)
	}
	if got := testutil.ToFloat64(m.RowsFailed.WithLabelValues("checkins")); got != 1 {
		t.Errorf("rows failed = %v, expected 1", got)
	}
	if got := testutil.CollectAndCount(m.Photos); got != 1 {
		t.Errorf("photo series = %d, expected 1", got)
	}
}

func TestObserveRun(t *testing.T) {
	m := New()

	m.ObserveRun(time.Now().Add(-2*time.Second), errors.New("boom"))
	if got := testutil.ToFloat64(m.LastSuccess); got != 0 {
		t.Errorf("failed run should not set last success, got %v", got)
	}
	if got := testutil.ToFloat64(m.CycleDuration); got < 2 {
		t.Errorf("cycle duration = %v, expected >= 2", got)
	}

	m.ObserveRun(time.Now(), nil)
	if got := testutil.ToFloat64(m.LastSuccess); got == 0 {
		t.Error("successful run should set last success")
	}
}

func TestPush(t *testing.T) {
	var path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.RowsSynced.WithLabelValues("shops").Inc()

	if err := m.Push(context.Background(), srv.URL, "edgesync", "sync"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if path != "/metrics/job/edgesync/command/sync" {
		t.Errorf("unexpected push path %q", path)
	}
	if len(body) == 0 {
		t.Error("expected metrics payload")
	}
}

func TestPushDisabled(t *testing.T) {
	if err := New().Push(context.Background(), "", "edgesync", "sync"); err != nil {
		t.Errorf("empty url should be a no-op, got %v", err)
	}
}

func TestPushFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New().Push(context.Background(), srv.URL, "edgesync", "sync")
	if err == nil || !strings.Contains(err.Error(), "failed to push metrics") {
		t.Errorf("expected push error, got %v", err)
	}
}
