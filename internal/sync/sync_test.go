package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/koltyakov/edgesync/internal/aggregate"
	"github.com/koltyakov/edgesync/internal/d1"
	"github.com/koltyakov/edgesync/internal/metrics"
	"github.com/koltyakov/edgesync/internal/model"
)

func ptr[T any](v T) *T { return &v }

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	checkins  []model.Checkin
	responses []model.VisitResponse
	shops     []model.Shop
	shopsErr  error

	checkinsSince  time.Time
	responsesSince time.Time
}

func (f *fakeSource) Checkins(_ context.Context, since time.Time) ([]model.Checkin, error) {
	f.checkinsSince = since
	return f.checkins, nil
}

func (f *fakeSource) VisitResponses(_ context.Context, since time.Time) ([]model.VisitResponse, error) {
	f.responsesSince = since
	return f.responses, nil
}

func (f *fakeSource) Shops(context.Context) ([]model.Shop, error) {
	return f.shops, f.shopsErr
}

// fakeEdge keeps rows per table keyed by the first column, like INSERT OR REPLACE
type fakeEdge struct {
	tables    map[string]map[any][]any
	calls     []string
	failKeys  map[any]bool
	listError error
}

func newFakeEdge() *fakeEdge {
	return &fakeEdge{tables: map[string]map[any][]any{}, failKeys: map[any]bool{}}
}

func (f *fakeEdge) Execute(_ context.Context, sql string, params ...any) (*d1.Response, error) {
	f.calls = append(f.calls, sql)

	if sql == "SELECT id FROM shops" {
		if f.listError != nil {
			return nil, f.listError
		}
		var rows []map[string]any
		for id := range f.tables["shops"] {
			rows = append(rows, map[string]any{"id": float64(id.(int64))})
		}
		return &d1.Response{Success: true, Result: []d1.QueryResult{{Results: rows, Success: true}}}, nil
	}

	if strings.HasPrefix(sql, "INSERT OR REPLACE INTO ") {
		if f.failKeys[params[0]] {
			return &d1.Response{Success: false, Raw: `{"success":false,"errors":[{"code":7500,"message":"SQLITE_ERROR"}]}`}, nil
		}
		name := strings.Fields(sql)[4]
		if f.tables[name] == nil {
			f.tables[name] = map[any][]any{}
		}
		f.tables[name][params[0]] = params
	}
	return &d1.Response{Success: true}, nil
}

func (f *fakeEdge) count(prefix string) int {
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeRebuilder struct {
	calls int
	err   error
}

func (f *fakeRebuilder) Rebuild(context.Context) ([]aggregate.TableResult, error) {
	f.calls++
	return []aggregate.TableResult{{Table: "agent_performance"}}, f.err
}

type fakeRecorder struct {
	nextID   int64
	statuses map[string]string
	lastSync map[string]time.Time
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{statuses: map[string]string{}, lastSync: map[string]time.Time{}}
}

func (f *fakeRecorder) LogSyncStart(_ context.Context, _, tableName, _ string) (int64, error) {
	f.nextID++
	f.statuses[tableName] = "running"
	return f.nextID, nil
}

func (f *fakeRecorder) LogSyncEnd(_ context.Context, logID int64, _, _ int, status string, _ string) error {
	for name, s := range f.statuses {
		if s == "running" {
			f.statuses[name] = status
		}
	}
	return nil
}

func (f *fakeRecorder) SetLastSync(_ context.Context, tableName string, ts time.Time) error {
	f.lastSync[tableName] = ts
	return nil
}

func newTestSource() *fakeSource {
	ts := fixedNow.Add(-30 * time.Minute)
	payload := `{"conversion":{"converted":"yes"},"bettingInfo":{"isBettingSomewhere":"no"}}`
	vr := model.VisitResponse{ID: 100, CheckinID: ptr(int64(1)), VisitType: ptr("first"), Responses: &payload, CreatedAt: &ts}
	vr.Derive()

	return &fakeSource{
		checkins: []model.Checkin{
			{ID: 1, AgentID: ptr(int64(7)), Timestamp: &ts, Latitude: ptr(6.5), Longitude: ptr(3.3)},
			{ID: 2, AgentID: ptr(int64(8)), Timestamp: &ts},
		},
		responses: []model.VisitResponse{vr},
		shops: []model.Shop{
			{ID: 1, Name: ptr("Kiosk A")},
			{ID: 2, Name: ptr("Kiosk B")},
		},
	}
}

func newTestSyncer(source Source, edge d1.Executor, rb Rebuilder, opts ...Option) *Syncer {
	cfg := Config{CheckinsWindow: 2 * time.Hour, ResponsesWindow: 2 * time.Hour}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(cfg, source, edge, rb, opts...)
}

func TestRunSyncsEverything(t *testing.T) {
	source := newTestSource()
	edge := newFakeEdge()
	rb := &fakeRebuilder{}
	rec := newFakeRecorder()
	m := metrics.New()

	res, err := newTestSyncer(source, edge, rb, WithRecorder(rec), WithMetrics(m)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expected := map[string]int{EntityCheckins: 2, EntityVisitResponses: 1, EntityShops: 2}
	for name, n := range expected {
		e, ok := res.Entity(name)
		if !ok {
			t.Fatalf("missing result for %s", name)
		}
		if e.Synced() != n || e.Failed() != 0 {
			t.Errorf("%s: synced=%d failed=%d, expected %d/0", name, e.Synced(), e.Failed(), n)
		}
	}

	if !source.checkinsSince.Equal(fixedNow.Add(-2*time.Hour)) || !source.responsesSince.Equal(fixedNow.Add(-2*time.Hour)) {
		t.Errorf("unexpected cutoffs %v, %v", source.checkinsSince, source.responsesSince)
	}
	if rb.calls != 1 || !res.Rebuilt {
		t.Errorf("expected one rebuild, got %d", rb.calls)
	}
	if res.RunID == "" {
		t.Error("expected a run id")
	}

	vr := edge.tables["visit_responses"][int64(100)]
	if vr[4] != 1 || vr[5] != 0 {
		t.Errorf("derived flags = %v/%v, expected 1/0", vr[4], vr[5])
	}
	if ts := edge.tables["checkins"][int64(1)][3]; ts != "2024-06-01 11:30:00" {
		t.Errorf("timestamp should be normalized, got %v", ts)
	}

	if rec.statuses[EntityCheckins] != "success" || !rec.lastSync[EntityShops].Equal(fixedNow) {
		t.Errorf("unexpected recorder state: %+v %+v", rec.statuses, rec.lastSync)
	}
	if got := testutil.ToFloat64(m.RowsSynced.WithLabelValues(EntityCheckins)); got != 2 {
		t.Errorf("rows synced metric = %v, expected 2", got)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	source := newTestSource()
	edge := newFakeEdge()
	s := newTestSyncer(source, edge, &fakeRebuilder{})

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if len(edge.tables["checkins"]) != 2 || len(edge.tables["visit_responses"]) != 1 || len(edge.tables["shops"]) != 2 {
		t.Errorf("re-run should not duplicate rows: %d checkins, %d responses, %d shops",
			len(edge.tables["checkins"]), len(edge.tables["visit_responses"]), len(edge.tables["shops"]))
	}
	// shops already present are not rewritten
	if n := edge.count("INSERT OR REPLACE INTO shops"); n != 2 {
		t.Errorf("expected 2 shop upserts across both runs, got %d", n)
	}
}

func TestShopDiff(t *testing.T) {
	source := &fakeSource{shops: []model.Shop{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}}
	edge := newFakeEdge()
	edge.tables["shops"] = map[any][]any{int64(1): nil, int64(2): nil, int64(3): nil}

	res, err := newTestSyncer(source, edge, &fakeRebuilder{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	shops, _ := res.Entity(EntityShops)
	if shops.Candidates != 1 || shops.Synced() != 1 {
		t.Errorf("expected only shop 4, got %d candidates", shops.Candidates)
	}
	if _, ok := edge.tables["shops"][int64(4)]; !ok {
		t.Error("shop 4 should have been inserted")
	}
}

func TestShopDiffLookupFailure(t *testing.T) {
	source := &fakeSource{shops: []model.Shop{{ID: 1}, {ID: 2}}}
	edge := newFakeEdge()
	edge.listError = errors.New("dial tcp: i/o timeout")

	res, err := newTestSyncer(source, edge, &fakeRebuilder{}).Run(context.Background())
	if err != nil {
		t.Fatalf("lookup failure should not fail the cycle: %v", err)
	}
	shops, _ := res.Entity(EntityShops)
	if shops.Candidates != 2 || shops.Synced() != 2 {
		t.Errorf("all shops should be treated as new, got %d/%d", shops.Candidates, shops.Synced())
	}
}

func TestRunContinuesAfterRowFailures(t *testing.T) {
	source := newTestSource()
	source.checkins = append(source.checkins, model.Checkin{ID: 3})
	edge := newFakeEdge()
	edge.failKeys[int64(2)] = true
	rec := newFakeRecorder()
	m := metrics.New()

	res, err := newTestSyncer(source, edge, &fakeRebuilder{}, WithRecorder(rec), WithMetrics(m)).Run(context.Background())
	if err != nil {
		t.Fatalf("row failures should not fail the cycle: %v", err)
	}

	checkins, _ := res.Entity(EntityCheckins)
	if checkins.Synced() != 2 || checkins.Failed() != 1 {
		t.Errorf("synced=%d failed=%d, expected 2/1", checkins.Synced(), checkins.Failed())
	}
	if _, ok := edge.tables["checkins"][int64(3)]; !ok {
		t.Error("rows after a failure should still be written")
	}
	if rec.statuses[EntityCheckins] != "partial" {
		t.Errorf("status = %q, expected partial", rec.statuses[EntityCheckins])
	}
	if _, ok := rec.lastSync[EntityCheckins]; ok {
		t.Error("last sync time should not advance after failures")
	}
	if got := testutil.ToFloat64(m.RowsFailed.WithLabelValues(EntityCheckins)); got != 1 {
		t.Errorf("rows failed metric = %v, expected 1", got)
	}
}

func TestMalformedPayloadStillWritten(t *testing.T) {
	payload := `{"conversion": "broken`
	vr := model.VisitResponse{ID: 9, Responses: &payload}
	vr.Derive()
	source := &fakeSource{responses: []model.VisitResponse{vr}}
	edge := newFakeEdge()

	if _, err := newTestSyncer(source, edge, &fakeRebuilder{}).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	row, ok := edge.tables["visit_responses"][int64(9)]
	if !ok {
		t.Fatal("malformed response should still be written")
	}
	if row[3] != payload || row[4] != 0 || row[5] != 0 {
		t.Errorf("unexpected row %v", row)
	}
}

func TestNoRebuildWithoutWrites(t *testing.T) {
	source := &fakeSource{shops: []model.Shop{{ID: 1}}}
	rb := &fakeRebuilder{}

	res, err := newTestSyncer(source, newFakeEdge(), rb).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rb.calls != 0 || res.Rebuilt {
		t.Error("shops alone must not trigger a rebuild")
	}
}

func TestNoRebuildWhenAllWritesFail(t *testing.T) {
	source := &fakeSource{checkins: []model.Checkin{{ID: 1}}}
	edge := newFakeEdge()
	edge.failKeys[int64(1)] = true
	rb := &fakeRebuilder{}

	if _, err := newTestSyncer(source, edge, rb).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rb.calls != 0 {
		t.Error("rebuild requires at least one written row")
	}
}

func TestDryRun(t *testing.T) {
	edge := newFakeEdge()
	rb := &fakeRebuilder{}
	s := New(Config{CheckinsWindow: time.Hour, ResponsesWindow: time.Hour, DryRun: true}, newTestSource(), edge, rb)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(edge.calls) != 0 {
		t.Errorf("dry run made %d remote calls", len(edge.calls))
	}
	if rb.calls != 0 {
		t.Error("dry run must not rebuild")
	}
	checkins, _ := res.Entity(EntityCheckins)
	if checkins.Candidates != 2 || checkins.Synced() != 0 {
		t.Errorf("unexpected dry run result %+v", checkins)
	}
}

func TestSourceErrorAborts(t *testing.T) {
	source := newTestSource()
	source.shopsErr = errors.New("connection refused")
	rec := newFakeRecorder()
	rb := &fakeRebuilder{}

	res, err := newTestSyncer(source, newFakeEdge(), rb, WithRecorder(rec)).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to sync shops") {
		t.Fatalf("expected shops error, got %v", err)
	}
	if len(res.Entities) != 2 {
		t.Errorf("earlier entities should be reported, got %d", len(res.Entities))
	}
	if rb.calls != 0 {
		t.Error("an aborted cycle must not rebuild")
	}
	if rec.statuses[EntityShops] != "failed" {
		t.Errorf("status = %q, expected failed", rec.statuses[EntityShops])
	}
}

func TestRebuildErrorFailsCycle(t *testing.T) {
	rb := &fakeRebuilder{err: errors.New("failed to clear checkins_by_day")}

	res, err := newTestSyncer(newTestSource(), newFakeEdge(), rb).Run(context.Background())
	if err == nil {
		t.Fatal("expected rebuild error")
	}
	if !res.Rebuilt || len(res.Aggregates) != 1 {
		t.Errorf("rebuild results should still be reported: %+v", res)
	}
}
