package store

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := New(db, "test")
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func TestMigrateIsIdempotent(t *testing.T) {
	st := setupTestStore(t)
	if err := st.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestSetGetDeleteValues(t *testing.T) {
	st := setupTestStore(t)

	if _, ok, err := st.GetValue("missing"); err != nil || ok {
		t.Fatalf("GetValue(missing) = ok=%v err=%v, want miss", ok, err)
	}

	if err := st.SetValues(map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("SetValues: %v", err)
	}
	got, ok, err := st.GetValue("a")
	if err != nil || !ok || got != "1" {
		t.Errorf("GetValue(a) = %q ok=%v err=%v, want 1", got, ok, err)
	}

	// Upsert replaces.
	if err := st.SetValues(map[string]string{"a": "9"}); err != nil {
		t.Fatalf("SetValues upsert: %v", err)
	}
	got, _, _ = st.GetValue("a")
	if got != "9" {
		t.Errorf("GetValue(a) after upsert = %q, want 9", got)
	}

	if err := st.DeleteValues("a", "b"); err != nil {
		t.Fatalf("DeleteValues: %v", err)
	}
	if _, ok, _ := st.GetValue("a"); ok {
		t.Error("expected miss after DeleteValues")
	}
}

func TestFetchRunLifecycle(t *testing.T) {
	st := setupTestStore(t)

	run, err := st.StartFetchRun("series", "/api/metrics/daily", "events", "events_total", 3)
	if err != nil {
		t.Fatalf("StartFetchRun: %v", err)
	}
	if run.ID == 0 {
		t.Fatal("expected assigned run id")
	}

	run.HTTPStatus = 200
	run.RecordsParsed = 12
	run.RecordsKept = 10
	run.Success = true
	if err := st.CompleteFetchRun(run); err != nil {
		t.Fatalf("CompleteFetchRun: %v", err)
	}

	runs, err := st.RecentFetchRuns(10)
	if err != nil {
		t.Fatalf("RecentFetchRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	r := runs[0]
	if r.Concern != "series" || r.Endpoint != "/api/metrics/daily" || r.Generation != 3 {
		t.Errorf("run identity = %+v", r)
	}
	if !r.Success || r.Superseded || r.HTTPStatus != 200 || r.RecordsParsed != 12 || r.RecordsKept != 10 {
		t.Errorf("run outcome = %+v", r)
	}
}

func TestFetchRunSupersededAndFailed(t *testing.T) {
	st := setupTestStore(t)

	stale, err := st.StartFetchRun("forecast", "/api/forecast", "events", "events_total", 1)
	if err != nil {
		t.Fatalf("StartFetchRun: %v", err)
	}
	stale.Superseded = true
	if err := st.CompleteFetchRun(stale); err != nil {
		t.Fatalf("CompleteFetchRun superseded: %v", err)
	}

	failed, err := st.StartFetchRun("anomalies", "/api/anomaly/rolling", "events", "events_total", 2)
	if err != nil {
		t.Fatalf("StartFetchRun: %v", err)
	}
	failed.HTTPStatus = 500
	failed.ErrorMessage = "http 500"
	if err := st.CompleteFetchRun(failed); err != nil {
		t.Fatalf("CompleteFetchRun failed: %v", err)
	}

	runs, err := st.RecentFetchRuns(10)
	if err != nil {
		t.Fatalf("RecentFetchRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	// Newest first.
	if runs[0].Concern != "anomalies" || runs[0].Success || runs[0].ErrorMessage != "http 500" {
		t.Errorf("failed run = %+v", runs[0])
	}
	if runs[1].Concern != "forecast" || !runs[1].Superseded {
		t.Errorf("superseded run = %+v", runs[1])
	}
}

func TestCompleteNilRunIsNoOp(t *testing.T) {
	st := setupTestStore(t)
	if err := st.CompleteFetchRun(nil); err != nil {
		t.Errorf("CompleteFetchRun(nil) = %v, want nil", err)
	}
}

func TestRecentFetchRunsLimit(t *testing.T) {
	st := setupTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := st.StartFetchRun("series", "/api/metrics/daily", "s", "m", uint64(i)); err != nil {
			t.Fatalf("StartFetchRun: %v", err)
		}
	}
	runs, err := st.RecentFetchRuns(3)
	if err != nil {
		t.Fatalf("RecentFetchRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("got %d runs, want 3", len(runs))
	}
}
