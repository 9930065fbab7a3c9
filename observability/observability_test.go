package observability

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/dastyar/dbopen"

	_ "modernc.org/sqlite"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestInit_CreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"worker_heartbeats", "metrics_timeseries", "business_event_logs", "audit_log"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
	if err := Init(context.Background(), db); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.Record(&Metric{
		Name:      MetricTokensBilled,
		Timestamp: time.Now(),
		Value:     420,
		Unit:      "count",
		Labels:    map[string]string{"job": "job_1"},
	})
	mm.RecordSimple(MetricChunksPerJob, 3, "count")
	mm.Close()

	all, err := mm.Query(context.Background(), "", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d metrics, want 2", len(all))
	}
	billed, _ := mm.Query(context.Background(), MetricTokensBilled, nil, nil, 10)
	if len(billed) != 1 || billed[0].Value != 420 || billed[0].Labels["job"] != "job_1" {
		t.Fatalf("billed = %+v", billed)
	}
}

func TestMetricsManager_QueryWithTimeRange(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	now := time.Now()
	mm.Record(&Metric{Name: "m", Timestamp: now.Add(-2 * time.Hour), Value: 1})
	mm.Record(&Metric{Name: "m", Timestamp: now, Value: 2})
	mm.Close()

	since := now.Add(-time.Hour)
	got, err := mm.Query(context.Background(), "m", &since, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 2 {
		t.Fatalf("got %+v", got)
	}
}

// WHAT: the task observer records one labelled duration point per call.
// WHY: the runtime calls it for every settled task; kind and status must
// survive into the timeseries.
func TestMetricsManager_TaskObserver(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	obs := mm.TaskObserver()
	obs("chunk.transcribe", "succeeded", 1500*time.Millisecond)
	obs("chunk.transcribe", "failed", 10*time.Millisecond)
	mm.Close()

	got, _ := mm.Query(context.Background(), MetricTaskDurationMs, nil, nil, 0)
	if len(got) != 2 {
		t.Fatalf("got %d points", len(got))
	}
	seen := map[string]float64{}
	for _, m := range got {
		if m.Labels["kind"] != "chunk.transcribe" {
			t.Fatalf("labels = %v", m.Labels)
		}
		seen[m.Labels["status"]] = m.Value
	}
	if seen["succeeded"] != 1500 || seen["failed"] != 10 {
		t.Fatalf("seen = %v", seen)
	}
}

func TestMetricsManager_NilIsNoop(t *testing.T) {
	var mm *MetricsManager
	mm.RecordSimple("x", 1, "count")
	mm.TaskObserver()("k", "s", time.Second)
}

func TestHeartbeatWriter_WriteAndLatest(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	hw := NewHeartbeatWriter(db, "worker-a", time.Hour).WithMetrics(mm)
	if err := hw.WriteHeartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	mm.Close()

	hs, err := LatestHeartbeat(context.Background(), db, "worker-a", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil || !hs.Alive || hs.GoroutinesCount == 0 {
		t.Fatalf("status = %+v", hs)
	}
	gauges, _ := mm.Query(context.Background(), MetricGoroutinesCount, nil, nil, 0)
	if len(gauges) != 1 {
		t.Fatalf("gauges = %d", len(gauges))
	}

	none, err := LatestHeartbeat(context.Background(), db, "nobody", time.Minute)
	if err != nil || none != nil {
		t.Fatalf("unknown worker: %+v, %v", none, err)
	}
}

func TestHeartbeatWriter_StartStop(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "worker-b", time.Hour)
	hw.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for {
		var n int
		db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats WHERE worker_name='worker-b'").Scan(&n)
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no heartbeat written on start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	hw.Stop()
}

func TestWorkers_ListsLatestPerWorker(t *testing.T) {
	db := setupObsDB(t)
	for _, name := range []string{"w1", "w2", "w1"} {
		if err := NewHeartbeatWriter(db, name, time.Hour).WriteHeartbeat(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	ws, err := Workers(context.Background(), db, time.Now().Add(-time.Minute), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(ws) != 2 || ws[0].WorkerName != "w1" || ws[1].WorkerName != "w2" {
		t.Fatalf("workers = %+v", ws)
	}
}

func TestEventLogger_LogAndRead(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db, nil)
	ctx := context.Background()
	el.LogEvent(ctx, BusinessEvent{EventType: EventJobSubmitted, EntityType: "job", EntityID: "job_1", UserID: "usr_1", Action: "submit", Success: true})
	el.LogEvent(ctx, BusinessEvent{EventType: EventJobCompleted, EntityType: "job", EntityID: "job_1", Action: "finalize", Details: map[string]int{"tokens": 42}, Success: true})
	el.LogEvent(ctx, BusinessEvent{EventType: EventJobSubmitted, EntityID: "job_2", Action: "submit", Success: true})

	evs, err := el.Events(ctx, "job_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Type != EventJobSubmitted || evs[1].Details != `{"tokens":42}` {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].ID[:4] != "evt_" {
		t.Fatalf("id = %q", evs[0].ID)
	}
}

func TestEventLogger_NilIsNoop(t *testing.T) {
	var el *EventLogger
	el.LogEvent(context.Background(), BusinessEvent{EventType: "x"})
}

// WHAT: a cancelled request context still records the event.
// WHY: a job failure is often logged from a context that was just cancelled.
func TestEventLogger_IgnoresCancellation(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	el.LogEvent(ctx, BusinessEvent{EventType: EventJobCancelled, EntityID: "job_9", Action: "cancel"})
	evs, _ := el.Events(context.Background(), "job_9")
	if len(evs) != 1 {
		t.Fatalf("events = %d", len(evs))
	}
}

func TestAuditLogger_Record(t *testing.T) {
	db := setupObsDB(t)
	a := NewAuditLogger(db, nil)
	ctx := context.Background()
	a.Record(ctx, "cli", "wallet.credit", "usr_1", map[string]int{"amount": 500}, nil)
	a.Record(ctx, "cli", "job.fix_status", "job_1", nil, errors.New("job not found"))

	all, err := a.Query(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("entries = %d", len(all))
	}
	one, _ := a.Query(ctx, "job_1", 10)
	if len(one) != 1 || one[0].Status != "error" || one[0].Error != "job not found" || one[0].Params != "{}" {
		t.Fatalf("entry = %+v", one)
	}
	credit, _ := a.Query(ctx, "usr_1", 10)
	if credit[0].Params != `{"amount":500}` || credit[0].Status != "success" {
		t.Fatalf("entry = %+v", credit[0])
	}
}

func TestCleanup_Retention(t *testing.T) {
	db := setupObsDB(t)
	old := time.Now().Add(-40 * 24 * time.Hour).Unix()
	now := time.Now().Unix()
	db.Exec(`INSERT INTO business_event_logs (event_id, event_type, action, created_at) VALUES ('e1','t','a',?),('e2','t','a',?)`, old, now)
	db.Exec(`INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp) VALUES ('w','h',1,?)`, old)
	db.Exec(`INSERT INTO metrics_timeseries (metric_name, timestamp, value) VALUES ('m',?,1)`, old)

	err := Cleanup(context.Background(), db, RetentionConfig{EventLogsDays: 30, HeartbeatsDays: 30})
	if err != nil {
		t.Fatal(err)
	}
	var events, beats, metrics int
	db.QueryRow("SELECT COUNT(*) FROM business_event_logs").Scan(&events)
	db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats").Scan(&beats)
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&metrics)
	if events != 1 || beats != 0 {
		t.Fatalf("events=%d beats=%d", events, beats)
	}
	// MetricsDays was zero: kept.
	if metrics != 1 {
		t.Fatalf("metrics=%d, want 1", metrics)
	}
}
