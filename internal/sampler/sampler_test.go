package sampler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"meshmon/internal/alert"
	"meshmon/internal/conn"
	"meshmon/internal/history"
	"meshmon/internal/link"
	"meshmon/internal/model"
	"meshmon/internal/registry"
)

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

type fetchResult struct {
	reports []model.RawNodeReport
	err     error
}

// scriptedLink replays a queue of fetch results; the last one repeats.
type scriptedLink struct {
	mu        sync.Mutex
	openErr   error
	openCalls int
	open      bool
	queue     []fetchResult
}

func (s *scriptedLink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openCalls++
	if s.openErr != nil {
		return s.openErr
	}
	s.open = true
	return nil
}

func (s *scriptedLink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *scriptedLink) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *scriptedLink) FetchRawNodes(ctx context.Context) ([]model.RawNodeReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, nil
	}
	head := s.queue[0]
	if len(s.queue) > 1 {
		s.queue = s.queue[1:]
	}
	return head.reports, head.err
}

func (s *scriptedLink) Kind() string     { return "tcp" }
func (s *scriptedLink) Endpoint() string { return "fake:4403" }

func newTestSampler(t *testing.T, l link.Link) (*Sampler, *registry.Registry, *history.Store) {
	t.Helper()

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New(registry.Options{ActiveThreshold: 2 * time.Hour, BatteryAlertThreshold: 15})
	manager := conn.NewManagerWith(func(conn.Target) []link.Link { return []link.Link{l} }, time.Second)
	th := alert.Thresholds{Battery: 15, BatteryMargin: 5, ActiveThreshold: 2 * time.Hour}
	return New(manager, conn.Target{TCPHost: "fake", TCPPort: 4403}, reg, store, th), reg, store
}

func uptimeBatch(uptime int64) []model.RawNodeReport {
	return []model.RawNodeReport{{
		NodeID:        "!A",
		BatteryLevel:  intPtr(80),
		UptimeSeconds: int64Ptr(uptime),
	}}
}

func TestSampler_EndToEnd_PersistsOnlyChangedTelemetry(t *testing.T) {
	t.Parallel()

	l := &scriptedLink{queue: []fetchResult{
		{reports: uptimeBatch(10)},
		{reports: uptimeBatch(10)},
		{reports: uptimeBatch(20)},
	}}
	smp, _, store := newTestSampler(t, l)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := smp.RunOnce(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
	}

	now := time.Now()
	samples, err := store.QueryRange("!A", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	// Uptime 10, 10, 20: the repeat cycle must not be persisted.
	if len(samples) != 2 {
		t.Fatalf("samples=%d, want 2", len(samples))
	}
	if *samples[0].UptimeSeconds != 10 || *samples[1].UptimeSeconds != 20 {
		t.Fatalf("uptimes=%d,%d", *samples[0].UptimeSeconds, *samples[1].UptimeSeconds)
	}

	st := smp.LastTick()
	if st.NodesSeen != 1 || st.NodesChanged != 1 || st.SamplesPersisted != 1 || st.Err != "" {
		t.Fatalf("tick status=%+v", st)
	}
}

func TestSampler_LinkLoss_SelfHealsOnNextTick(t *testing.T) {
	t.Parallel()

	l := &scriptedLink{queue: []fetchResult{
		{err: link.ErrTimeout},
		{reports: uptimeBatch(10)},
	}}
	smp, reg, _ := newTestSampler(t, l)

	ctx := context.Background()
	if err := smp.RunOnce(ctx); err == nil {
		t.Fatal("expected first tick to fail")
	}
	if st := smp.LastTick(); st.Err == "" {
		t.Fatal("tick error not observable")
	}
	if smp.manager.Status().State != model.StateDisconnected {
		t.Fatalf("state=%s after link loss", smp.manager.Status().State)
	}

	// Next tick reconnects and completes.
	if err := smp.RunOnce(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if l.openCalls != 2 {
		t.Fatalf("openCalls=%d, want reconnect", l.openCalls)
	}
	if _, ok := reg.Get("!A"); !ok {
		t.Fatal("node not ingested after recovery")
	}
}

func TestSampler_ConnectFailure_IsNonFatalAndRetried(t *testing.T) {
	t.Parallel()

	l := &scriptedLink{openErr: link.ErrRefused, queue: []fetchResult{{reports: uptimeBatch(5)}}}
	smp, _, _ := newTestSampler(t, l)

	ctx := context.Background()
	if err := smp.RunOnce(ctx); err == nil {
		t.Fatal("expected connect failure")
	}

	l.mu.Lock()
	l.openErr = nil
	l.mu.Unlock()
	if err := smp.RunOnce(ctx); err != nil {
		t.Fatalf("retry tick: %v", err)
	}
}

func TestSampler_RaisesLowBatteryAlert(t *testing.T) {
	t.Parallel()

	low := []model.RawNodeReport{{NodeID: "!A", BatteryLevel: intPtr(10), UptimeSeconds: int64Ptr(10)}}
	l := &scriptedLink{queue: []fetchResult{
		{reports: uptimeBatch(5)},
		{reports: low},
	}}
	smp, _, _ := newTestSampler(t, l)

	ctx := context.Background()
	if err := smp.RunOnce(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if smp.Alerts().Has("!A", alert.KindLowBattery) {
		t.Fatal("alert raised at 80%")
	}

	if err := smp.RunOnce(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if !smp.Alerts().Has("!A", alert.KindLowBattery) {
		t.Fatal("no alert at 10%")
	}
	if st := smp.LastTick(); st.ActiveAlerts != 1 {
		t.Fatalf("tick status=%+v", st)
	}
}

// flakyStore rejects a scripted number of appends before delegating.
type flakyStore struct {
	*history.Store
	failures int
}

func (f *flakyStore) Append(samples []model.Sample) (int, error) {
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("append rejected")
	}
	return f.Store.Append(samples)
}

func TestSampler_FailedPersist_ReofferedNextTick(t *testing.T) {
	t.Parallel()

	l := &scriptedLink{queue: []fetchResult{
		{reports: uptimeBatch(10)},
		{reports: uptimeBatch(20)},
		{reports: uptimeBatch(20)},
	}}

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	flaky := &flakyStore{Store: store}

	reg := registry.New(registry.Options{ActiveThreshold: 2 * time.Hour, BatteryAlertThreshold: 15})
	manager := conn.NewManagerWith(func(conn.Target) []link.Link { return []link.Link{l} }, time.Second)
	th := alert.Thresholds{Battery: 15, BatteryMargin: 5, ActiveThreshold: 2 * time.Hour}
	smp := New(manager, conn.Target{TCPHost: "fake", TCPPort: 4403}, reg, flaky, th)

	ctx := context.Background()
	if err := smp.RunOnce(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}

	// The tick carrying the 10 -> 20 transition fails to persist.
	flaky.failures = 1
	if err := smp.RunOnce(ctx); err == nil {
		t.Fatal("expected append failure")
	}

	// Uptime stays 20, so the node never re-enters the changed set; the
	// unpersisted sample must still land on this tick.
	if err := smp.RunOnce(ctx); err != nil {
		t.Fatalf("third tick: %v", err)
	}

	now := time.Now()
	samples, err := store.QueryRange("!A", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("samples=%d, want both transitions", len(samples))
	}
	if *samples[0].UptimeSeconds != 10 || *samples[1].UptimeSeconds != 20 {
		t.Fatalf("uptimes=%d,%d", *samples[0].UptimeSeconds, *samples[1].UptimeSeconds)
	}
	if st := smp.LastTick(); st.SamplesPersisted != 1 {
		t.Fatalf("tick status=%+v, recovered sample not counted", st)
	}
}

func TestSampler_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	l := &scriptedLink{queue: []fetchResult{{reports: uptimeBatch(10)}}}
	smp, _, _ := newTestSampler(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- smp.Run(ctx, 50*time.Millisecond) }()

	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	if st := smp.LastTick(); st.NodesSeen != 1 {
		t.Fatalf("tick status=%+v, loop never sampled", st)
	}
}
