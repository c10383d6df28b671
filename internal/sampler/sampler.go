// Package sampler drives the fetch -> ingest -> evaluate -> persist
// cycle on a fixed cadence. One bounded unit of work per tick; no
// failure inside a tick ever stops the loop.
package sampler

import (
	"context"
	"log"
	"sync"
	"time"

	"meshmon/internal/alert"
	"meshmon/internal/conn"
	"meshmon/internal/model"
	"meshmon/internal/registry"
)

// TickStatus is the externally observable outcome of the most recent
// sampling tick.
type TickStatus struct {
	At               time.Time
	NodesSeen        int
	NodesChanged     int
	SamplesPersisted int
	ActiveAlerts     int
	Err              string
}

// SampleStore is the persistence surface the sampler writes to.
// *history.Store satisfies it.
type SampleStore interface {
	Append(samples []model.Sample) (int, error)
}

// Sampler owns the sampling loop. It is the only caller of Connect and
// FetchNodes and the only writer of the history store.
type Sampler struct {
	manager    *conn.Manager
	target     conn.Target
	reg        *registry.Registry
	store      SampleStore
	thresholds alert.Thresholds

	// pending holds samples a failed Append left unpersisted; they are
	// re-offered ahead of the next tick's batch. Only tick touches it.
	pending []model.Sample

	mu       sync.Mutex
	lastTick TickStatus
	alerts   alert.Set
}

// New wires a sampler. The store may be nil to run without persistence
// (status probes).
func New(manager *conn.Manager, target conn.Target, reg *registry.Registry, store SampleStore, th alert.Thresholds) *Sampler {
	return &Sampler{
		manager:    manager,
		target:     target,
		reg:        reg,
		store:      store,
		thresholds: th,
		alerts:     make(alert.Set),
	}
}

// Run performs one cycle immediately, then one per interval until the
// context is canceled. Failed ticks are logged and retried on the next
// tick; the connection self-heals through the per-tick Connect.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.RunOnce(ctx); err != nil {
		log.Printf("sample tick failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				log.Printf("sample tick failed: %v", err)
			}
		}
	}
}

// RunOnce performs exactly one fetch+ingest+evaluate+persist cycle.
func (s *Sampler) RunOnce(ctx context.Context) error {
	now := time.Now()
	status := TickStatus{At: now}
	err := s.tick(ctx, now, &status)
	if err != nil {
		status.Err = err.Error()
	}

	s.mu.Lock()
	s.lastTick = status
	s.mu.Unlock()
	return err
}

func (s *Sampler) tick(ctx context.Context, now time.Time, status *TickStatus) error {
	if s.manager.Status().State != model.StateConnected {
		if _, err := s.manager.Connect(s.target); err != nil {
			return err
		}
	}

	reports, err := s.manager.FetchNodes(ctx)
	if err != nil {
		return err
	}
	status.NodesSeen = len(reports)

	changed := s.reg.Ingest(reports, now)
	status.NodesChanged = len(changed)

	next := alert.Evaluate(s.reg.ListAll(), s.currentAlerts(), s.thresholds, now)
	for _, a := range next.Rising(s.currentAlerts()) {
		log.Printf("alert raised node=%s kind=%s level=%d", a.NodeID, a.Kind, a.Level)
	}
	s.mu.Lock()
	s.alerts = next
	s.mu.Unlock()
	status.ActiveAlerts = len(next)

	if s.store == nil {
		return nil
	}

	// Persist only nodes that changed this tick; the store's own filter
	// then drops samples identical to the last persisted one.
	samples := make([]model.Sample, 0, len(changed))
	for _, id := range changed {
		view, ok := s.reg.Get(id)
		if !ok {
			continue
		}
		if view.BatteryLevel == nil && view.Voltage == nil && view.IsCharging == nil && view.UptimeSeconds == nil {
			continue
		}
		samples = append(samples, model.Sample{
			NodeID:        id,
			Timestamp:     now,
			BatteryLevel:  view.BatteryLevel,
			Voltage:       view.Voltage,
			IsCharging:    view.IsCharging,
			UptimeSeconds: view.UptimeSeconds,
		})
	}

	// Samples from a previously failed Append go first so transitions
	// keep their order; the store's filter did not advance for them, so
	// a re-offer is accepted.
	batch := append(s.pending, samples...)
	persisted, err := s.store.Append(batch)
	if err != nil {
		// Non-fatal for the tick's registry and alert work, but the
		// batch must survive: these nodes may never re-enter the
		// changed set, and dropping them here would lose a genuine
		// transition.
		s.pending = batch
		return err
	}
	s.pending = nil
	status.SamplesPersisted = persisted
	return nil
}

// LastTick returns the most recent tick outcome.
func (s *Sampler) LastTick() TickStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

// Alerts returns a copy of the active alert set.
func (s *Sampler) Alerts() alert.Set {
	return s.currentAlerts()
}

func (s *Sampler) currentAlerts() alert.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(alert.Set, len(s.alerts))
	for k, v := range s.alerts {
		out[k] = v
	}
	return out
}
