// Package alert derives the active alert set from a registry snapshot.
// Evaluation is pure: current state plus the previous alert set in, new
// alert set out. The caller decides what a not-alerting -> alerting
// transition should trigger.
package alert

import (
	"time"

	"meshmon/internal/model"
)

// Kind identifies the alert condition.
type Kind string

const (
	KindLowBattery Kind = "low_battery"
	KindStale      Kind = "stale"
)

// Alert is one active condition on one node. Level carries the observed
// magnitude: battery percent for LowBattery, whole hours since last
// contact for Stale.
type Alert struct {
	NodeID string
	Kind   Kind
	Level  int
}

// Key identifies an alert across evaluations.
type Key struct {
	NodeID string
	Kind   Kind
}

// Set is the active alert set keyed by node and kind.
type Set map[Key]Alert

// Has reports whether the set contains an alert for the node and kind.
func (s Set) Has(nodeID string, kind Kind) bool {
	_, ok := s[Key{NodeID: nodeID, Kind: kind}]
	return ok
}

// Rising returns the alerts present in s but not in prev: the
// transitions that warrant a fresh notification.
func (s Set) Rising(prev Set) []Alert {
	var out []Alert
	for key, a := range s {
		if _, ok := prev[key]; !ok {
			out = append(out, a)
		}
	}
	return out
}

// Thresholds configure evaluation. BatteryMargin is the hysteresis band:
// a raised LowBattery alert clears only above Battery+BatteryMargin.
type Thresholds struct {
	Battery         int
	BatteryMargin   int
	ActiveThreshold time.Duration
}

// Evaluate computes the new alert set for a registry snapshot.
func Evaluate(nodes []model.NodeView, prev Set, th Thresholds, now time.Time) Set {
	next := make(Set)
	for _, node := range nodes {
		if a, ok := evalLowBattery(node, prev, th); ok {
			next[Key{node.NodeID, KindLowBattery}] = a
		}
		if a, ok := evalStale(node, th, now); ok {
			next[Key{node.NodeID, KindStale}] = a
		}
	}
	return next
}

func evalLowBattery(node model.NodeView, prev Set, th Thresholds) (Alert, bool) {
	// Charging clears the condition even when the level reading is
	// absent or still low.
	if node.IsCharging != nil && *node.IsCharging {
		return Alert{}, false
	}

	wasRaised := prev.Has(node.NodeID, KindLowBattery)

	if node.BatteryLevel == nil {
		// No reading: a raised alert stays raised rather than flapping
		// on missing telemetry.
		if wasRaised {
			return prev[Key{node.NodeID, KindLowBattery}], true
		}
		return Alert{}, false
	}

	level := *node.BatteryLevel
	limit := th.Battery
	if wasRaised {
		limit = th.Battery + th.BatteryMargin
	}
	if level < limit {
		return Alert{NodeID: node.NodeID, Kind: KindLowBattery, Level: level}, true
	}
	return Alert{}, false
}

func evalStale(node model.NodeView, th Thresholds, now time.Time) (Alert, bool) {
	// Never-heard nodes cannot go stale; they were never active.
	if node.LastHeard == nil {
		return Alert{}, false
	}
	since := now.Sub(*node.LastHeard)
	if since <= th.ActiveThreshold {
		return Alert{}, false
	}
	return Alert{NodeID: node.NodeID, Kind: KindStale, Level: int(since.Hours())}, true
}
