// Package registry keeps the canonical in-memory table of known mesh
// nodes. Ingestion is the single writer; projections compute derived
// health fields from the wall clock at call time.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"meshmon/internal/model"
)

// UnknownHardware is the sentinel for hardware model codes the gateway
// could not name. Unknown codes never fail ingestion.
const UnknownHardware = "Unknown"

// Options carry the thresholds used for derived fields.
type Options struct {
	ActiveThreshold       time.Duration
	BatteryAlertThreshold int
}

// Registry is the node table. Nodes are never removed once seen; they go
// stale via IsActive, not deletion.
type Registry struct {
	opts Options

	mu    sync.RWMutex
	nodes map[string]*model.Node
}

// New creates an empty registry.
func New(opts Options) *Registry {
	return &Registry{opts: opts, nodes: make(map[string]*model.Node)}
}

// Ingest upserts each report by node ID and returns the IDs that changed
// materially (battery, uptime, charging, voltage, or newly seen), sorted.
// Partial-update semantics: a field absent from a report never erases a
// previously known value, and out-of-range values are discarded with the
// prior value retained. IsFavorite is never touched here.
func (r *Registry) Ingest(reports []model.RawNodeReport, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := make(map[string]bool)
	for _, rep := range reports {
		if rep.NodeID == "" {
			continue
		}

		node, ok := r.nodes[rep.NodeID]
		if !ok {
			node = &model.Node{
				NodeID:        rep.NodeID,
				HardwareModel: UnknownHardware,
				FirstSeen:     now,
			}
			r.nodes[rep.NodeID] = node
			changed[rep.NodeID] = true
		}

		if r.applyReport(node, rep, now) {
			changed[rep.NodeID] = true
		}
	}

	ids := make([]string, 0, len(changed))
	for id := range changed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// applyReport merges one report into a node and reports whether any
// telemetry field changed.
func (r *Registry) applyReport(node *model.Node, rep model.RawNodeReport, now time.Time) bool {
	if rep.LongName != nil && *rep.LongName != "" {
		node.LongName = *rep.LongName
	}
	if rep.ShortName != nil && *rep.ShortName != "" {
		node.ShortName = *rep.ShortName
	}
	if rep.HardwareModel != nil {
		node.HardwareModel = hardwareName(*rep.HardwareModel)
	}

	material := false

	if rep.BatteryLevel != nil {
		switch level := *rep.BatteryLevel; {
		case level == model.ChargingSentinel:
			// Powered node: the sentinel is charging state, not a level.
			charging := true
			if node.IsCharging == nil || !*node.IsCharging {
				material = true
			}
			node.IsCharging = &charging
		case level >= 0 && level <= 100:
			if node.BatteryLevel == nil || *node.BatteryLevel != level {
				material = true
			}
			v := level
			node.BatteryLevel = &v
		}
		// Anything else is out of physical range: discarded, prior kept.
	}

	if rep.Voltage != nil && *rep.Voltage >= 0 {
		if node.Voltage == nil || *node.Voltage != *rep.Voltage {
			material = true
		}
		v := *rep.Voltage
		node.Voltage = &v
	}

	if rep.IsCharging != nil {
		if node.IsCharging == nil || *node.IsCharging != *rep.IsCharging {
			material = true
		}
		v := *rep.IsCharging
		node.IsCharging = &v
	}

	if rep.UptimeSeconds != nil && *rep.UptimeSeconds >= 0 {
		if node.UptimeSeconds == nil || *node.UptimeSeconds != *rep.UptimeSeconds {
			material = true
		}
		v := *rep.UptimeSeconds
		node.UptimeSeconds = &v
	}

	if rep.LastHeard != nil {
		if node.LastHeard == nil || rep.LastHeard.After(*node.LastHeard) {
			t := *rep.LastHeard
			node.LastHeard = &t
		}
	}
	if rep.HasTelemetry() {
		if node.LastHeard == nil || now.After(*node.LastHeard) {
			t := now
			node.LastHeard = &t
		}
	}

	return material
}

// SetFavorite flips the user-owned favorite flag. Unknown IDs get a
// placeholder record so a user can watch for a node before it is first
// heard from.
func (r *Registry) SetFavorite(nodeID string, favorite bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &model.Node{
			NodeID:        nodeID,
			HardwareModel: UnknownHardware,
			FirstSeen:     time.Now(),
		}
		r.nodes[nodeID] = node
	}
	node.IsFavorite = favorite
}

// Get returns one node view, derived fields computed now.
func (r *Registry) Get(nodeID string) (model.NodeView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return model.NodeView{}, false
	}
	return r.view(node, time.Now()), true
}

// ListAll returns every known node sorted by ID.
func (r *Registry) ListAll() []model.NodeView {
	return r.list(func(*model.Node) bool { return true })
}

// ListFavorites returns the favorite nodes sorted by ID.
func (r *Registry) ListFavorites() []model.NodeView {
	return r.list(func(n *model.Node) bool { return n.IsFavorite })
}

func (r *Registry) list(keep func(*model.Node) bool) []model.NodeView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	views := make([]model.NodeView, 0, len(r.nodes))
	for _, node := range r.nodes {
		if keep(node) {
			views = append(views, r.view(node, now))
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i].NodeID < views[j].NodeID })
	return views
}

// view copies the node and computes derived fields. The copy keeps
// readers from observing later ingest writes through shared pointers.
func (r *Registry) view(node *model.Node, now time.Time) model.NodeView {
	v := model.NodeView{Node: *node}
	v.BatteryLevel = clonePtr(node.BatteryLevel)
	v.Voltage = clonePtr(node.Voltage)
	v.IsCharging = clonePtr(node.IsCharging)
	v.LastHeard = clonePtr(node.LastHeard)
	v.UptimeSeconds = clonePtr(node.UptimeSeconds)

	if node.LastHeard != nil {
		v.SinceHeard = now.Sub(*node.LastHeard)
		v.IsActive = v.SinceHeard <= r.opts.ActiveThreshold
	}
	if node.BatteryLevel != nil {
		charging := node.IsCharging != nil && *node.IsCharging
		v.BatteryAlert = *node.BatteryLevel < r.opts.BatteryAlertThreshold && !charging
	}
	return v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func hardwareName(code string) string {
	code = strings.TrimSpace(code)
	if code == "" || strings.EqualFold(code, "unset") {
		return UnknownHardware
	}
	return code
}
