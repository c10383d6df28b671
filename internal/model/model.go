package model

import "time"

// ChargingSentinel is the raw battery value gateways report while a node
// runs on external power instead of a real percentage.
const ChargingSentinel = 101

// RawNodeReport is one node record as decoded off the gateway link.
// Optional fields are nil when the gateway did not report them.
type RawNodeReport struct {
	NodeID        string     `json:"node_id"`
	LongName      *string    `json:"long_name,omitempty"`
	ShortName     *string    `json:"short_name,omitempty"`
	HardwareModel *string    `json:"hardware_model,omitempty"`
	BatteryLevel  *int       `json:"battery_level,omitempty"`
	Voltage       *float64   `json:"voltage,omitempty"`
	IsCharging    *bool      `json:"is_charging,omitempty"`
	LastHeard     *time.Time `json:"last_heard,omitempty"`
	UptimeSeconds *int64     `json:"uptime_seconds,omitempty"`
}

// HasTelemetry reports whether the record carries device metrics, as
// opposed to a bare presence/topology entry.
func (r RawNodeReport) HasTelemetry() bool {
	return r.BatteryLevel != nil || r.Voltage != nil || r.IsCharging != nil || r.UptimeSeconds != nil
}

// Node is the canonical registry entry for one mesh participant.
type Node struct {
	NodeID        string
	LongName      string
	ShortName     string
	HardwareModel string
	BatteryLevel  *int
	Voltage       *float64
	IsCharging    *bool
	LastHeard     *time.Time
	UptimeSeconds *int64
	IsFavorite    bool
	FirstSeen     time.Time
}

// NodeView is a Node plus fields derived at read time.
type NodeView struct {
	Node
	IsActive     bool
	SinceHeard   time.Duration
	BatteryAlert bool
}

// Sample is one persisted telemetry observation. Immutable once written.
type Sample struct {
	NodeID        string
	Timestamp     time.Time
	BatteryLevel  *int
	Voltage       *float64
	IsCharging    *bool
	UptimeSeconds *int64
}

// ConnState is the connection lifecycle state owned by the connection
// manager.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateFailed       ConnState = "failed"
)

// ConnStatus is a point-in-time snapshot of the connection manager.
type ConnStatus struct {
	State     ConnState
	Transport string // "serial" or "tcp", empty unless connected
	Endpoint  string // device path or host:port, empty unless connected
	LastError string
	ChangedAt time.Time
}
