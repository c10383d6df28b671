package history

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"meshmon/internal/model"
)

// ExportCSV writes samples in the row-oriented form with a fixed column
// order. Absent optional fields become empty cells.
func ExportCSV(w io.Writer, samples []model.Sample) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{
		"timestamp",
		"node_id",
		"battery_level",
		"voltage",
		"is_charging",
		"uptime_seconds",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range samples {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			s.NodeID,
			formatInt(s.BatteryLevel),
			formatFloat(s.Voltage),
			formatBool(s.IsCharging),
			formatInt64(s.UptimeSeconds),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// snapshot is the nested export form: one object per sampling instant
// with nodes keyed by ID.
type snapshot struct {
	Timestamp time.Time                `json:"timestamp"`
	Nodes     map[string]snapshotEntry `json:"nodes"`
}

type snapshotEntry struct {
	BatteryLevel  *int     `json:"battery_level,omitempty"`
	Voltage       *float64 `json:"voltage,omitempty"`
	IsCharging    *bool    `json:"is_charging,omitempty"`
	UptimeSeconds *int64   `json:"uptime_seconds,omitempty"`
}

// ExportSnapshots writes the tree-oriented form as JSON lines, one
// snapshot per distinct sample timestamp. Derived from the same sample
// stream as the CSV form; samples must already be in timestamp order.
func ExportSnapshots(w io.Writer, samples []model.Sample) error {
	enc := json.NewEncoder(w)

	var current *snapshot
	flush := func() error {
		if current == nil {
			return nil
		}
		err := enc.Encode(current)
		current = nil
		return err
	}

	for _, s := range samples {
		ts := s.Timestamp.UTC()
		if current == nil || !current.Timestamp.Equal(ts) {
			if err := flush(); err != nil {
				return err
			}
			current = &snapshot{Timestamp: ts, Nodes: make(map[string]snapshotEntry)}
		}
		current.Nodes[s.NodeID] = snapshotEntry{
			BatteryLevel:  s.BatteryLevel,
			Voltage:       s.Voltage,
			IsCharging:    s.IsCharging,
			UptimeSeconds: s.UptimeSeconds,
		}
	}
	return flush()
}

func formatInt(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

func formatInt64(p *int64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatInt(*p, 10)
}

func formatFloat(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', 3, 64)
}

func formatBool(p *bool) string {
	if p == nil {
		return ""
	}
	return strconv.FormatBool(*p)
}
