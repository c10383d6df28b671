// Package history persists per-node telemetry samples and answers trend
// queries. Writes are append-only; a change filter keeps idle nodes from
// being logged over and over while every genuine transition is captured.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"meshmon/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS samples (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	node_id        TEXT    NOT NULL,
	timestamp_ns   INTEGER NOT NULL,
	battery_level  INTEGER,
	voltage        REAL,
	is_charging    INTEGER,
	uptime_seconds INTEGER
);
CREATE INDEX IF NOT EXISTS idx_samples_node_ts ON samples(node_id, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_samples_ts ON samples(timestamp_ns);
`

// fingerprint is the change-filter key: a sample is persisted only when
// one of these fields differs from the node's last persisted sample.
type fingerprint struct {
	hasBattery  bool
	battery     int
	hasCharging bool
	charging    bool
	hasUptime   bool
	uptime      int64
}

func fingerprintOf(s model.Sample) fingerprint {
	var fp fingerprint
	if s.BatteryLevel != nil {
		fp.hasBattery, fp.battery = true, *s.BatteryLevel
	}
	if s.IsCharging != nil {
		fp.hasCharging, fp.charging = true, *s.IsCharging
	}
	if s.UptimeSeconds != nil {
		fp.hasUptime, fp.uptime = true, *s.UptimeSeconds
	}
	return fp
}

// Store is the sample database. One writer (the sampler) and any number
// of concurrent readers; WAL mode keeps reads consistent during appends.
type Store struct {
	db *sql.DB

	mu   sync.Mutex
	last map[string]fingerprint
}

// Open opens (creating if needed) the sample database and seeds the
// change filter from the most recent persisted sample per node, so
// filtering survives restarts.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{db: db, last: make(map[string]fingerprint)}
	if err := s.seedFilter(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) seedFilter() error {
	rows, err := s.db.Query(`
		SELECT s.node_id, s.battery_level, s.is_charging, s.uptime_seconds
		FROM samples s
		JOIN (SELECT node_id, MAX(id) AS max_id FROM samples GROUP BY node_id) m
		ON s.id = m.max_id`)
	if err != nil {
		return fmt.Errorf("seeding change filter: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var nodeID string
		var battery sql.NullInt64
		var charging sql.NullBool
		var uptime sql.NullInt64
		if err := rows.Scan(&nodeID, &battery, &charging, &uptime); err != nil {
			return err
		}
		fp := fingerprint{
			hasBattery:  battery.Valid,
			battery:     int(battery.Int64),
			hasCharging: charging.Valid,
			charging:    charging.Bool,
			hasUptime:   uptime.Valid,
			uptime:      uptime.Int64,
		}
		s.last[nodeID] = fp
	}
	return rows.Err()
}

// Append persists the samples that pass the change filter and returns
// how many were written. The whole batch commits in one transaction;
// a failure rolls back without touching prior rows or the filter state.
func (s *Store) Append(samples []model.Sample) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make([]model.Sample, 0, len(samples))
	fps := make([]fingerprint, 0, len(samples))
	for _, sample := range samples {
		fp := fingerprintOf(sample)
		if prev, ok := s.last[sample.NodeID]; ok && prev == fp {
			continue
		}
		keep = append(keep, sample)
		fps = append(fps, fp)
	}
	if len(keep) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO samples (node_id, timestamp_ns, battery_level, voltage, is_charging, uptime_seconds)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	for _, sample := range keep {
		_, err := stmt.Exec(
			sample.NodeID,
			sample.Timestamp.UTC().UnixNano(),
			nullInt(sample.BatteryLevel),
			nullFloat(sample.Voltage),
			nullBool(sample.IsCharging),
			nullInt64(sample.UptimeSeconds),
		)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("inserting sample for %s: %w", sample.NodeID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	// Filter state advances only after the commit is durable.
	for i, sample := range keep {
		s.last[sample.NodeID] = fps[i]
	}
	return len(keep), nil
}

// QueryRange returns the samples for one node in [from, to], ascending
// by timestamp. Each call runs a fresh query, so iteration is finite and
// restartable.
func (s *Store) QueryRange(nodeID string, from, to time.Time) ([]model.Sample, error) {
	rows, err := s.db.Query(`
		SELECT node_id, timestamp_ns, battery_level, voltage, is_charging, uptime_seconds
		FROM samples
		WHERE node_id = ? AND timestamp_ns >= ? AND timestamp_ns <= ?
		ORDER BY timestamp_ns ASC`,
		nodeID, from.UTC().UnixNano(), to.UTC().UnixNano())
	if err != nil {
		return nil, err
	}
	return scanSamples(rows)
}

// QueryAllRange returns samples for every node in [from, to], ascending
// by timestamp. Backs the export forms.
func (s *Store) QueryAllRange(from, to time.Time) ([]model.Sample, error) {
	rows, err := s.db.Query(`
		SELECT node_id, timestamp_ns, battery_level, voltage, is_charging, uptime_seconds
		FROM samples
		WHERE timestamp_ns >= ? AND timestamp_ns <= ?
		ORDER BY timestamp_ns ASC, node_id ASC`,
		from.UTC().UnixNano(), to.UTC().UnixNano())
	if err != nil {
		return nil, err
	}
	return scanSamples(rows)
}

func scanSamples(rows *sql.Rows) ([]model.Sample, error) {
	defer rows.Close()

	var out []model.Sample
	for rows.Next() {
		var nodeID string
		var tsNano int64
		var battery sql.NullInt64
		var voltage sql.NullFloat64
		var charging sql.NullBool
		var uptime sql.NullInt64
		if err := rows.Scan(&nodeID, &tsNano, &battery, &voltage, &charging, &uptime); err != nil {
			return nil, err
		}

		sample := model.Sample{
			NodeID:    nodeID,
			Timestamp: time.Unix(0, tsNano).UTC(),
		}
		if battery.Valid {
			v := int(battery.Int64)
			sample.BatteryLevel = &v
		}
		if voltage.Valid {
			v := voltage.Float64
			sample.Voltage = &v
		}
		if charging.Valid {
			v := charging.Bool
			sample.IsCharging = &v
		}
		if uptime.Valid {
			v := uptime.Int64
			sample.UptimeSeconds = &v
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullBool(p *bool) any {
	if p == nil {
		return nil
	}
	return *p
}
