// Package conn owns the gateway link and the process-wide connection
// state. It is the single writer of both; every other component only
// reads Status().
package conn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"meshmon/internal/link"
	"meshmon/internal/model"
)

// ErrLinkLost is the only transport failure higher layers see from
// FetchNodes. The link taxonomy stays below this boundary.
var ErrLinkLost = errors.New("link lost")

// ErrNotConnected is returned by FetchNodes outside the Connected state.
var ErrNotConnected = errors.New("not connected")

// Target describes the gateway endpoints to try. A non-empty SerialPort
// puts serial first in the attempt order, with TCP as fallback.
type Target struct {
	SerialPort  string
	TCPHost     string
	TCPPort     int
	DialTimeout time.Duration
}

// Dialer builds the candidate links for a target, in attempt order.
type Dialer func(Target) []link.Link

// DefaultDialer implements the historical fallback ordering: serial when
// explicitly requested, then TCP; TCP alone otherwise.
func DefaultDialer(t Target) []link.Link {
	var candidates []link.Link
	if t.SerialPort != "" {
		candidates = append(candidates, link.NewSerial(t.SerialPort))
	}
	if t.TCPHost != "" {
		candidates = append(candidates, link.NewTCP(t.TCPHost, t.TCPPort, t.DialTimeout))
	}
	return candidates
}

// Manager drives the connection state machine:
// Disconnected -> Connecting -> Connected -> Disconnected (on failure),
// with Connecting -> Failed after one attempt per candidate. A later
// Connect re-runs the ordering from scratch.
type Manager struct {
	dialer       Dialer
	fetchTimeout time.Duration

	mu        sync.Mutex
	state     model.ConnState
	active    link.Link
	lastError string
	changedAt time.Time
}

// NewManager constructs a manager using the default candidate ordering.
func NewManager(fetchTimeout time.Duration) *Manager {
	return NewManagerWith(DefaultDialer, fetchTimeout)
}

// NewManagerWith constructs a manager with a custom dialer. Tests use
// this to substitute fake links.
func NewManagerWith(d Dialer, fetchTimeout time.Duration) *Manager {
	return &Manager{
		dialer:       d,
		fetchTimeout: fetchTimeout,
		state:        model.StateDisconnected,
		changedAt:    time.Now(),
	}
}

// Connect attempts each candidate for the target once, in order.
// Idempotent: an existing live connection is returned untouched. Dials
// run outside the lock so Status() stays readable mid-attempt.
func (m *Manager) Connect(target Target) (model.ConnStatus, error) {
	m.mu.Lock()
	if m.state == model.StateConnected && m.active != nil && m.active.IsAlive() {
		st := m.statusLocked()
		m.mu.Unlock()
		return st, nil
	}

	// Scoped acquisition: any prior handle is released before a new
	// connection cycle begins.
	m.releaseLocked()
	m.setStateLocked(model.StateConnecting, "")
	candidates := m.dialer(target)
	m.mu.Unlock()

	var lastErr error
	for _, candidate := range candidates {
		if err := candidate.Open(); err != nil {
			lastErr = err
			log.Printf("connect failed transport=%s endpoint=%s: %v", candidate.Kind(), candidate.Endpoint(), err)
			continue
		}

		m.mu.Lock()
		// A concurrent Disconnect superseded this cycle; the fresh
		// handle is unwanted.
		if m.state != model.StateConnecting {
			st := m.statusLocked()
			m.mu.Unlock()
			candidate.Close()
			return st, nil
		}
		m.active = candidate
		m.setStateLocked(model.StateConnected, "")
		st := m.statusLocked()
		m.mu.Unlock()
		log.Printf("connected transport=%s endpoint=%s", candidate.Kind(), candidate.Endpoint())
		return st, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no connection candidates for target")
	}
	m.mu.Lock()
	if m.state == model.StateConnecting {
		m.setStateLocked(model.StateFailed, lastErr.Error())
	}
	st := m.statusLocked()
	m.mu.Unlock()
	return st, lastErr
}

// Disconnect releases the handle and returns to Disconnected. Always
// succeeds; safe to call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
	m.setStateLocked(model.StateDisconnected, m.lastError)
}

// FetchNodes reads one batch of raw node reports. Requires Connected.
// Any transport failure (timeout included) closes the handle, moves the
// state to Disconnected and surfaces ErrLinkLost; reconnecting is the
// caller's next move, not an inline retry.
func (m *Manager) FetchNodes(ctx context.Context) ([]model.RawNodeReport, error) {
	m.mu.Lock()
	active := m.active
	if m.state != model.StateConnected || active == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	m.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()

	reports, err := active.FetchRawNodes(fctx)
	if err != nil {
		m.mu.Lock()
		// Only tear down if the failing link is still the active one;
		// a concurrent Disconnect/Connect may have replaced it.
		if m.active == active {
			m.releaseLocked()
			m.setStateLocked(model.StateDisconnected, err.Error())
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrLinkLost, err)
	}
	return reports, nil
}

// Status returns a snapshot of the current connection state. Never
// blocks on transport I/O.
func (m *Manager) Status() model.ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() model.ConnStatus {
	st := model.ConnStatus{
		State:     m.state,
		LastError: m.lastError,
		ChangedAt: m.changedAt,
	}
	if m.state == model.StateConnected && m.active != nil {
		st.Transport = m.active.Kind()
		st.Endpoint = m.active.Endpoint()
	}
	return st
}

func (m *Manager) setStateLocked(state model.ConnState, reason string) {
	if reason != "" {
		m.lastError = reason
	}
	if m.state != state {
		m.state = state
		m.changedAt = time.Now()
	}
}

// releaseLocked closes the active handle exactly once.
func (m *Manager) releaseLocked() {
	if m.active == nil {
		return
	}
	if err := m.active.Close(); err != nil {
		log.Printf("close link: %v", err)
	}
	m.active = nil
}
