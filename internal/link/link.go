// Package link owns the physical transport to the gateway device. A Link
// opens, closes and probes exactly one transport and reads already-decoded
// node documents off it. Retry policy lives in the connection manager,
// never here.
package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"meshmon/internal/model"
)

// Transport failure classes. The connection manager branches on these to
// drive fallback ordering; everything above it only sees link loss.
var (
	ErrNotFound = errors.New("device not found")
	ErrRefused  = errors.New("connection refused")
	ErrTimeout  = errors.New("link timeout")
	ErrProtocol = errors.New("protocol error")
)

// Link is a single transport to the gateway device.
type Link interface {
	Open() error
	Close() error
	IsAlive() bool
	FetchRawNodes(ctx context.Context) ([]model.RawNodeReport, error)
	Kind() string
	Endpoint() string
}

// classify maps an underlying transport error onto the link error
// taxonomy, preserving the cause in the message.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrRefused),
		errors.Is(err, ErrTimeout), errors.Is(err, ErrProtocol):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %v", ErrRefused, err)
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOENT),
		errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.EHOSTUNREACH):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	return err
}
