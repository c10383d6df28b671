package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"

	"meshmon/internal/model"
)

// Gateway devices expose a fixed 115200 8N1 console.
const serialBaudRate = 115200

// readSlice bounds each blocking serial read so the fetch deadline is
// honored even when the device goes quiet mid-document.
const readSlice = 250 * time.Millisecond

// Serial is a Link over a local serial device.
type Serial struct {
	device string
	port   serial.Port
}

// NewSerial creates an unopened serial link for the given device path.
func NewSerial(device string) *Serial {
	return &Serial{device: device}
}

func (s *Serial) Kind() string     { return "serial" }
func (s *Serial) Endpoint() string { return s.device }

// Open opens the serial device. One attempt, no retries.
func (s *Serial) Open() error {
	if s.port != nil {
		return nil
	}
	port, err := serial.Open(s.device, &serial.Mode{BaudRate: serialBaudRate})
	if err != nil {
		return classifySerial(err)
	}
	if err := port.SetReadTimeout(readSlice); err != nil {
		port.Close()
		return classifySerial(err)
	}
	s.port = port
	return nil
}

// Close releases the device. Safe to call repeatedly.
func (s *Serial) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *Serial) IsAlive() bool { return s.port != nil }

// FetchRawNodes requests the node table and decodes one status document.
func (s *Serial) FetchRawNodes(ctx context.Context) ([]model.RawNodeReport, error) {
	if s.port == nil {
		return nil, fmt.Errorf("%w: link not open", ErrRefused)
	}

	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	if _, err := s.port.Write(StatusRequest); err != nil {
		return nil, classifySerial(err)
	}

	line, err := s.readLine(ctx, deadline)
	if err != nil {
		return nil, err
	}
	return ParseNodeDocument(line)
}

// readLine accumulates bytes until a newline. The port read timeout
// slices the blocking reads so the deadline and ctx are checked between
// slices; a zero-byte read is a timeout slice expiring, not EOF.
func (s *Serial) readLine(ctx context.Context, deadline time.Time) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 512)
	for {
		if err := ctx.Err(); err != nil {
			return nil, classify(err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: no response from %s", ErrTimeout, s.device)
		}

		n, err := s.port.Read(tmp)
		if err != nil {
			return nil, classifySerial(err)
		}
		buf = append(buf, tmp[:n]...)
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			return buf[:i+1], nil
		}
	}
}

func classifySerial(err error) error {
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PortNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case serial.PortBusy, serial.PermissionDenied:
			return fmt.Errorf("%w: %v", ErrRefused, err)
		}
	}
	return classify(err)
}
