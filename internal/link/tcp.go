package link

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"meshmon/internal/model"
)

// TCP is a Link over a TCP socket to the gateway's network API.
type TCP struct {
	host        string
	port        int
	dialTimeout time.Duration

	conn net.Conn
	r    *bufio.Reader
}

// NewTCP creates an unopened TCP link.
func NewTCP(host string, port int, dialTimeout time.Duration) *TCP {
	return &TCP{host: host, port: port, dialTimeout: dialTimeout}
}

func (t *TCP) Kind() string { return "tcp" }

func (t *TCP) Endpoint() string {
	return net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port))
}

// Open dials the gateway. One attempt, no retries.
func (t *TCP) Open() error {
	if t.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", t.Endpoint(), t.dialTimeout)
	if err != nil {
		return classify(err)
	}
	t.conn = conn
	t.r = bufio.NewReader(conn)
	return nil
}

// Close releases the socket. Safe to call repeatedly.
func (t *TCP) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.r = nil
	return err
}

func (t *TCP) IsAlive() bool { return t.conn != nil }

// FetchRawNodes requests the node table and decodes one status document.
// The ctx deadline bounds the whole round trip.
func (t *TCP) FetchRawNodes(ctx context.Context) ([]model.RawNodeReport, error) {
	if t.conn == nil {
		return nil, fmt.Errorf("%w: link not open", ErrRefused)
	}

	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return nil, classify(err)
	}

	if _, err := t.conn.Write(StatusRequest); err != nil {
		return nil, classify(err)
	}
	line, err := t.r.ReadBytes('\n')
	if err != nil {
		return nil, classify(err)
	}
	return ParseNodeDocument(line)
}
