package link

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"meshmon/internal/model"
)

// startFakeGateway serves the status protocol on loopback: one JSON node
// document per request line. respond=false leaves requests unanswered to
// exercise timeouts.
func startFakeGateway(t *testing.T, reports []model.RawNodeReport, respond bool) (string, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					if _, err := r.ReadBytes('\n'); err != nil {
						return
					}
					if !respond {
						continue
					}
					doc, err := EncodeNodeDocument(reports)
					if err != nil {
						return
					}
					if _, err := c.Write(doc); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func TestTCP_OpenFetchClose(t *testing.T) {
	t.Parallel()

	battery := 88
	host, port := startFakeGateway(t, []model.RawNodeReport{{NodeID: "!deadbeef", BatteryLevel: &battery}}, true)

	l := NewTCP(host, port, 2*time.Second)
	if l.IsAlive() {
		t.Fatal("alive before open")
	}
	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !l.IsAlive() {
		t.Fatal("not alive after open")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reports, err := l.FetchRawNodes(ctx)
	if err != nil {
		t.Fatalf("FetchRawNodes: %v", err)
	}
	if len(reports) != 1 || reports[0].NodeID != "!deadbeef" || *reports[0].BatteryLevel != 88 {
		t.Fatalf("reports=%+v", reports)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if l.IsAlive() {
		t.Fatal("alive after close")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestTCP_FetchTimeout(t *testing.T) {
	t.Parallel()

	host, port := startFakeGateway(t, nil, false)

	l := NewTCP(host, port, 2*time.Second)
	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := l.FetchRawNodes(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v, want ErrTimeout", err)
	}
}

func TestTCP_OpenRefused(t *testing.T) {
	t.Parallel()

	// Grab a port, then close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	l := NewTCP(host, port, time.Second)
	openErr := l.Open()
	if openErr == nil {
		t.Fatal("expected open to fail")
	}
	if !errors.Is(openErr, ErrRefused) && !errors.Is(openErr, ErrTimeout) {
		t.Fatalf("err=%v, want ErrRefused or ErrTimeout", openErr)
	}
}

func TestTCP_FetchNotOpen(t *testing.T) {
	t.Parallel()

	l := NewTCP("127.0.0.1", 4403, time.Second)
	if _, err := l.FetchRawNodes(context.Background()); !errors.Is(err, ErrRefused) {
		t.Fatalf("err=%v, want ErrRefused", err)
	}
}

func TestTCP_MalformedResponse_IsProtocolError(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		if _, err := r.ReadBytes('\n'); err != nil {
			return
		}
		conn.Write([]byte("not json at all\n"))
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	l := NewTCP(host, port, time.Second)
	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := l.FetchRawNodes(ctx); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err=%v, want ErrProtocol", err)
	}
}
