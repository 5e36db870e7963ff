package ingest

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// Source opens a connection to the position feed
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	String() string
}

// TCPSource dials a readsb-style JSON position port
type TCPSource struct {
	Addr        string
	DialTimeout time.Duration
}

// NewTCPSource creates a source for host:port
func NewTCPSource(host string, port int, dialTimeout time.Duration) *TCPSource {
	return &TCPSource{
		Addr:        net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		DialTimeout: dialTimeout,
	}
}

// Open dials the feed
func (s *TCPSource) Open(ctx context.Context) (io.ReadCloser, error) {
	d := net.Dialer{Timeout: s.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", s.Addr, err)
	}
	return conn, nil
}

func (s *TCPSource) String() string {
	return "tcp://" + s.Addr
}

// SourceFunc adapts a function into a Source
type SourceFunc func(ctx context.Context) (io.ReadCloser, error)

// Open calls f
func (f SourceFunc) Open(ctx context.Context) (io.ReadCloser, error) {
	return f(ctx)
}

func (f SourceFunc) String() string {
	return "func"
}
