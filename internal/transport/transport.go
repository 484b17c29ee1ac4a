// Package transport provides the byte streams commands travel on. Every
// command uses one connection; TCP and QUIC are interchangeable.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("transport: listener closed")

// Conn is one bidirectional command connection.
type Conn interface {
	io.ReadWriteCloser
	// CloseWrite signals end of output while keeping the read side open.
	CloseWrite() error
	SetDeadline(t time.Time) error
	RemoteAddr() string
}

// Listener accepts command connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Network opens listeners and dials peers of one transport kind.
type Network interface {
	Name() string
	Listen(addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Conn, error)
}

// New returns the network called name, "tcp" or "quic".
func New(name string) (Network, error) { // A
	switch name {
	case "tcp":
		return TCP{}, nil
	case "quic":
		return QUIC{}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}
