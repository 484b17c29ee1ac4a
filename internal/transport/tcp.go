package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TCP carries commands over plain TCP connections.
type TCP struct{}

func (TCP) Name() string { return "tcp" }

func (TCP) Listen(addr string) (Listener, error) { // A
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &tcpListener{inner: ln}, nil
}

func (TCP) Dial(ctx context.Context, addr string) (Conn, error) { // A
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &tcpConn{TCPConn: c.(*net.TCPConn)}, nil
}

type tcpListener struct {
	inner net.Listener
}

// Accept does not watch ctx while blocked; callers unblock it with Close.
func (l *tcpListener) Accept(ctx context.Context) (Conn, error) { // A
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := l.inner.Accept()
	if errors.Is(err, net.ErrClosed) {
		return nil, ErrListenerClosed
	}
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	return &tcpConn{TCPConn: c.(*net.TCPConn)}, nil
}

func (l *tcpListener) Addr() string { return l.inner.Addr().String() }

func (l *tcpListener) Close() error { return l.inner.Close() }

type tcpConn struct {
	*net.TCPConn
}

func (c *tcpConn) RemoteAddr() string { return c.TCPConn.RemoteAddr().String() }
