package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func deferCloseNoError(t *testing.T, closeFn func() error) { // A
	t.Helper()
	if err := closeFn(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func networks() []Network { // A
	return []Network{TCP{}, QUIC{}}
}

func TestNew(t *testing.T) { // A
	t.Parallel()
	for _, name := range []string{"tcp", "quic"} {
		n, err := New(name)
		require.NoError(t, err)
		require.Equal(t, name, n.Name())
	}
	_, err := New("carrier-pigeon")
	require.Error(t, err)
}

func TestRoundTripWithHalfClose(t *testing.T) { // A
	t.Parallel()
	for _, n := range networks() {
		n := n
		t.Run(n.Name(), func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			ln, err := n.Listen("127.0.0.1:0")
			require.NoError(t, err)
			defer deferCloseNoError(t, ln.Close)

			serverErr := make(chan error, 1)
			go func() {
				conn, err := ln.Accept(ctx)
				if err != nil {
					serverErr <- err
					return
				}
				defer conn.Close()
				buf := make([]byte, 5)
				if _, err := io.ReadFull(conn, buf); err != nil {
					serverErr <- err
					return
				}
				if _, err := conn.Write(append(buf, '!')); err != nil {
					serverErr <- err
					return
				}
				if err := conn.CloseWrite(); err != nil {
					serverErr <- err
					return
				}
				// Linger until the client is done.
				_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
				_, _ = io.Copy(io.Discard, conn)
				serverErr <- nil
			}()

			conn, err := n.Dial(ctx, ln.Addr())
			require.NoError(t, err)
			require.NotEmpty(t, conn.RemoteAddr())
			_, err = conn.Write([]byte("hello"))
			require.NoError(t, err)

			reply, err := io.ReadAll(conn)
			require.NoError(t, err)
			require.Equal(t, "hello!", string(reply))
			require.NoError(t, conn.Close())
			require.NoError(t, <-serverErr)
		})
	}
}

func TestAcceptAfterClose(t *testing.T) { // A
	t.Parallel()
	for _, n := range networks() {
		n := n
		t.Run(n.Name(), func(t *testing.T) {
			t.Parallel()
			ln, err := n.Listen("127.0.0.1:0")
			require.NoError(t, err)

			done := make(chan error, 1)
			go func() {
				_, err := ln.Accept(context.Background())
				done <- err
			}()
			time.Sleep(20 * time.Millisecond)
			_ = ln.Close()

			select {
			case err := <-done:
				require.True(t, errors.Is(err, ErrListenerClosed), "got %v", err)
			case <-time.After(5 * time.Second):
				t.Fatal("accept did not return after close")
			}
		})
	}
}

func TestDialRefused(t *testing.T) { // A
	t.Parallel()
	ln, err := TCP{}.Listen("127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr()
	require.NoError(t, ln.Close())

	_, err = TCP{}.Dial(context.Background(), addr)
	require.Error(t, err)
}

func TestQUICCloseCancelsRead(t *testing.T) { // A
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := QUIC{}.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer deferCloseNoError(t, ln.Close)

	accepted := make(chan Conn, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
		close(accepted)
	}()

	conn, err := QUIC{}.Dial(ctx, ln.Addr())
	require.NoError(t, err)
	// The server only sees the stream once data arrives.
	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok, "accept failed")
	defer server.Close()

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	// The peer sees the stream end well before its own deadline.
	_ = server.SetDeadline(time.Now().Add(5 * time.Second))
	started := time.Now()
	_, _ = io.ReadAll(server)
	require.Less(t, time.Since(started), 4*time.Second)
}
