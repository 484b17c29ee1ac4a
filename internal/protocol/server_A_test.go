package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-fhe/internal/session"
	"github.com/i5heu/ouroboros-fhe/internal/transfer"
	"github.com/i5heu/ouroboros-fhe/internal/transport"
	"github.com/i5heu/ouroboros-fhe/internal/wire"
)

var errNoUploads = errors.New("uploads disabled")

// echoHandler stores uploads in memory and serves the upload named
// "output-<i>" back as output channel i.
type echoHandler struct {
	store      *session.MemoryStore
	transforms sync.Map
	rejectAll  bool
	// inputs, when set, receives the result of every Input call.
	inputs chan error
}

func (h *echoHandler) Input( // A
	ctx context.Context,
	cmd Command,
	body Body,
) (err error) {
	if h.inputs != nil {
		defer func() { h.inputs <- err }()
	}
	if h.rejectAll {
		return errNoUploads
	}
	key, err := session.ParseName(cmd.User, cmd.Name)
	if err != nil {
		return err
	}
	p, err := h.store.Stage(ctx, key)
	if err != nil {
		return err
	}
	if _, err := body.Receive(ctx, p); err != nil {
		return errors.Join(err, p.Abort())
	}
	return p.Commit()
}

func (h *echoHandler) ApplyTransform( // A
	_ context.Context,
	user session.UserID,
	channels int,
) error {
	if channels != 3 {
		return fmt.Errorf("want 3 channels, got %d", channels)
	}
	h.transforms.Store(user, channels)
	return nil
}

func (h *echoHandler) Output( // A
	ctx context.Context,
	user session.UserID,
	channel int,
) (io.ReadCloser, int64, error) {
	return h.store.Open(ctx, session.OutputKey(user, channel))
}

func quietLogger() *slog.Logger { // A
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs a server for h and returns a client connected to it.
func startServer( // A
	t *testing.T,
	n transport.Network,
	h Handler,
	config ServerConfig,
) (*Client, string) {
	t.Helper()
	ln, err := n.Listen("127.0.0.1:0")
	require.NoError(t, err)

	config.Logger = quietLogger()
	srv := NewServer(h, config)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	client := NewClient(ClientConfig{
		Network:   n,
		Addr:      ln.Addr(),
		ChunkSize: 16,
		Timeout:   10 * time.Second,
		Logger:    quietLogger(),
	})
	return client, ln.Addr()
}

func TestUploadDownloadRoundTrip(t *testing.T) { // A
	t.Parallel()
	for _, n := range []transport.Network{transport.TCP{}, transport.QUIC{}} {
		n := n
		t.Run(n.Name(), func(t *testing.T) {
			t.Parallel()
			h := &echoHandler{store: session.NewMemoryStore()}
			client, _ := startServer(t, n, h, ServerConfig{ChunkSize: 16})
			ctx := context.Background()

			data := bytes.Repeat([]byte("0123456789abcdef"), 5)
			data = append(data, "tail"...)
			require.NoError(t, client.Input(ctx, 7, "output-0", bytes.NewReader(data), int64(len(data))))

			stored, err := session.Get(ctx, h.store, session.OutputKey(7, 0))
			require.NoError(t, err)
			require.Equal(t, data, stored)

			require.NoError(t, client.ApplyTransform(ctx, 7, 3))
			_, ok := h.transforms.Load(session.UserID(7))
			require.True(t, ok)

			var got bytes.Buffer
			size, err := client.GetOutput(ctx, 7, 0, &got)
			require.NoError(t, err)
			require.Equal(t, int64(len(data)), size)
			require.Equal(t, data, got.Bytes())
		})
	}
}

func TestEmptyArtifact(t *testing.T) { // A
	t.Parallel()
	h := &echoHandler{store: session.NewMemoryStore()}
	client, _ := startServer(t, transport.TCP{}, h, ServerConfig{})
	ctx := context.Background()

	require.NoError(t, client.Input(ctx, 1, "output-0", bytes.NewReader(nil), 0))
	var got bytes.Buffer
	size, err := client.GetOutput(ctx, 1, 0, &got)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestHandlerErrorsReachClient(t *testing.T) { // A
	t.Parallel()
	h := &echoHandler{store: session.NewMemoryStore()}
	client, _ := startServer(t, transport.TCP{}, h, ServerConfig{})
	ctx := context.Background()

	err := client.ApplyTransform(ctx, 1, 2)
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "want 3 channels")

	_, err = client.GetOutput(ctx, 1, 0, io.Discard)
	require.ErrorIs(t, err, ErrRejected)

	err = client.Input(ctx, 1, "thumbnail", bytes.NewReader([]byte("x")), 1)
	require.ErrorIs(t, err, ErrRejected)
}

func TestRejectedUploadIsNotRead(t *testing.T) { // A
	t.Parallel()
	h := &echoHandler{store: session.NewMemoryStore(), rejectAll: true}
	client, _ := startServer(t, transport.TCP{}, h, ServerConfig{})

	src := &countingReader{r: bytes.NewReader(make([]byte, 100))}
	err := client.Input(context.Background(), 1, "image-0", src, 100)
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), errNoUploads.Error())
	require.Zero(t, src.n)
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) { // A
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func TestUnknownCommandGetsErrorResponse(t *testing.T) { // A
	t.Parallel()
	h := &echoHandler{store: session.NewMemoryStore()}
	_, addr := startServer(t, transport.TCP{}, h, ServerConfig{})
	ctx := context.Background()

	conn, err := transport.TCP{}.Dial(ctx, addr)
	require.NoError(t, err)
	defer conn.Close()

	// Kind 77 with no other fields.
	require.NoError(t, wire.WriteFrame(conn, wire.Frame{Type: wire.FrameCommand, Payload: []byte{0x08, 77}}))
	resp, err := readResponse(conn)
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Contains(t, resp.Message, ErrUnknownCommand.Error())
}

func TestDroppedUploadLeavesNoArtifact(t *testing.T) { // A
	t.Parallel()
	h := &echoHandler{store: session.NewMemoryStore(), inputs: make(chan error, 2)}
	_, addr := startServer(t, transport.TCP{}, h, ServerConfig{ChunkSize: 4})
	ctx := context.Background()

	conn, err := transport.TCP{}.Dial(ctx, addr)
	require.NoError(t, err)

	payload, err := Input(9, "image-0", 12).MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, wire.Frame{Type: wire.FrameCommand, Payload: payload}))
	resp, err := readResponse(conn)
	require.NoError(t, err)
	require.Equal(t, MsgFilenameReceived, resp.Message)

	require.NoError(t, wire.WriteFrame(conn, wire.Frame{Type: wire.FrameData, Payload: []byte("abcd")}))
	ack, err := wire.Expect(conn, wire.FrameAck)
	require.NoError(t, err)
	require.Equal(t, transfer.AckMessage, string(ack.Payload))
	require.NoError(t, conn.Close())

	select {
	case err := <-h.inputs:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after the upload was dropped")
	}
	_, err = session.Get(ctx, h.store, session.ImageKey(9, 0))
	require.ErrorIs(t, err, session.ErrNotFound)

	// A later complete upload still works.
	client := NewClient(ClientConfig{Addr: addr, Logger: quietLogger()})
	require.NoError(t, client.Input(ctx, 9, "image-0", bytes.NewReader([]byte("complete")), 8))
	require.NoError(t, <-h.inputs)
}

func TestConnTimeoutClosesIdleConnections(t *testing.T) { // A
	t.Parallel()
	h := &echoHandler{store: session.NewMemoryStore()}
	_, addr := startServer(t, transport.TCP{}, h, ServerConfig{
		ConnTimeout: 100 * time.Millisecond,
		Linger:      100 * time.Millisecond,
	})

	conn, err := transport.TCP{}.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	// The server gives up on the missing command and hangs up.
	_, err = io.ReadAll(conn)
	require.NoError(t, err)
}

func TestClientContextCancel(t *testing.T) { // A
	t.Parallel()
	h := &echoHandler{store: session.NewMemoryStore()}
	client, _ := startServer(t, transport.TCP{}, h, ServerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := client.ApplyTransform(ctx, 1, 3)
	require.ErrorIs(t, err, context.Canceled)
}
