package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-fhe/internal/session"
	"github.com/i5heu/ouroboros-fhe/internal/transfer"
	"github.com/i5heu/ouroboros-fhe/internal/transport"
	"github.com/i5heu/ouroboros-fhe/internal/wire"
	"github.com/i5heu/ouroboros-fhe/pkg/logging"
)

const (
	logKeyCommand  = "command"
	logKeyRemote   = "remote"
	logKeyUserID   = "userId"
	logKeyArtifact = "artifact"
	logKeyBytes    = "bytes"
	logKeyDuration = "duration"
	logKeyError    = "error"

	// DefaultLinger bounds how long a finished connection waits for the
	// peer to hang up.
	DefaultLinger = 5 * time.Second
)

// Body is the payload of an INPUT command.
type Body interface {
	// Length is the declared size of the upload.
	Length() int64
	// Receive acknowledges the command and copies the upload into sink.
	// A handler that fails before calling Receive rejects the upload
	// without reading it.
	Receive(ctx context.Context, sink io.Writer) (int64, error)
}

// Handler executes commands. The server holds the lock of the command's
// user while a handler method runs and while an output body is streamed.
type Handler interface {
	Input(ctx context.Context, cmd Command, body Body) error
	ApplyTransform(ctx context.Context, user session.UserID, channels int) error
	// Output opens an output artifact. The server closes the reader.
	Output(ctx context.Context, user session.UserID, channel int) (io.ReadCloser, int64, error)
}

type ServerConfig struct {
	ChunkSize int
	// ConnTimeout is the deadline for a whole command connection. Zero
	// disables it.
	ConnTimeout time.Duration
	// Linger defaults to DefaultLinger.
	Linger time.Duration
	Logger *slog.Logger
}

// Server runs the accept loop. Every connection is served on its own
// goroutine; commands of the same user are serialised through per-user
// locks.
type Server struct {
	handler Handler
	config  ServerConfig
	log     *slog.Logger
	locks   *session.Locks
	conns   sync.WaitGroup
}


// NewServer returns a server dispatching to h.
func NewServer(h Handler, config ServerConfig) *Server { // A
	if config.Logger == nil {
		config.Logger = logging.Default()
	}
	if config.ChunkSize < 1 {
		config.ChunkSize = transfer.DefaultChunkSize
	}
	if config.Linger <= 0 {
		config.Linger = DefaultLinger
	}
	return &Server{
		handler: h,
		config:  config,
		log:     config.Logger,
		locks:   session.NewLocks(),
	}
}

// Serve accepts connections from ln until ctx is cancelled or ln is
// closed, then waits for in-flight connections to finish. It closes ln
// on return.
func (s *Server) Serve( // A
	ctx context.Context,
	ln transport.Listener,
) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer func() { _ = ln.Close() }()

	s.log.InfoContext(ctx, "responder listening", "addr", ln.Addr())
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) || ctx.Err() != nil {
				s.conns.Wait()
				return nil
			}
			s.log.WarnContext(ctx, "accept failed", logKeyError, err)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn( // A
	ctx context.Context,
	conn transport.Conn,
) {
	defer func() { _ = conn.Close() }()
	if s.config.ConnTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.config.ConnTimeout))
	}

	started := time.Now()
	f, err := wire.Expect(conn, wire.FrameCommand)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.WarnContext(ctx, "no command received",
				logKeyRemote, conn.RemoteAddr(),
				logKeyError, err)
			s.finish(ctx, conn, Failure(err))
		}
		return
	}
	cmd, err := UnmarshalCommand(f.Payload)
	if err != nil {
		s.log.WarnContext(ctx, "rejected command",
			logKeyRemote, conn.RemoteAddr(),
			logKeyError, err)
		s.finish(ctx, conn, Failure(err))
		return
	}

	log := s.log.With(logKeyCommand, cmd.Kind.String(), logKeyUserID, cmd.User.String())
	unlock := s.locks.Lock(cmd.User)
	defer unlock()

	var resp Response
	switch cmd.Kind {
	case KindInput:
		resp, err = s.serveInput(ctx, conn, cmd, log)
	case KindApplyTransform:
		err = s.handler.ApplyTransform(ctx, cmd.User, cmd.Channels)
		resp = Okay(MsgTransformApplied)
	case KindGetOutput:
		resp, err = s.serveOutput(ctx, conn, cmd, log)
	}
	if err != nil {
		log.WarnContext(ctx, "command failed",
			logKeyDuration, time.Since(started),
			logKeyError, err)
		var be *bodyError
		if errors.As(err, &be) {
			resp = Response{}
		} else {
			resp = Failure(err)
		}
	} else {
		log.InfoContext(ctx, "command done",
			logKeyDuration, time.Since(started))
	}
	s.finish(ctx, conn, resp)
}

// finish writes the closing response, if any, and lingers until the peer
// hangs up so the last frame is not lost to an early reset.
func (s *Server) finish( // A
	ctx context.Context,
	conn transport.Conn,
	resp Response,
) {
	if resp != (Response{}) {
		if err := writeResponse(conn, resp); err != nil {
			s.log.DebugContext(ctx, "final response not delivered",
				logKeyRemote, conn.RemoteAddr(),
				logKeyError, err)
			return
		}
	}
	_ = conn.CloseWrite()
	_ = conn.SetDeadline(time.Now().Add(s.config.Linger))
	_, _ = io.Copy(io.Discard, conn)
}

type inputBody struct {
	conn     transport.Conn
	channel  *transfer.Channel
	declared int64
	started  bool
}

func (b *inputBody) Length() int64 { return b.declared }

func (b *inputBody) Receive( // A
	ctx context.Context,
	sink io.Writer,
) (int64, error) {
	if b.started {
		return 0, errors.New("upload body already consumed")
	}
	b.started = true
	if err := writeResponse(b.conn, Okay(MsgFilenameReceived)); err != nil {
		return 0, err
	}
	return b.channel.Receive(ctx, b.declared, sink)
}

func (s *Server) serveInput( // A
	ctx context.Context,
	conn transport.Conn,
	cmd Command,
	log *slog.Logger,
) (Response, error) {
	body := &inputBody{
		conn:     conn,
		channel:  transfer.New(conn, s.config.ChunkSize, log, cmd.Name),
		declared: cmd.Length,
	}
	if err := s.handler.Input(ctx, cmd, body); err != nil {
		return Response{}, err
	}
	if !body.started {
		return Response{}, fmt.Errorf("handler ignored upload of %s", cmd.Name)
	}
	log.InfoContext(ctx, "artifact stored",
		logKeyArtifact, cmd.Name,
		logKeyBytes, cmd.Length)
	return Okay(MsgArtifactStored), nil
}

func (s *Server) serveOutput( // A
	ctx context.Context,
	conn transport.Conn,
	cmd Command,
	log *slog.Logger,
) (Response, error) {
	rc, size, err := s.handler.Output(ctx, cmd.User, cmd.Channel)
	if err != nil {
		return Response{}, err
	}
	defer rc.Close()

	if err := writeResponse(conn, Response{OK: true, Message: MsgOutputFollows, Length: size}); err != nil {
		return Response{}, err
	}
	name := session.OutputKey(cmd.User, cmd.Channel).Name()
	if err := transfer.New(conn, s.config.ChunkSize, log, name).Send(ctx, rc, size); err != nil {
		return Response{}, &bodyError{err: err}
	}
	// The End frame closes the exchange.
	return Response{}, nil
}

// bodyError marks a failure after a body was announced. No error frame
// follows it since the peer is reading body frames.
type bodyError struct {
	err error
}

func (e *bodyError) Error() string { return "body transfer: " + e.err.Error() }

func (e *bodyError) Unwrap() error { return e.err }

func writeResponse(w io.Writer, r Response) error { // A
	payload, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	return wire.WriteFrame(w, wire.Frame{Type: wire.FrameResponse, Payload: payload})
}

func readResponse(r io.Reader) (Response, error) { // A
	f, err := wire.Expect(r, wire.FrameResponse)
	if err != nil {
		return Response{}, err
	}
	return UnmarshalResponse(f.Payload)
}
