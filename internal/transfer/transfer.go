// Package transfer moves a byte sequence of known length across a
// connection in fixed-size chunks under stop-and-wait acknowledgment.
//
// The sender transmits one Data frame, then blocks until the receiver
// answers with an Ack frame before sending the next one. The body is closed
// by an End frame; the receiver checks that the number of bytes seen equals
// the declared length and never accepts bytes past it.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/i5heu/ouroboros-fhe/internal/wire"
	"github.com/i5heu/ouroboros-fhe/pkg/logging"
)

// DefaultChunkSize is the chunk size used when none is configured.
const DefaultChunkSize = 4096

// AckMessage is the payload of every acknowledgment frame.
const AckMessage = "Partial data received..."

const (
	logKeyArtifact = "artifact"
	logKeyBytes    = "bytes"
	logKeyDeclared = "declared"
)

var (
	// ErrLengthMismatch is returned when the bytes transferred differ from
	// the declared length.
	ErrLengthMismatch = errors.New("transfer: length mismatch")
	// ErrIncomplete is returned when the connection closes before the End
	// frame arrives.
	ErrIncomplete = errors.New("transfer: connection closed mid-transfer")
)

// Channel runs chunked transfers over a single connection.
type Channel struct {
	rw        io.ReadWriter
	chunkSize int
	log       *slog.Logger
	name      string
}

// New returns a Channel over rw. A chunkSize below 1 selects
// DefaultChunkSize; a nil logger discards progress logs.
func New( // A
	rw io.ReadWriter,
	chunkSize int,
	logger *slog.Logger,
	name string,
) *Channel {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Channel{
		rw:        rw,
		chunkSize: chunkSize,
		log:       logger,
		name:      name,
	}
}

// Send reads exactly declared bytes from src and transmits them. It fails
// with ErrLengthMismatch if src runs dry early.
func (c *Channel) Send( // A
	ctx context.Context,
	src io.Reader,
	declared int64,
) error {
	if declared < 0 {
		return fmt.Errorf("%w: negative length %d", ErrLengthMismatch, declared)
	}
	buf := make([]byte, c.chunkSize)
	var sent int64
	for sent < declared {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := int64(len(buf))
		if remaining := declared - sent; remaining < n {
			n = remaining
		}
		read, err := io.ReadFull(src, buf[:n])
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf(
					"%w: source ended after %d of %d bytes",
					ErrLengthMismatch,
					sent+int64(read),
					declared,
				)
			}
			return fmt.Errorf("read source: %w", err)
		}
		if err := wire.WriteFrame(c.rw, wire.Frame{
			Type:    wire.FrameData,
			Payload: buf[:read],
		}); err != nil {
			return err
		}
		if _, err := wire.Expect(c.rw, wire.FrameAck); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: awaiting ack", ErrIncomplete)
			}
			return fmt.Errorf("await ack: %w", err)
		}
		sent += int64(read)
		c.log.DebugContext(ctx, "chunk acknowledged",
			logKeyArtifact, c.name,
			logKeyBytes, sent,
			logKeyDeclared, declared)
	}
	if err := wire.WriteFrame(c.rw, wire.Frame{Type: wire.FrameEnd}); err != nil {
		return err
	}
	c.log.InfoContext(ctx, "transfer sent",
		logKeyArtifact, c.name,
		logKeyBytes, sent)
	return nil
}

// Receive copies the incoming body into sink, acknowledging every chunk,
// until the End frame. It returns the number of bytes written to sink.
func (c *Channel) Receive( // A
	ctx context.Context,
	declared int64,
	sink io.Writer,
) (int64, error) {
	var received int64
	for {
		if err := ctx.Err(); err != nil {
			return received, err
		}
		f, err := wire.ReadFrame(c.rw)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return received, fmt.Errorf(
					"%w: got %d of %d bytes",
					ErrIncomplete,
					received,
					declared,
				)
			}
			return received, err
		}

		switch f.Type {
		case wire.FrameData:
			if received+int64(len(f.Payload)) > declared {
				return received, fmt.Errorf(
					"%w: chunk would exceed declared %d bytes",
					ErrLengthMismatch,
					declared,
				)
			}
			if _, err := sink.Write(f.Payload); err != nil {
				return received, fmt.Errorf("write sink: %w", err)
			}
			received += int64(len(f.Payload))
			if err := wire.WriteFrame(c.rw, wire.Frame{
				Type:    wire.FrameAck,
				Payload: []byte(AckMessage),
			}); err != nil {
				return received, err
			}
			c.log.DebugContext(ctx, "chunk received",
				logKeyArtifact, c.name,
				logKeyBytes, received,
				logKeyDeclared, declared)
		case wire.FrameEnd:
			if received != declared {
				return received, fmt.Errorf(
					"%w: got %d of %d bytes",
					ErrLengthMismatch,
					received,
					declared,
				)
			}
			c.log.InfoContext(ctx, "transfer received",
				logKeyArtifact, c.name,
				logKeyBytes, received)
			return received, nil
		default:
			return received, fmt.Errorf(
				"%w: %s during transfer",
				wire.ErrUnexpectedFrame,
				f.Type,
			)
		}
	}
}
