package protocol

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/i5heu/ouroboros-fhe/internal/session"
	"github.com/i5heu/ouroboros-fhe/internal/transfer"
	"github.com/i5heu/ouroboros-fhe/internal/transport"
	"github.com/i5heu/ouroboros-fhe/internal/wire"
	"github.com/i5heu/ouroboros-fhe/pkg/logging"
)

type ClientConfig struct {
	Network transport.Network
	// Addr is the responder address.
	Addr      string
	ChunkSize int
	// Timeout bounds each command connection. Zero means none.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client issues commands to a responder, one connection per command.
type Client struct {
	config ClientConfig
	log    *slog.Logger
}

func NewClient(config ClientConfig) *Client { // A
	if config.Network == nil {
		config.Network = transport.TCP{}
	}
	if config.Logger == nil {
		config.Logger = logging.Default()
	}
	if config.ChunkSize < 1 {
		config.ChunkSize = transfer.DefaultChunkSize
	}
	return &Client{config: config, log: config.Logger}
}

// exchange dials, sends cmd and hands the connection to fn. The
// connection is closed when ctx ends or fn returns.
func (c *Client) exchange( // A
	ctx context.Context,
	cmd Command,
	fn func(conn transport.Conn) error,
) error {
	payload, err := cmd.MarshalBinary()
	if err != nil {
		return err
	}
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", cmd.Kind, err)
	}
	conn, err := c.config.Network.Dial(ctx, c.config.Addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", cmd.Kind, ctxErr)
		}
		return err
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := wire.WriteFrame(conn, wire.Frame{Type: wire.FrameCommand, Payload: payload}); err != nil {
		return err
	}
	if err := fn(conn); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", cmd.Kind, ctxErr)
		}
		return fmt.Errorf("%s: %w", cmd.Kind, err)
	}
	return nil
}

// Input uploads length bytes from src as the artifact name of user.
func (c *Client) Input( // A
	ctx context.Context,
	user session.UserID,
	name string,
	src io.Reader,
	length int64,
) error {
	cmd := Input(user, name, length)
	return c.exchange(ctx, cmd, func(conn transport.Conn) error {
		resp, err := readResponse(conn)
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		ch := transfer.New(conn, c.config.ChunkSize, c.log, name)
		if err := ch.Send(ctx, src, length); err != nil {
			return err
		}
		resp, err = readResponse(conn)
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		c.log.InfoContext(ctx, "artifact uploaded",
			logKeyUserID, user.String(),
			logKeyArtifact, name,
			logKeyBytes, length)
		return nil
	})
}

// ApplyTransform asks the responder to combine the uploaded channels.
func (c *Client) ApplyTransform( // A
	ctx context.Context,
	user session.UserID,
	channels int,
) error {
	return c.exchange(ctx, ApplyTransform(user, channels), func(conn transport.Conn) error {
		resp, err := readResponse(conn)
		if err != nil {
			return err
		}
		return resp.Err()
	})
}

// GetOutput downloads output channel of user into sink and returns its
// size.
func (c *Client) GetOutput( // A
	ctx context.Context,
	user session.UserID,
	channel int,
	sink io.Writer,
) (int64, error) {
	var n int64
	err := c.exchange(ctx, GetOutput(user, channel), func(conn transport.Conn) error {
		resp, err := readResponse(conn)
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		name := session.OutputKey(user, channel).Name()
		n, err = transfer.New(conn, c.config.ChunkSize, c.log, name).Receive(ctx, resp.Length, sink)
		return err
	})
	return n, err
}
