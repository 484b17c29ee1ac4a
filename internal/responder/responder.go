// Package responder executes the commands of the protocol against the
// artifact store: it stages uploads, computes the weighted combination of
// a user's channels under their public profile and serves the result.
package responder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/i5heu/ouroboros-fhe/internal/codec"
	"github.com/i5heu/ouroboros-fhe/internal/protocol"
	"github.com/i5heu/ouroboros-fhe/internal/session"
	"github.com/i5heu/ouroboros-fhe/pkg/engine"
	"github.com/i5heu/ouroboros-fhe/pkg/logging"
	workerpool "github.com/i5heu/ouroboros-fhe/pkg/workerPool"
)

const (
	logKeyUserID   = "userId"
	logKeyArtifact = "artifact"
	logKeyChannels = "channels"
	logKeyRows     = "rows"
	logKeyDuration = "duration"
)

var (
	// ErrChannelCountMismatch is returned when a transform asks for a
	// channel count other than the number of configured weights.
	ErrChannelCountMismatch = errors.New("responder: channel count does not match weight table")
	// ErrMissingArtifact is returned when the profile or a channel has not
	// been uploaded in full.
	ErrMissingArtifact = errors.New("responder: missing artifact")
	// ErrSegmentCountMismatch is returned when channels differ in rows.
	ErrSegmentCountMismatch = errors.New("responder: channels differ in segment count")
	// ErrReadOnlyArtifact is returned for uploads of responder-produced
	// artifacts.
	ErrReadOnlyArtifact = errors.New("responder: artifact cannot be uploaded")
)

type Config struct {
	Store  session.Store
	Engine engine.Engine
	// Weights maps channel index to its coefficient.
	Weights []float64
	// Pool runs row combinations. If nil, a pool with Workers workers is
	// created and closed by Close.
	Pool    *workerpool.WorkerPool
	Workers int
	Logger  *slog.Logger
}

// Responder implements protocol.Handler.
type Responder struct {
	store    session.Store
	engine   engine.Engine
	weights  []float64
	pool     *workerpool.WorkerPool
	ownsPool bool
	log      *slog.Logger
}

var _ protocol.Handler = (*Responder)(nil)


func New(config Config) (*Responder, error) {
	if config.Store == nil {
		return nil, errors.New("responder: no store")
	}
	if config.Engine == nil {
		return nil, errors.New("responder: no engine")
	}
	if len(config.Weights) == 0 {
		return nil, errors.New("responder: empty weight table")
	}
	if config.Logger == nil {
		config.Logger = logging.Default()
	}
	r := &Responder{
		store:   config.Store,
		engine:  config.Engine,
		weights: append([]float64(nil), config.Weights...),
		pool:    config.Pool,
		log:     config.Logger,
	}
	if r.pool == nil {
		r.pool = workerpool.NewWorkerPool(workerpool.Config{WorkerCount: config.Workers})
		r.ownsPool = true
	}
	return r, nil
}

// Close stops the worker pool if the responder created it.
func (r *Responder) Close() {
	if r.ownsPool {
		r.pool.Close()
	}
}

// Input stages the upload and commits it once the whole body arrived. A
// failed transfer leaves the previously committed version, if any.
func (r *Responder) Input(ctx context.Context, cmd protocol.Command, body protocol.Body) error {
	key, err := session.ParseName(cmd.User, cmd.Name)
	if err != nil {
		return err
	}
	if key.Kind == session.KindOutput {
		return fmt.Errorf("%w: %s", ErrReadOnlyArtifact, key.Name())
	}

	pending, err := r.store.Stage(ctx, key)
	if err != nil {
		return fmt.Errorf("stage %s: %w", key, err)
	}
	if _, err := body.Receive(ctx, pending); err != nil {
		return errors.Join(fmt.Errorf("receive %s: %w", key, err), pending.Abort())
	}
	if key.Kind == session.KindProfile {
		// A new profile starts a new upload round; channels encrypted under
		// the previous one must not be combined with later uploads.
		if err := r.resetRound(ctx, key.User); err != nil {
			return errors.Join(err, pending.Abort())
		}
	}
	if err := pending.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

// resetRound removes the user's image channels and output.
func (r *Responder) resetRound(ctx context.Context, user session.UserID) error {
	keys := []session.Key{session.OutputKey(user, 0)}
	for ch := range r.weights {
		keys = append(keys, session.ImageKey(user, ch))
	}
	for _, key := range keys {
		if err := r.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("reset %s: %w", key, err)
		}
	}
	r.log.DebugContext(ctx, "upload round reset", logKeyUserID, user.String())
	return nil
}

// Output opens a stored output channel.
func (r *Responder) Output(ctx context.Context, user session.UserID, channel int) (io.ReadCloser, int64, error) {
	key := session.OutputKey(user, channel)
	rc, size, err := r.store.Open(ctx, key)
	if errors.Is(err, session.ErrNotFound) {
		return nil, 0, fmt.Errorf("%w: %s", ErrMissingArtifact, key)
	}
	return rc, size, err
}

func (r *Responder) load(ctx context.Context, key session.Key) ([]byte, error) {
	data, err := session.Get(ctx, r.store, key)
	if errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMissingArtifact, key)
	}
	return data, err
}

// ApplyTransform combines the user's channels row by row with the weight
// table and stores the result as output channel 0, replacing an earlier
// result.
func (r *Responder) ApplyTransform(ctx context.Context, user session.UserID, channels int) error {
	started := time.Now()
	if channels != len(r.weights) {
		return fmt.Errorf("%w: got %d channels for %d weights",
			ErrChannelCountMismatch, channels, len(r.weights))
	}

	profile, err := r.load(ctx, session.ProfileKey(user))
	if err != nil {
		return err
	}
	ev, err := r.engine.LoadPublicProfile(profile)
	if err != nil {
		return fmt.Errorf("load public profile: %w", err)
	}

	inputs := make([][][]byte, channels)
	for i := range inputs {
		key := session.ImageKey(user, i)
		data, err := r.load(ctx, key)
		if err != nil {
			return err
		}
		inputs[i], err = codec.Decode(data)
		if err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if len(inputs[i]) != len(inputs[0]) {
			return fmt.Errorf("%w: %s has %d rows, %s has %d",
				ErrSegmentCountMismatch,
				session.ImageKey(user, 0).Name(), len(inputs[0]),
				key.Name(), len(inputs[i]))
		}
	}

	rows, err := r.combine(ctx, ev, inputs)
	if err != nil {
		return err
	}

	out := session.OutputKey(user, 0)
	pending, err := r.store.Stage(ctx, out)
	if err != nil {
		return fmt.Errorf("stage %s: %w", out, err)
	}
	w := codec.NewWriter(pending)
	for _, row := range rows {
		if err := w.WriteSegment(row); err != nil {
			return errors.Join(fmt.Errorf("write %s: %w", out, err), pending.Abort())
		}
	}
	if err := pending.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", out, err)
	}

	r.log.InfoContext(ctx, "transform applied",
		logKeyUserID, user.String(),
		logKeyArtifact, out.Name(),
		logKeyChannels, channels,
		logKeyRows, len(rows),
		logKeyDuration, time.Since(started))
	return nil
}

// combine computes sum_i weights[i]*inputs[i][row] for every row on the
// worker pool and returns the serialized rows in order.
func (r *Responder) combine(ctx context.Context, ev engine.Evaluator, inputs [][][]byte) ([][]byte, error) {
	height := len(inputs[0])
	room := workerpool.CreateRoom[[]byte](r.pool, height)
	for row := 0; row < height; row++ {
		row := row
		err := room.NewTask(ctx, row, func() ([]byte, error) {
			return r.combineRow(ev, inputs, row)
		})
		if err != nil {
			// Let the queued rows finish before returning.
			_, _ = room.Collect()
			return nil, err
		}
	}
	return room.Collect()
}

func (r *Responder) combineRow(ev engine.Evaluator, inputs [][][]byte, row int) ([]byte, error) {
	weighted := make([]engine.Ciphertext, len(inputs))
	for ch := range inputs {
		ct, err := ev.Deserialize(inputs[ch][row])
		if err != nil {
			return nil, fmt.Errorf("row %d channel %d: %w", row, ch, err)
		}
		weighted[ch], err = ev.ScalarMultiply(ct, r.weights[ch])
		if err != nil {
			return nil, fmt.Errorf("row %d channel %d: scale: %w", row, ch, err)
		}
	}
	sum, err := engine.Sum(ev, weighted)
	if err != nil {
		return nil, fmt.Errorf("row %d: %w", row, err)
	}
	return sum.MarshalBinary()
}
