// Package initiator drives one user's interaction with a responder:
// encrypt the image channels, upload them together with the public
// profile, request the transform, fetch the combined output and decrypt
// it. Every stage keeps its result in a local store so the next stage
// reads it from there, and each stage can be rerun on its own after a
// failure.
package initiator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/i5heu/ouroboros-fhe/internal/codec"
	"github.com/i5heu/ouroboros-fhe/internal/protocol"
	"github.com/i5heu/ouroboros-fhe/internal/session"
	"github.com/i5heu/ouroboros-fhe/pkg/engine"
	"github.com/i5heu/ouroboros-fhe/pkg/imaging"
	"github.com/i5heu/ouroboros-fhe/pkg/logging"
)

const (
	logKeyUserID   = "userId"
	logKeyArtifact = "artifact"
	logKeyBytes    = "bytes"
	logKeyStage    = "stage"
	logKeyDuration = "duration"
)

var (
	// ErrStageOrder is returned when a stage runs before the stage whose
	// artifacts it needs.
	ErrStageOrder = errors.New("initiator: previous stage has not completed")
	// ErrShape is returned when image planes or decrypted rows do not
	// match the session's dimensions.
	ErrShape = errors.New("initiator: shape mismatch")
)

// Session is the state of one user's interaction. The secret context never
// leaves the process.
type Session struct {
	User     session.UserID
	Secret   engine.SecretContext
	Width    int
	Height   int
	Channels int
}

type Config struct {
	Client *protocol.Client
	Engine engine.Engine
	// Store keeps the artifacts of every stage on the initiator's side.
	Store  session.Store
	Logger *slog.Logger
}

type Initiator struct {
	client *protocol.Client
	engine engine.Engine
	store  session.Store
	log    *slog.Logger
}


func New(config Config) (*Initiator, error) {
	if config.Client == nil || config.Engine == nil || config.Store == nil {
		return nil, errors.New("initiator: client, engine and store are required")
	}
	if config.Logger == nil {
		config.Logger = logging.Default()
	}
	return &Initiator{
		client: config.Client,
		engine: config.Engine,
		store:  config.Store,
		log:    config.Logger,
	}, nil
}

// NewSession draws a user id and creates a fresh encryption context.
func (in *Initiator) NewSession() (*Session, error) {
	user, err := session.NewUserID()
	if err != nil {
		return nil, err
	}
	secret, err := in.engine.NewContext()
	if err != nil {
		return nil, fmt.Errorf("create %s context: %w", in.engine.Name(), err)
	}
	return &Session{User: user, Secret: secret}, nil
}

func (in *Initiator) stageDone(ctx context.Context, s *Session, stage string, started time.Time) {
	in.log.InfoContext(ctx, "stage done",
		logKeyStage, stage,
		logKeyUserID, s.User.String(),
		logKeyDuration, time.Since(started))
}

// Encrypt stores the public profile and one ciphertext per image row for
// each of the three color planes.
func (in *Initiator) Encrypt(ctx context.Context, s *Session, planes imaging.Planes) error {
	started := time.Now()
	if len(planes.Channels) != imaging.RGBChannels {
		return fmt.Errorf("%w: %d planes", imaging.ErrNotRGB, len(planes.Channels))
	}
	for c, plane := range planes.Channels {
		if len(plane) != planes.Height {
			return fmt.Errorf("%w: plane %d has %d rows, want %d", ErrShape, c, len(plane), planes.Height)
		}
		for y, row := range plane {
			if len(row) != planes.Width {
				return fmt.Errorf("%w: plane %d row %d has %d values, want %d",
					ErrShape, c, y, len(row), planes.Width)
			}
		}
	}

	profile, err := s.Secret.PublicProfile()
	if err != nil {
		return fmt.Errorf("public profile: %w", err)
	}
	if err := session.Put(ctx, in.store, session.ProfileKey(s.User), profile); err != nil {
		return err
	}

	for c, plane := range planes.Channels {
		key := session.ImageKey(s.User, c)
		pending, err := in.store.Stage(ctx, key)
		if err != nil {
			return err
		}
		if err := encryptPlane(s.Secret, plane, codec.NewWriter(pending)); err != nil {
			return errors.Join(fmt.Errorf("encrypt %s: %w", key.Name(), err), pending.Abort())
		}
		if err := pending.Commit(); err != nil {
			return err
		}
	}

	s.Width, s.Height, s.Channels = planes.Width, planes.Height, len(planes.Channels)
	in.stageDone(ctx, s, "encrypt", started)
	return nil
}

func encryptPlane(secret engine.SecretContext, plane [][]float64, w *codec.Writer) error {
	for y, row := range plane {
		ct, err := secret.EncodeEncrypt(row)
		if err != nil {
			return fmt.Errorf("row %d: %w", y, err)
		}
		raw, err := ct.MarshalBinary()
		if err != nil {
			return fmt.Errorf("row %d: %w", y, err)
		}
		if err := w.WriteSegment(raw); err != nil {
			return err
		}
	}
	return nil
}

// Upload sends the profile and then every channel, one transfer at a time.
func (in *Initiator) Upload(ctx context.Context, s *Session) error {
	started := time.Now()
	if s.Channels == 0 {
		return fmt.Errorf("%w: nothing encrypted", ErrStageOrder)
	}
	keys := []session.Key{session.ProfileKey(s.User)}
	for c := 0; c < s.Channels; c++ {
		keys = append(keys, session.ImageKey(s.User, c))
	}
	for _, key := range keys {
		if err := in.upload(ctx, key); err != nil {
			return err
		}
	}
	in.stageDone(ctx, s, "upload", started)
	return nil
}

func (in *Initiator) upload(ctx context.Context, key session.Key) error {
	rc, size, err := in.store.Open(ctx, key)
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrStageOrder, err)
	}
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := in.client.Input(ctx, key.User, key.Name(), rc, size); err != nil {
		return fmt.Errorf("upload %s: %w", key.Name(), err)
	}
	return nil
}

// ApplyTransform asks the responder to combine the uploaded channels.
func (in *Initiator) ApplyTransform(ctx context.Context, s *Session) error {
	started := time.Now()
	if s.Channels == 0 {
		return fmt.Errorf("%w: nothing encrypted", ErrStageOrder)
	}
	if err := in.client.ApplyTransform(ctx, s.User, s.Channels); err != nil {
		return err
	}
	in.stageDone(ctx, s, "transform", started)
	return nil
}

// FetchOutput downloads the combined channel into the local store. A
// failed download keeps any earlier copy.
func (in *Initiator) FetchOutput(ctx context.Context, s *Session) error {
	started := time.Now()
	key := session.OutputKey(s.User, 0)
	pending, err := in.store.Stage(ctx, key)
	if err != nil {
		return err
	}
	n, err := in.client.GetOutput(ctx, s.User, 0, pending)
	if err != nil {
		return errors.Join(err, pending.Abort())
	}
	if err := pending.Commit(); err != nil {
		return err
	}
	in.log.DebugContext(ctx, "output stored",
		logKeyArtifact, key.String(),
		logKeyBytes, n)
	in.stageDone(ctx, s, "fetch", started)
	return nil
}

// Decrypt returns the output as Height rows of Width values.
func (in *Initiator) Decrypt(ctx context.Context, s *Session) ([][]float64, error) {
	started := time.Now()
	data, err := session.Get(ctx, in.store, session.OutputKey(s.User, 0))
	if errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrStageOrder, err)
	}
	if err != nil {
		return nil, err
	}
	segs, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if len(segs) != s.Height {
		return nil, fmt.Errorf("%w: output has %d rows, want %d", ErrShape, len(segs), s.Height)
	}

	rows := make([][]float64, len(segs))
	for y, seg := range segs {
		ct, err := s.Secret.Deserialize(seg)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", y, err)
		}
		values, err := s.Secret.Decrypt(ct)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", y, err)
		}
		if len(values) < s.Width {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrShape, y, len(values), s.Width)
		}
		rows[y] = values[:s.Width]
	}
	in.stageDone(ctx, s, "decrypt", started)
	return rows, nil
}

// Run executes every stage in order on a fresh session.
func (in *Initiator) Run(ctx context.Context, planes imaging.Planes) (*Session, [][]float64, error) {
	s, err := in.NewSession()
	if err != nil {
		return nil, nil, err
	}
	if err := in.Encrypt(ctx, s, planes); err != nil {
		return s, nil, err
	}
	if err := in.Upload(ctx, s); err != nil {
		return s, nil, err
	}
	if err := in.ApplyTransform(ctx, s); err != nil {
		return s, nil, err
	}
	if err := in.FetchOutput(ctx, s); err != nil {
		return s, nil, err
	}
	rows, err := in.Decrypt(ctx, s)
	return s, rows, err
}
