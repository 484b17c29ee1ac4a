// Package ouroborosfhe wires the responder service together: artifact
// store, homomorphic engine, command handler and listener. The initiator
// side is assembled by NewInitiator.
package ouroborosfhe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-fhe/internal/config"
	"github.com/i5heu/ouroboros-fhe/internal/initiator"
	"github.com/i5heu/ouroboros-fhe/internal/protocol"
	"github.com/i5heu/ouroboros-fhe/internal/responder"
	"github.com/i5heu/ouroboros-fhe/internal/session"
	"github.com/i5heu/ouroboros-fhe/internal/transport"
	"github.com/i5heu/ouroboros-fhe/pkg/engine"
	_ "github.com/i5heu/ouroboros-fhe/pkg/engine/ckks"
	_ "github.com/i5heu/ouroboros-fhe/pkg/engine/plain"
	"github.com/i5heu/ouroboros-fhe/pkg/logging"
	workerpool "github.com/i5heu/ouroboros-fhe/pkg/workerPool"
)

var (
	ErrNotStarted = errors.New("ouroboros: responder not started")
	ErrClosed     = errors.New("ouroboros: responder closed")
)

// Responder is the long-lived server process.
type Responder struct {
	log    *slog.Logger
	config config.Config

	store    session.Store
	pool     *workerpool.WorkerPool
	handler  *responder.Responder
	listener transport.Listener

	cancel    context.CancelFunc
	serveDone chan error

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}


// New validates cfg and returns a responder. New does no I/O; call Start.
func New( // A
	cfg config.Config,
	logger *slog.Logger,
) (*Responder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Responder{
		log:       logger,
		config:    cfg,
		serveDone: make(chan error, 1),
	}, nil
}

// newBadgerLogger routes badger's internal logs through logrus, keeping
// them quiet unless debugging.
func newBadgerLogger(level string) *logrus.Logger { // A
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(level); err == nil && lvl >= logrus.DebugLevel {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.WarnLevel)
	}
	return l
}

// OpenStore opens the artifact store of one role under cfg.DataDir/name,
// or in memory when cfg.InMemory is set.
func OpenStore( // A
	cfg config.Config,
	name string,
	logger *slog.Logger,
) (session.Store, error) {
	if logger == nil {
		logger = logging.Default()
	}
	bc := session.BadgerConfig{
		InMemory:      cfg.InMemory,
		MinimumFreeMB: cfg.MinimumFreeMB,
		Logger:        logger,
		BadgerLogger:  newBadgerLogger(cfg.LogLevel),
	}
	if !cfg.InMemory {
		bc.Path = filepath.Join(cfg.DataDir, name)
	}
	store, err := session.NewBadgerStore(bc)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", name, err)
	}
	return store, nil
}

// Start opens the store, loads the engine and begins accepting commands.
// Only the first call has an effect.
func (r *Responder) Start(ctx context.Context) error { // A
	if r.closed.Load() {
		return ErrClosed
	}
	var startErr error
	r.startOnce.Do(func() {
		startErr = r.start(ctx)
	})
	return startErr
}

func (r *Responder) start(ctx context.Context) error { // A
	eng, err := engine.New(r.config.Engine)
	if err != nil {
		return err
	}
	network, err := transport.New(r.config.Transport)
	if err != nil {
		return err
	}

	store, err := OpenStore(r.config, "responder", r.log)
	if err != nil {
		return err
	}
	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: r.config.Workers})
	handler, err := responder.New(responder.Config{
		Store:   store,
		Engine:  eng,
		Weights: r.config.Weights,
		Pool:    pool,
		Logger:  r.log,
	})
	if err != nil {
		pool.Close()
		return errors.Join(err, store.Close())
	}

	ln, err := network.Listen(r.config.Listen)
	if err != nil {
		pool.Close()
		return errors.Join(err, store.Close())
	}

	r.store, r.pool, r.handler, r.listener = store, pool, handler, ln
	srv := protocol.NewServer(handler, protocol.ServerConfig{
		ChunkSize:   r.config.ChunkSize,
		ConnTimeout: r.config.ConnTimeout,
		Logger:      r.log,
	})
	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	go func() { r.serveDone <- srv.Serve(serveCtx, ln) }()

	r.started.Store(true)
	r.log.InfoContext(ctx, "responder started",
		"addr", ln.Addr(),
		"transport", network.Name(),
		"engine", eng.Name(),
		"workers", pool.Workers())
	return nil
}

// Addr is the bound listen address.
func (r *Responder) Addr() (string, error) { // A
	if !r.started.Load() {
		return "", ErrNotStarted
	}
	return r.listener.Addr(), nil
}

// Store exposes the artifact store, mainly for housekeeping and tests.
func (r *Responder) Store() (session.Store, error) { // A
	if !r.started.Load() {
		return nil, ErrNotStarted
	}
	return r.store, nil
}

// Run starts the responder, blocks until ctx is cancelled and then shuts
// down with a bounded grace period.
func (r *Responder) Run(ctx context.Context) error { // A
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Close(shutdownCtx)
}

// Close stops accepting commands, waits for in-flight ones until ctx ends
// and releases the store. It is idempotent.
func (r *Responder) Close(ctx context.Context) error { // A
	var closeErr error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if !r.started.Load() {
			return
		}
		r.cancel()
		select {
		case err := <-r.serveDone:
			if err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("serve: %w", err))
			}
		case <-ctx.Done():
			closeErr = errors.Join(closeErr, fmt.Errorf("waiting for connections: %w", ctx.Err()))
		}
		r.pool.Close()
		if err := r.store.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close store: %w", err))
		}
		r.log.Info("responder stopped")
	})
	return closeErr
}

// NewInitiator assembles an initiator for cfg. The caller closes the
// returned local store.
func NewInitiator( // A
	cfg config.Config,
	logger *slog.Logger,
) (*initiator.Initiator, session.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	eng, err := engine.New(cfg.Engine)
	if err != nil {
		return nil, nil, err
	}
	network, err := transport.New(cfg.Transport)
	if err != nil {
		return nil, nil, err
	}
	store, err := OpenStore(cfg, "initiator", logger)
	if err != nil {
		return nil, nil, err
	}
	client := protocol.NewClient(protocol.ClientConfig{
		Network:   network,
		Addr:      cfg.Server,
		ChunkSize: cfg.ChunkSize,
		Timeout:   cfg.ConnTimeout,
		Logger:    logger,
	})
	in, err := initiator.New(initiator.Config{
		Client: client,
		Engine: eng,
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return nil, nil, errors.Join(err, store.Close())
	}
	return in, store, nil
}
