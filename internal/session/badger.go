package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-fhe/pkg/logging"
)

const (
	// defaultBlockSize is how many bytes of an artifact go into one stored
	// chunk.
	defaultBlockSize = 1024 * 1024
	manifestSize     = 20

	logKeyArtifact = "artifact"
	logKeyBytes    = "bytes"
	logKeyChunks   = "chunks"
	logKeyUserID   = "userId"
	logKeyPath     = "path"
	logKeyFreeMB   = "freeMB"
)

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the data directory. It is created if missing and ignored when
	// InMemory is set.
	Path     string
	InMemory bool
	// MinimumFreeMB rejects new uploads once free space on Path drops
	// below this many megabytes. Zero disables the check.
	MinimumFreeMB uint64
	// BlockSize overrides the stored chunk size.
	BlockSize int
	// Logger is the structured logger. If nil, a stderr logger is used.
	Logger *slog.Logger
	// BadgerLogger receives badger's internal logs. If nil, a logrus logger
	// at warning level is used.
	BadgerLogger *logrus.Logger
}

// BadgerStore persists artifacts in badger. An artifact is stored as a
// manifest entry pointing at a generation of zstd-compressed chunks; Commit
// swaps the manifest in one transaction and then drops the chunks of the
// generation it replaced.
type BadgerStore struct {
	config BadgerConfig
	log    *slog.Logger
	db     *badger.DB
	enc    *zstd.Encoder
	dec    *zstd.Decoder

	generation atomic.Uint64
	closeOnce  sync.Once
}


// NewBadgerStore opens (or creates) a store.
func NewBadgerStore(config BadgerConfig) (*BadgerStore, error) {
	if config.Logger == nil {
		config.Logger = logging.Default()
	}
	if config.BadgerLogger == nil {
		config.BadgerLogger = logrus.New()
		config.BadgerLogger.SetLevel(logrus.WarnLevel)
	}
	if config.BlockSize < 1 {
		config.BlockSize = defaultBlockSize
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Path == "" {
			return nil, errors.New("no path provided for artifact store")
		}
		if err := os.MkdirAll(config.Path, 0o750); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", config.Path, err)
		}
		opts = badger.DefaultOptions(config.Path)
		opts.ValueLogFileSize = 1024 * 1024 * 100
	}
	opts = opts.WithLogger(config.BadgerLogger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	s := &BadgerStore{
		config: config,
		log:    config.Logger,
		db:     db,
		enc:    enc,
		dec:    dec,
	}
	// #nosec G115 -- only used as a starting point for unique generations.
	s.generation.Store(uint64(time.Now().UnixNano()))
	return s, nil
}

type manifest struct {
	generation uint64
	size       int64
	chunks     uint32
}

func (m manifest) marshal() []byte {
	b := make([]byte, manifestSize)
	binary.BigEndian.PutUint64(b[0:8], m.generation)
	// #nosec G115 -- sizes are never negative.
	binary.BigEndian.PutUint64(b[8:16], uint64(m.size))
	binary.BigEndian.PutUint32(b[16:20], m.chunks)
	return b
}

func unmarshalManifest(b []byte) (manifest, error) {
	if len(b) != manifestSize {
		return manifest{}, fmt.Errorf("manifest of %d bytes", len(b))
	}
	return manifest{
		generation: binary.BigEndian.Uint64(b[0:8]),
		// #nosec G115 -- written from a non-negative int64.
		size:   int64(binary.BigEndian.Uint64(b[8:16])),
		chunks: binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

func userPrefix(user UserID) []byte {
	return fmt.Appendf(nil, "art/%016x/", uint64(user))
}

func artifactPrefix(key Key) []byte {
	return fmt.Appendf(userPrefix(key.User), "%d/%d/", key.Kind, key.Channel)
}

func manifestKey(key Key) []byte {
	return append(artifactPrefix(key), 'm')
}

func generationPrefix(key Key, gen uint64) []byte {
	return fmt.Appendf(artifactPrefix(key), "g/%016x/", gen)
}

func chunkKey(key Key, gen uint64, idx uint32) []byte {
	return fmt.Appendf(generationPrefix(key, gen), "%08x", idx)
}

func (s *BadgerStore) checkFreeSpace() error {
	if s.config.InMemory || s.config.MinimumFreeMB == 0 {
		return nil
	}
	usage, err := disk.Usage(s.config.Path)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", s.config.Path, err)
	}
	freeMB := usage.Free / (1024 * 1024)
	if freeMB < s.config.MinimumFreeMB {
		s.log.Warn("artifact store below free space threshold",
			logKeyPath, s.config.Path,
			logKeyFreeMB, freeMB)
		return fmt.Errorf("%w: %d MB free", ErrInsufficientSpace, freeMB)
	}
	return nil
}

func (s *BadgerStore) readManifest(txn *badger.Txn, key Key) (manifest, error) {
	item, err := txn.Get(manifestKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return manifest{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return manifest{}, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return manifest{}, err
	}
	return unmarshalManifest(raw)
}

// deletePrefix removes every key starting with prefix.
func (s *BadgerStore) deletePrefix(prefix []byte) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Stage implements Store.
func (s *BadgerStore) Stage(ctx context.Context, key Key) (Pending, error) {
	if s.db.IsClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.checkFreeSpace(); err != nil {
		return nil, err
	}
	return &badgerPending{
		store: s,
		key:   key,
		gen:   s.generation.Add(1),
		block: make([]byte, 0, s.config.BlockSize),
	}, nil
}

// Open implements Store.
func (s *BadgerStore) Open(ctx context.Context, key Key) (io.ReadCloser, int64, error) {
	if s.db.IsClosed() {
		return nil, 0, ErrClosed
	}
	var m manifest
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = s.readManifest(txn, key)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return &badgerReader{ctx: ctx, store: s, key: key, m: m}, m.size, nil
}

// Size implements Store.
func (s *BadgerStore) Size(_ context.Context, key Key) (int64, error) {
	var m manifest
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = s.readManifest(txn, key)
		return err
	})
	return m.size, err
}

// Delete implements Store. Only the committed generation goes; a version
// staged concurrently under the same key is left alone.
func (s *BadgerStore) Delete(_ context.Context, key Key) error {
	if s.db.IsClosed() {
		return ErrClosed
	}
	var m manifest
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		m, err = s.readManifest(txn, key)
		if err != nil {
			return err
		}
		return txn.Delete(manifestKey(key))
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if err := s.deletePrefix(generationPrefix(key, m.generation)); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", key, err)
	}
	s.log.Debug("deleted artifact", logKeyArtifact, key.String())
	return nil
}

// DeleteUser implements Store.
func (s *BadgerStore) DeleteUser(_ context.Context, user UserID) error {
	if err := s.deletePrefix(userPrefix(user)); err != nil {
		return fmt.Errorf("delete artifacts of %s: %w", user, err)
	}
	s.log.Info("deleted user artifacts", logKeyUserID, user.String())
	return nil
}

// Close implements Store. It is idempotent.
func (s *BadgerStore) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.dec.Close()
		if err := s.enc.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close zstd: %w", err))
		}
		if err := s.db.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close badger: %w", err))
		}
	})
	return closeErr
}

type badgerPending struct {
	store  *BadgerStore
	key    Key
	gen    uint64
	block  []byte
	chunks uint32
	size   int64
	done   bool
}

func (p *badgerPending) flush() error {
	if len(p.block) == 0 {
		return nil
	}
	compressed := p.store.enc.EncodeAll(p.block, nil)
	k := chunkKey(p.key, p.gen, p.chunks)
	if err := p.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, compressed)
	}); err != nil {
		return fmt.Errorf("write chunk %d of %s: %w", p.chunks, p.key, err)
	}
	p.chunks++
	p.block = p.block[:0]
	return nil
}

func (p *badgerPending) Write(b []byte) (int, error) {
	if p.done {
		return 0, fmt.Errorf("write to finished artifact %s", p.key)
	}
	written := 0
	for len(b) > 0 {
		room := cap(p.block) - len(p.block)
		n := min(room, len(b))
		p.block = append(p.block, b[:n]...)
		b = b[n:]
		written += n
		p.size += int64(n)
		if len(p.block) == cap(p.block) {
			if err := p.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (p *badgerPending) Commit() error {
	if p.done {
		return fmt.Errorf("artifact %s already finished", p.key)
	}
	p.done = true
	if err := p.flush(); err != nil {
		return errors.Join(err, p.store.deletePrefix(generationPrefix(p.key, p.gen)))
	}

	var previous *manifest
	err := p.store.db.Update(func(txn *badger.Txn) error {
		old, err := p.store.readManifest(txn, p.key)
		switch {
		case err == nil:
			previous = &old
		case !errors.Is(err, ErrNotFound):
			return err
		}
		m := manifest{generation: p.gen, size: p.size, chunks: p.chunks}
		return txn.Set(manifestKey(p.key), m.marshal())
	})
	if err != nil {
		return errors.Join(
			fmt.Errorf("commit %s: %w", p.key, err),
			p.store.deletePrefix(generationPrefix(p.key, p.gen)),
		)
	}
	if previous != nil {
		if err := p.store.deletePrefix(generationPrefix(p.key, previous.generation)); err != nil {
			p.store.log.Warn("failed to drop replaced artifact version",
				logKeyArtifact, p.key.String(),
				"error", err)
		}
	}
	p.store.log.Debug("artifact committed",
		logKeyArtifact, p.key.String(),
		logKeyBytes, p.size,
		logKeyChunks, p.chunks)
	return nil
}

func (p *badgerPending) Abort() error {
	if p.done {
		return nil
	}
	p.done = true
	p.block = nil
	return p.store.deletePrefix(generationPrefix(p.key, p.gen))
}

type badgerReader struct {
	ctx   context.Context
	store *BadgerStore
	key   Key
	m     manifest
	next  uint32
	buf   []byte
}

func (r *badgerReader) Read(b []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.next >= r.m.chunks {
			return 0, io.EOF
		}
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}
		var compressed []byte
		err := r.store.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(chunkKey(r.key, r.m.generation, r.next))
			if err != nil {
				return err
			}
			compressed, err = item.ValueCopy(nil)
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("read chunk %d of %s: %w", r.next, r.key, err)
		}
		r.buf, err = r.store.dec.DecodeAll(compressed, nil)
		if err != nil {
			return 0, fmt.Errorf("decompress chunk %d of %s: %w", r.next, r.key, err)
		}
		r.next++
	}
	n := copy(b, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *badgerReader) Close() error {
	r.buf = nil
	r.next = r.m.chunks
	return nil
}
