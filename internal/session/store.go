package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound is returned for artifacts that were never committed.
	ErrNotFound = errors.New("session: artifact not found")
	// ErrInsufficientSpace is returned when the data directory is below the
	// configured free-space threshold.
	ErrInsufficientSpace = errors.New("session: not enough free disk space")
	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("session: store closed")
)

// Store persists artifacts. Writes go through Stage so a partially
// received artifact is never visible: readers see either the previous
// committed version or nothing until Commit succeeds.
type Store interface {
	// Stage begins writing a new version of key.
	Stage(ctx context.Context, key Key) (Pending, error)
	// Open returns a reader over the committed artifact and its size.
	Open(ctx context.Context, key Key) (io.ReadCloser, int64, error)
	// Size returns the committed size of key.
	Size(ctx context.Context, key Key) (int64, error)
	// Delete removes the committed version of key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key Key) error
	// DeleteUser removes every artifact of user.
	DeleteUser(ctx context.Context, user UserID) error
	Close() error
}

// Pending is an artifact being written.
type Pending interface {
	io.Writer
	// Commit makes the written bytes the current version of the artifact,
	// replacing any earlier version.
	Commit() error
	// Abort discards the written bytes. It is safe to call after Commit, in
	// which case it does nothing.
	Abort() error
}

// Put stores data under key in one step.
func Put(ctx context.Context, s Store, key Key, data []byte) error {
	p, err := s.Stage(ctx, key)
	if err != nil {
		return err
	}
	if _, err := p.Write(data); err != nil {
		return errors.Join(fmt.Errorf("write %s: %w", key, err), p.Abort())
	}
	return p.Commit()
}

// Get reads the whole artifact stored under key.
func Get(ctx context.Context, s Store, key Key) ([]byte, error) {
	rc, size, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := io.Copy(buf, rc); err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return buf.Bytes(), nil
}
