package workerpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRoomKeepsSubmissionOrder(t *testing.T) {
	t.Parallel()
	wp := NewWorkerPool(Config{WorkerCount: 4})
	defer wp.Close()

	const n = 50
	room := CreateRoom[int](wp, n)
	for i := 0; i < n; i++ {
		i := i
		require.NoError(t, room.NewTask(context.Background(), i, func() (int, error) {
			// Later tasks finish first.
			time.Sleep(time.Duration(n-i) * 100 * time.Microsecond)
			return i * i, nil
		}))
	}
	got, err := room.Collect()
	require.NoError(t, err)
	for i, v := range got {
		require.Equal(t, i*i, v)
	}
}

func TestRoomReportsLowestError(t *testing.T) {
	t.Parallel()
	wp := NewWorkerPool(Config{WorkerCount: 2})
	defer wp.Close()

	errThree := errors.New("three")
	room := CreateRoom[string](wp, 6)
	for i := 0; i < 6; i++ {
		i := i
		require.NoError(t, room.NewTask(context.Background(), i, func() (string, error) {
			switch i {
			case 3:
				return "", errThree
			case 5:
				return "", errors.New("five")
			}
			return "ok", nil
		}))
	}
	_, err := room.Collect()
	require.ErrorIs(t, err, errThree)
}

func TestClosedPoolRejects(t *testing.T) {
	t.Parallel()
	wp := NewWorkerPool(Config{WorkerCount: 1})
	wp.Close()
	wp.Close()
	room := CreateRoom[int](wp, 1)
	err := room.NewTask(context.Background(), 0, func() (int, error) { return 1, nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestNewTaskCancelled(t *testing.T) {
	t.Parallel()
	wp := NewWorkerPool(Config{WorkerCount: 1, GlobalBuffer: 1})
	defer wp.Close()

	block := make(chan struct{})
	room := CreateRoom[int](wp, 3)
	job := func() (int, error) { <-block; return 0, nil }
	require.NoError(t, room.NewTask(context.Background(), 0, job))
	require.NoError(t, room.NewTask(context.Background(), 1, job))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The only worker is busy and the queue slot is taken, so this can only
	// give up.
	require.ErrorIs(t, room.NewTask(ctx, 2, job), context.Canceled)

	close(block)
	_, err := room.Collect()
	require.NoError(t, err)
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	wp := NewWorkerPool(Config{})
	defer wp.Close()
	require.Positive(t, wp.Workers())
}

func TestRoomProperty(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		workers := rapid.IntRange(1, 8).Draw(t, "workers")
		values := rapid.SliceOf(rapid.Int()).Draw(t, "values")
		wp := NewWorkerPool(Config{WorkerCount: workers})
		defer wp.Close()

		room := CreateRoom[int](wp, len(values))
		for i, v := range values {
			v := v
			if err := room.NewTask(context.Background(), i, func() (int, error) { return v, nil }); err != nil {
				t.Fatal(err)
			}
		}
		got, err := room.Collect()
		if err != nil {
			t.Fatal(err)
		}
		for i := range values {
			if got[i] != values[i] {
				t.Fatalf("index %d: got %d want %d", i, got[i], values[i])
			}
		}
	})
}
