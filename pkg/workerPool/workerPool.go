package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("workerpool: closed")

type WorkerPool struct {
	config    Config
	taskQueue chan func()
	mu        sync.RWMutex
	closed    bool
	workers   sync.WaitGroup
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room groups the tasks of one job. Results keep the index they were
// submitted with, so callers get them back in submission order no matter
// which worker finished first.
type Room[T any] struct {
	wp      *WorkerPool
	mu      sync.Mutex
	results []T
	errs    []error
	wg      sync.WaitGroup
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU()
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = config.WorkerCount * 4
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan func(), config.GlobalBuffer),
	}

	for i := 0; i < config.WorkerCount; i++ {
		wp.workers.Add(1)
		go wp.worker()
	}

	return wp
}

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int {
	return wp.config.WorkerCount
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for run := range wp.taskQueue {
		run()
	}
}

// Close stops the workers after the queued tasks ran. It is idempotent.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.closed {
		return
	}
	wp.closed = true
	close(wp.taskQueue)
	wp.workers.Wait()
}

// CreateRoom returns a room expecting up to size results.
func CreateRoom[T any](wp *WorkerPool, size int) *Room[T] {
	return &Room[T]{
		wp:      wp,
		results: make([]T, size),
		errs:    make([]error, size),
	}
}

// NewTask queues job as result number idx, waiting for a free slot in the
// global queue.
func (ro *Room[T]) NewTask(ctx context.Context, idx int, job func() (T, error)) error {
	ro.wp.mu.RLock()
	defer ro.wp.mu.RUnlock()
	if ro.wp.closed {
		return ErrClosed
	}

	ro.wg.Add(1)
	run := func() {
		defer ro.wg.Done()
		res, err := job()
		ro.mu.Lock()
		ro.results[idx] = res
		ro.errs[idx] = err
		ro.mu.Unlock()
	}

	select {
	case ro.wp.taskQueue <- run:
		return nil
	case <-ctx.Done():
		ro.wg.Done()
		return ctx.Err()
	}
}

// Collect waits for every queued task and returns the results by index
// together with the error of the lowest failing index.
func (ro *Room[T]) Collect() ([]T, error) {
	ro.wg.Wait()
	ro.mu.Lock()
	defer ro.mu.Unlock()
	for _, err := range ro.errs {
		if err != nil {
			return nil, err
		}
	}
	return ro.results, nil
}
