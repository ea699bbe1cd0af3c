package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"physionet.org/internal/obs"
)

// Handler executes one task. Returning an error records a failure; the
// message is still committed.
type Handler func(ctx context.Context, msg Message) error

// WorkerOptions tune lock behaviour.
type WorkerOptions struct {
	LockTTL     time.Duration
	LockRetries int
	RetryDelay  time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.LockTTL <= 0 {
		o.LockTTL = 10 * time.Minute
	}
	if o.LockRetries <= 0 {
		o.LockRetries = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	return o
}

// Worker consumes tasks, serialises them per target and dispatches them
// to registered handlers.
type Worker struct {
	consumer Consumer
	locker   Locker
	opts     WorkerOptions

	mu       sync.RWMutex
	handlers map[Kind]Handler
}

func NewWorker(consumer Consumer, locker Locker, opts WorkerOptions) *Worker {
	return &Worker{
		consumer: consumer,
		locker:   locker,
		opts:     opts.withDefaults(),
		handlers: make(map[Kind]Handler),
	}
}

// Handle registers h for kind, replacing any previous handler.
func (w *Worker) Handle(kind Kind, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Run processes messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			obs.Error("task fetch failed", err, nil)
			select {
			case <-time.After(w.opts.RetryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		result := w.Process(ctx, msg)
		if ctx.Err() != nil && result == "canceled" {
			return nil
		}
		if err := w.consumer.Commit(ctx, msg); err != nil {
			obs.Error("task commit failed", err, map[string]any{"task_id": msg.ID})
		}
	}
}

// Process runs one message and returns the recorded outcome.
func (w *Worker) Process(ctx context.Context, msg Message) (result string) {
	fields := map[string]any{"task_id": msg.ID, "kind": string(msg.Kind), "target": msg.Target.String()}
	defer func() {
		obs.ObserveTask(string(msg.Kind), result)
	}()

	w.mu.RLock()
	h, ok := w.handlers[msg.Kind]
	w.mu.RUnlock()
	if !ok {
		obs.Warn("no handler for task", fields)
		return "unhandled"
	}

	release, err := w.acquire(ctx, msg.Target)
	if err != nil {
		if ctx.Err() != nil {
			return "canceled"
		}
		obs.Error("task lock failed", err, fields)
		return "locked"
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			obs.Error("task unlock failed", err, fields)
		}
	}()

	start := time.Now()
	if err := runHandler(ctx, h, msg); err != nil {
		fields["duration_ms"] = time.Since(start).Milliseconds()
		obs.Error("task failed", err, fields)
		return "error"
	}
	fields["duration_ms"] = time.Since(start).Milliseconds()
	obs.Info("task done", fields)
	return "ok"
}

func (w *Worker) acquire(ctx context.Context, target Target) (Release, error) {
	var lastErr error
	for attempt := 0; attempt < w.opts.LockRetries; attempt++ {
		release, err := w.locker.Acquire(ctx, target.LockKey(), w.opts.LockTTL)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		lastErr = err
		select {
		case <-time.After(w.opts.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func runHandler(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return h(ctx, msg)
}
