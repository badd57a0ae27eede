package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/imap-aex/stats"
)

type StageFunc func(context.Context) error

// Runner runs stages concurrently and fans their stats events out to every
// subscriber. The first stage error cancels the others.
type Runner struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	subMu       sync.Mutex
	subscribers []chan stats.Event

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
}

func New(logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// EmitEvent delivers evt to every subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subMu.Lock()
	subs := r.subscribers
	r.subMu.Unlock()

	for _, ch := range subs {
		select {
		case <-r.ctx.Done():
			// a failed run still reports what happened so far
			select {
			case ch <- evt:
			default:
			}
		case ch <- evt:
		}
	}
}

// SubscribeStats registers fn with its own event channel. Subscribe before
// adding stages so no event is missed.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
		// keep draining so emitters never block on a finished subscriber
		for range ch {
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start waits for all stages, closes the event streams and waits for the
// subscribers. It returns the first stage error.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	err := r.Err()
	duration := time.Since(r.since).Round(time.Millisecond)
	if err != nil {
		r.logger.Error("run failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("run completed", "duration", duration)
	return nil
}

func (r *Runner) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for _, ch := range r.subscribers {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
