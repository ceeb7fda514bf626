package async

import (
	"context"
	"runtime/debug"
	"sync"
)

// PanicLogger captures panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	if name == "" {
		logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
		return
	}
	logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
}

// Tracker launches panic-guarded goroutines and lets the owner wait for them
// on shutdown.
type Tracker struct {
	logger PanicLogger
	wg     sync.WaitGroup
}

// NewTracker returns a Tracker reporting panics to logger.
func NewTracker(logger PanicLogger) *Tracker {
	return &Tracker{logger: logger}
}

// Go runs fn in a tracked goroutine.
func (t *Tracker) Go(name string, fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer Recover(t.logger, name)
		fn()
	}()
}

// Wait blocks until every tracked goroutine returned or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
