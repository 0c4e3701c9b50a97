// Package utils contains small helpers shared by the calibration and scanning packages.
package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// Workers owns a set of background loops that share one cancellation. A Workers must not be
// copied after first use.
type Workers struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	running sync.WaitGroup
}

// StartWorkers runs each loop on its own goroutine. The loops see a context that ends when parent
// ends or Stop is called.
func StartWorkers(parent context.Context, loops ...func(context.Context)) *Workers {
	ctx, cancel := context.WithCancel(parent)
	w := &Workers{ctx: ctx, cancel: cancel}
	w.Go(loops...)
	return w
}

// Go starts more loops. It does nothing once Stop was called.
func (w *Workers) Go(loops ...func(context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	for _, loop := range loops {
		w.running.Add(1)
		goutils.PanicCapturingGo(func() {
			defer w.running.Done()
			loop(w.ctx)
		})
	}
}

// Stop cancels the loops and waits for all of them to return. Calling it again is a no-op.
func (w *Workers) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cancel()
	w.running.Wait()
}

// Context is the context handed to the loops.
func (w *Workers) Context() context.Context {
	return w.ctx
}
