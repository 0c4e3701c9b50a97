package grabber

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/rgbd"
	"go.viam.com/rgbd/utils"
)

// DroppingListener hands frames to an inner listener on its own goroutine through a single slot
// mailbox. A frame arriving while the previous one is still pending replaces it, so the grabber
// never waits for the inner listener.
type DroppingListener struct {
	inner  FrameListener
	logger logging.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending *rgbd.Frame
	closed  bool

	dropped   atomic.Uint64
	delivered atomic.Uint64
	workers   *utils.Workers
}

// NewDroppingListener starts the delivery goroutine. Close must be called to stop it.
func NewDroppingListener(inner FrameListener, logger logging.Logger) *DroppingListener {
	dl := &DroppingListener{inner: inner, logger: logger}
	dl.cond = sync.NewCond(&dl.mu)
	dl.workers = utils.StartWorkers(context.Background(), dl.deliverLoop)
	return dl
}

// OnNewFrame stores the frame in the mailbox and returns immediately.
func (dl *DroppingListener) OnNewFrame(ctx context.Context, frame *rgbd.Frame) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.closed {
		return
	}
	if dl.pending != nil {
		n := dl.dropped.Inc()
		dl.logger.Debugw("dropped frame", "frame", dl.pending.Index, "dropped", n)
	}
	dl.pending = frame
	dl.cond.Signal()
}

func (dl *DroppingListener) deliverLoop(ctx context.Context) {
	for {
		dl.mu.Lock()
		for dl.pending == nil && !dl.closed {
			dl.cond.Wait()
		}
		if dl.closed {
			dl.mu.Unlock()
			return
		}
		frame := dl.pending
		dl.pending = nil
		dl.mu.Unlock()

		dl.inner.OnNewFrame(ctx, frame)
		dl.delivered.Inc()
	}
}

// Dropped is the number of frames replaced before delivery.
func (dl *DroppingListener) Dropped() uint64 {
	return dl.dropped.Load()
}

// Delivered is the number of frames handed to the inner listener.
func (dl *DroppingListener) Delivered() uint64 {
	return dl.delivered.Load()
}

// Close discards the pending frame and waits for the delivery goroutine to return.
func (dl *DroppingListener) Close() error {
	dl.mu.Lock()
	dl.closed = true
	dl.pending = nil
	dl.cond.Broadcast()
	dl.mu.Unlock()
	dl.workers.Stop()
	if n := dl.Dropped(); n > 0 {
		dl.logger.Infow("frames dropped while processing", "dropped", n, "delivered", dl.Delivered())
	}
	return nil
}
