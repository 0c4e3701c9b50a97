// Package grabber discovers RGBD devices and streams their frames to listeners.
package grabber

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rgbd/calibration"
	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/rgbd"
	"go.viam.com/rgbd/utils"
)

var (
	// ErrNoDevice is returned when discovery finds nothing to connect to.
	ErrNoDevice = errors.New("cannot connect to any RGBD device")
	// ErrNotConnected is returned when a grabber is started before Connect succeeded.
	ErrNotConnected = errors.New("grabber is not connected")
)

// A FrameListener receives every frame a grabber produces, on the grabber's goroutine.
type FrameListener interface {
	OnNewFrame(ctx context.Context, frame *rgbd.Frame)
}

// ListenerFunc adapts a function to a FrameListener.
type ListenerFunc func(ctx context.Context, frame *rgbd.Frame)

// OnNewFrame calls f.
func (f ListenerFunc) OnNewFrame(ctx context.Context, frame *rgbd.Frame) {
	f(ctx, frame)
}

// Grabber is a session with one RGBD device.
type Grabber interface {
	// Name identifies the device, e.g. "fake:0".
	Name() string
	// Connect opens the device and loads its calibration.
	Connect(ctx context.Context) error
	// Start launches the capture goroutine.
	Start(ctx context.Context) error
	// Stop halts capture and waits for the capture goroutine to return.
	Stop() error
	// Close stops the grabber and releases the device.
	Close(ctx context.Context) error
	// Calibration is the calibration of the device, nil when unknown.
	Calibration() *calibration.Record
	// AddListener registers a listener. Each frame is delivered exactly once to each listener.
	AddListener(l FrameListener)
	// Trigger asks a synchronous grabber for its next frame. It is a no-op otherwise.
	Trigger()
	// Done is closed when capture ends, at the end of a replay, after MaxFrames or on Stop.
	Done() <-chan struct{}
}

// Params select and configure the grabbers to create.
type Params struct {
	// Family forces a driver family. Empty means every family in discovery order.
	Family Family
	// Directory replays the view directories it contains.
	Directory string
	// ImagePath replays a single view directory or a still color image.
	ImagePath       string
	CalibrationFile string
	CameraID        int
	// Synchronous grabbers emit one frame per Trigger.
	Synchronous    bool
	HighResolution bool
	// FPS paces asynchronous grabbers. Zero means DefaultFPS.
	FPS float64
	// Loop restarts a replay when the last view was emitted.
	Loop bool
	// Watch picks up view directories created while replaying.
	Watch bool
	// MaxFrames stops capture after that many frames when positive.
	MaxFrames int
	Seed      int64

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// DefaultFPS is the pace of replayed and synthetic frames.
const DefaultFPS = 30

// Validate checks the parameters.
func (p *Params) Validate() error {
	if p.FPS < 0 {
		return errors.Errorf("fps must be non-negative, got %v", p.FPS)
	}
	if p.CameraID < 0 {
		return errors.Errorf("camera id must be non-negative, got %d", p.CameraID)
	}
	if p.MaxFrames < 0 {
		return errors.Errorf("max frames must be non-negative, got %d", p.MaxFrames)
	}
	if p.Directory != "" && p.ImagePath != "" {
		return errors.New("directory and image cannot be replayed together")
	}
	if p.Family != "" && !p.Family.Known() {
		return errors.Errorf("unknown driver family %q", p.Family)
	}
	return nil
}

func (p *Params) clock() clock.Clock {
	if p.Clock == nil {
		return clock.New()
	}
	return p.Clock
}

func (p *Params) fps() float64 {
	if p.FPS == 0 {
		return DefaultFPS
	}
	return p.FPS
}

// errEndOfStream is returned by a frameSource that has no more frames.
var errEndOfStream = errors.New("end of stream")

// frameSource produces the frames of a device.
type frameSource interface {
	connect(ctx context.Context) (*calibration.Record, error)
	next(ctx context.Context, index int) (*rgbd.Frame, error)
	close() error
}

// streamGrabber runs the capture loop shared by all grabbers on top of a frameSource.
type streamGrabber struct {
	name   string
	params Params
	source frameSource
	clk    clock.Clock
	logger logging.Logger

	mu        sync.Mutex
	listeners []FrameListener
	calib     *calibration.Record
	connected bool
	workers   *utils.Workers
	trigger   chan struct{}
	done      chan struct{}
}

func newStreamGrabber(name string, params Params, source frameSource, logger logging.Logger) *streamGrabber {
	return &streamGrabber{
		name:    name,
		params:  params,
		source:  source,
		clk:     params.clock(),
		logger:  logger,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (g *streamGrabber) Name() string {
	return g.name
}

func (g *streamGrabber) Connect(ctx context.Context) error {
	calib, err := g.source.connect(ctx)
	if err != nil {
		return errors.Wrapf(err, "cannot connect to %s", g.name)
	}
	if calib == nil && g.params.CalibrationFile != "" {
		if calib, err = calibration.Load(g.params.CalibrationFile); err != nil {
			return errors.Wrapf(err, "cannot connect to %s", g.name)
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calib = calib
	g.connected = true
	g.logger.Infow("connected", "device", g.name, "calibrated", calib != nil)
	return nil
}

func (g *streamGrabber) Calibration() *calibration.Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calib
}

func (g *streamGrabber) AddListener(l FrameListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, l)
}

func (g *streamGrabber) Trigger() {
	if !g.params.Synchronous {
		return
	}
	select {
	case g.trigger <- struct{}{}:
	default:
	}
}

func (g *streamGrabber) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ErrNotConnected
	}
	if g.workers != nil {
		return errors.Errorf("%s is already started", g.name)
	}
	done := make(chan struct{})
	g.done = done
	g.workers = utils.StartWorkers(ctx, func(ctx context.Context) {
		defer close(done)
		g.captureLoop(ctx)
	})
	return nil
}

func (g *streamGrabber) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

func (g *streamGrabber) Stop() error {
	g.mu.Lock()
	workers := g.workers
	g.workers = nil
	g.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
	return nil
}

func (g *streamGrabber) Close(ctx context.Context) error {
	err := g.Stop()
	g.mu.Lock()
	g.connected = false
	g.mu.Unlock()
	return multierr.Combine(err, g.source.close())
}

// wait blocks until the next frame is due: a trigger in synchronous mode, the frame period
// otherwise. It returns false when ctx is done.
func (g *streamGrabber) wait(ctx context.Context, first bool) bool {
	if g.params.Synchronous {
		select {
		case <-ctx.Done():
			return false
		case <-g.trigger:
			return true
		}
	}
	if first {
		return ctx.Err() == nil
	}
	period := clockDuration(g.params.fps())
	select {
	case <-ctx.Done():
		return false
	case <-g.clk.After(period):
		return true
	}
}

func (g *streamGrabber) captureLoop(ctx context.Context) {
	for index := 0; ; index++ {
		if g.params.MaxFrames > 0 && index >= g.params.MaxFrames {
			g.logger.Infow("reached max frames", "device", g.name, "frames", index)
			return
		}
		if !g.wait(ctx, index == 0) {
			return
		}
		frame, err := g.source.next(ctx, index)
		if err != nil {
			if errors.Is(err, errEndOfStream) {
				g.logger.Infow("end of stream", "device", g.name, "frames", index)
			} else if ctx.Err() == nil {
				g.logger.Errorw("capture failed", "device", g.name, "error", err)
			}
			return
		}
		frame.Index = index
		if frame.Timestamp.IsZero() {
			frame.Timestamp = g.clk.Now()
		}
		g.deliver(ctx, frame)
	}
}

func (g *streamGrabber) deliver(ctx context.Context, frame *rgbd.Frame) {
	g.mu.Lock()
	listeners := append([]FrameListener(nil), g.listeners...)
	g.mu.Unlock()
	for i, l := range listeners {
		f := frame
		if i < len(listeners)-1 {
			f = frame.Clone()
		}
		l.OnNewFrame(ctx, f)
	}
}
