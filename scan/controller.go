package scan

import (
	"context"
	"image"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"go.viam.com/rgbd/calibration"
	"go.viam.com/rgbd/catalog"
	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/pointcloud"
	"go.viam.com/rgbd/rgbd"
	"go.viam.com/rgbd/rimage"
	"go.viam.com/rgbd/spatialmath"
)

// Thumbnail is a downscaled copy of the last processed frame. Either image may be nil.
type Thumbnail struct {
	Color *image.NRGBA
	Depth *rimage.DepthMap
}

// UIState is a snapshot of what the scanner shows.
type UIState struct {
	Device string
	// Frames counts the frames that went through the processor.
	Frames int
	// Skipped counts the frames ignored while the controller was paused.
	Skipped   int
	LastIndex int
	FPS       float64

	Paused            bool
	AcquisitionPaused bool
	Recording         bool
	Recorded          int
	LastView          string

	ModelSize     int
	FusedFrames   int
	PreviewPoints int
	Pose          string
	// Thumbnail is nil unless the controller was configured with a thumbnail width.
	Thumbnail *Thumbnail

	// Dropped counts the frames dropped by a busy session with frame dropping on.
	Dropped   uint64
	Errors    int
	LastError string
}

// ControllerConfig holds what a Controller is wired to.
type ControllerConfig struct {
	Device      string
	Processor   *rgbd.Processor
	Calibration *calibration.Record
	Acquisition *AcquisitionController

	Prefix   string
	Recorder rgbd.RecorderOptions

	// Catalog, when set, indexes recorded frames and fused poses under SessionID.
	Catalog   *catalog.Catalog
	SessionID string

	// ThumbnailWidth is the width of the frame thumbnail kept in the state, 0 disables it.
	ThumbnailWidth int

	// Trigger asks the device for a frame, see Step.
	Trigger func()
	Clock   clock.Clock
}

// Controller is the frame listener of a session. Every frame it accepts is recorded when
// recording, processed, and forwarded to the acquisition controller.
type Controller struct {
	cfg    ControllerConfig
	clk    clock.Clock
	logger logging.Logger

	// warnings throttles the log of failing frames.
	warnings rate.Sometimes

	mu          sync.Mutex
	state       UIState
	paused      bool
	steps       int
	recorder    *rgbd.Recorder
	preview     pointcloud.PointCloud
	lastArrival time.Time
}

// NewController returns a running controller.
func NewController(cfg ControllerConfig, logger logging.Logger) *Controller {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{
		cfg:      cfg,
		clk:      clk,
		logger:   logger,
		warnings: rate.Sometimes{First: 3, Interval: time.Second},
		state:    UIState{Device: cfg.Device, LastIndex: -1},
	}
}

// Acquisition is the acquisition controller frames are forwarded to.
func (c *Controller) Acquisition() *AcquisitionController {
	return c.cfg.Acquisition
}

// SetPaused pauses or resumes the controller. A paused controller ignores frames but for those
// requested with Step.
func (c *Controller) SetPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
	c.steps = 0
}

// Paused reports whether the controller ignores frames.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Step lets the next frame through a paused controller and triggers a synchronous device.
func (c *Controller) Step() {
	c.mu.Lock()
	if c.paused {
		c.steps++
	}
	c.mu.Unlock()
	if c.cfg.Trigger != nil {
		c.cfg.Trigger()
	}
}

// SetRecording starts or stops recording. The recorder is created with the first recording.
func (c *Controller) SetRecording(recording bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if recording && c.recorder == nil {
		r, err := rgbd.NewRecorder(c.cfg.Prefix, c.cfg.Recorder, c.logger.Sublogger("recorder"))
		if err != nil {
			return err
		}
		c.recorder = r
	}
	if c.state.Recording != recording {
		c.logger.Infow("recording", "enabled", recording, "prefix", c.cfg.Prefix)
	}
	c.state.Recording = recording
	return nil
}

// State returns a snapshot of the UI state.
func (c *Controller) State() UIState {
	c.mu.Lock()
	state := c.state
	state.Paused = c.paused
	c.mu.Unlock()
	if acq := c.cfg.Acquisition; acq != nil {
		state.AcquisitionPaused = acq.Paused()
		state.ModelSize = acq.Model().Size()
		state.FusedFrames = acq.Model().Frames()
	}
	return state
}

// Preview is the cloud of the last processed frame, nil without a calibration.
func (c *Controller) Preview() pointcloud.PointCloud {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preview
}

// accept decides whether a frame is handled and returns whether to record it.
func (c *Controller) accept() (accepted, recording bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		if c.steps == 0 {
			c.state.Skipped++
			return false, false
		}
		c.steps--
	}
	return true, c.state.Recording
}

// OnNewFrame handles a frame of the device.
func (c *Controller) OnNewFrame(ctx context.Context, frame *rgbd.Frame) {
	accepted, recording := c.accept()
	if !accepted {
		return
	}
	arrival := c.clk.Now()

	var view string
	if recording {
		var err error
		if view, err = c.record(ctx, frame); err != nil {
			c.fail(frame, err)
		}
	}

	if err := c.cfg.Processor.Process(ctx, frame, c.cfg.Calibration); err != nil {
		c.fail(frame, errors.Wrapf(err, "cannot process frame %d", frame.Index))
		return
	}
	thumb := newThumbnail(frame, c.cfg.ThumbnailWidth)

	c.mu.Lock()
	c.state.Frames++
	c.state.LastIndex = frame.Index
	if !c.lastArrival.IsZero() {
		if dt := arrival.Sub(c.lastArrival).Seconds(); dt > 0 {
			if c.state.FPS == 0 {
				c.state.FPS = 1 / dt
			} else {
				c.state.FPS = 0.9*c.state.FPS + 0.1/dt
			}
		}
	}
	c.lastArrival = arrival
	if view != "" {
		c.state.Recorded++
		c.state.LastView = view
	}
	if c.cfg.Calibration != nil && frame.Cloud != nil {
		c.preview = frame.Cloud
		c.state.PreviewPoints = frame.Cloud.Size()
	}
	if thumb != nil {
		c.state.Thumbnail = thumb
	}
	c.mu.Unlock()

	if c.cfg.Acquisition == nil {
		return
	}
	p, err := c.cfg.Acquisition.Process(ctx, frame)
	if err != nil {
		c.fail(frame, err)
		return
	}
	if p == nil {
		return
	}
	c.mu.Lock()
	c.state.Pose = spatialmath.FormatPose(p)
	c.mu.Unlock()
	if c.cfg.Catalog != nil {
		if err := c.cfg.Catalog.AddPose(ctx, c.cfg.SessionID, frame.Index, p); err != nil {
			c.fail(frame, err)
		}
	}
}

// newThumbnail scales the color and depth images of frame to width, keeping the aspect ratio
// of the color image when there is one.
func newThumbnail(frame *rgbd.Frame, width int) *Thumbnail {
	if width <= 0 {
		return nil
	}
	var size image.Point
	switch {
	case frame.Color != nil && !frame.Color.Bounds().Empty():
		size = frame.Color.Bounds().Size()
	case frame.Depth != nil && frame.Depth.Width() > 0 && frame.Depth.Height() > 0:
		size = image.Pt(frame.Depth.Width(), frame.Depth.Height())
	default:
		return nil
	}
	height := max(1, int(math.Round(float64(width*size.Y)/float64(size.X))))
	thumb := &Thumbnail{}
	if frame.Color != nil && !frame.Color.Bounds().Empty() {
		thumb.Color = rimage.Resize(frame.Color, width, height)
	}
	if frame.Depth != nil {
		thumb.Depth = frame.Depth.Resample(width, height)
	}
	return thumb
}

func (c *Controller) record(ctx context.Context, frame *rgbd.Frame) (string, error) {
	c.mu.Lock()
	r := c.recorder
	c.mu.Unlock()
	view, err := r.Record(frame)
	if err != nil {
		return "", errors.Wrapf(err, "cannot record frame %d", frame.Index)
	}
	if c.cfg.Catalog != nil {
		if err := c.cfg.Catalog.AddFrame(ctx, c.cfg.SessionID, frame.Index, frame.Timestamp, view); err != nil {
			return view, err
		}
	}
	return view, nil
}

func (c *Controller) fail(frame *rgbd.Frame, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.warnings.Do(func() {
		c.logger.Warnw("frame failed", "frame", frame.Index, "error", err)
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Errors++
	c.state.LastError = err.Error()
}

// Close closes the recorder.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recorder == nil {
		return nil
	}
	return c.recorder.Close()
}
