package scan

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/rgbd/calibration"
	"go.viam.com/rgbd/catalog"
	"go.viam.com/rgbd/grabber"
	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/modeler"
	"go.viam.com/rgbd/pose"
	"go.viam.com/rgbd/rgbd"
	"go.viam.com/rgbd/rimage"
	"go.viam.com/rgbd/rimage/transform"
	"go.viam.com/rgbd/spatialmath"
)

// stubGrabber fails to connect and records what was done to it.
type stubGrabber struct {
	mu        sync.Mutex
	listeners int
	closed    bool
}

func (g *stubGrabber) Name() string { return "stub" }

func (g *stubGrabber) Connect(ctx context.Context) error { return errors.New("device is busy") }

func (g *stubGrabber) Start(ctx context.Context) error { return grabber.ErrNotConnected }

func (g *stubGrabber) Stop() error { return nil }

func (g *stubGrabber) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *stubGrabber) Calibration() *calibration.Record { return nil }

func (g *stubGrabber) AddListener(l grabber.FrameListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners++
}

func (g *stubGrabber) Trigger() {}

func (g *stubGrabber) Done() <-chan struct{} { return nil }

func registerTestDriver(t *testing.T, family grabber.Family, discover func() []grabber.Grabber) *int {
	t.Helper()
	calls := 0
	grabber.Register(family, grabber.Driver{
		Discover: func(ctx context.Context, params grabber.Params, logger logging.Logger) ([]grabber.Grabber, error) {
			calls++
			return discover(), nil
		},
	})
	t.Cleanup(func() { grabber.Deregister(family) })
	return &calls
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.Processor.MaxNormalAngle, test.ShouldEqual, 40.)
	test.That(t, cfg.Modeler.DepthFilling, test.ShouldBeTrue)
	test.That(t, cfg.Modeler.RemoveSmallStructures, test.ShouldBeTrue)

	bad := cfg
	bad.Prefix = ""
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = cfg
	bad.StartIndex = -1
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = cfg
	bad.Pose.Mode = pose.ModeDelta
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = cfg
	bad.PoseSession = "abc"
	test.That(t, bad.Validate(), test.ShouldNotBeNil)
	bad.CatalogPath = "catalog.db"
	test.That(t, bad.Validate(), test.ShouldNotBeNil)
	bad.Pose.Mode = pose.ModeFile
	test.That(t, bad.Validate(), test.ShouldBeNil)

	stepped := cfg
	stepped.Headless = true
	stepped.Grabber.Synchronous = true
	_, err := NewSession(stepped, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSessionWithoutDevice(t *testing.T) {
	logger := logging.NewTestLogger(t)
	calls := registerTestDriver(t, grabber.FamilyPMD, func() []grabber.Grabber { return nil })

	cfg := DefaultConfig()
	cfg.Prefix = filepath.Join(t.TempDir(), "grab1")
	s, err := NewSession(cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	err = s.Run(context.Background())
	test.That(t, errors.Is(err, grabber.ErrNoDevice), test.ShouldBeTrue)
	test.That(t, *calls, test.ShouldEqual, 1)
	test.That(t, s.Controller(), test.ShouldBeNil)
	test.That(t, s.State().Frames, test.ShouldEqual, 0)
	test.That(t, s.Close(context.Background()), test.ShouldBeNil)

	// Nothing is recorded without a device.
	_, err = os.Stat(cfg.Prefix)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestSessionConnectFailure(t *testing.T) {
	stub := &stubGrabber{}
	registerTestDriver(t, grabber.FamilyKin4Win, func() []grabber.Grabber { return []grabber.Grabber{stub} })

	cfg := DefaultConfig()
	cfg.Grabber.Family = grabber.FamilyKin4Win
	s, err := NewSession(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	err = s.Run(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "device is busy")
	test.That(t, stub.listeners, test.ShouldEqual, 0)
	test.That(t, stub.closed, test.ShouldBeTrue)
	test.That(t, s.Start(context.Background()), test.ShouldNotBeNil)
}

func smallFrame(index int) *rgbd.Frame {
	dm := rimage.NewEmptyDepthMap(8, 6)
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			dm.Set(x, y, 1000)
		}
	}
	return &rgbd.Frame{Index: index, Depth: dm}
}

func TestControllerThumbnail(t *testing.T) {
	logger := logging.NewTestLogger(t)
	k := &transform.PinholeCameraIntrinsics{Width: 8, Height: 6, Fx: 50, Fy: 50, Ppx: 3.5, Ppy: 2.5}
	processor, err := rgbd.NewProcessor(rgbd.ProcessorConfig{CloudStep: 1}, logger)
	test.That(t, err, test.ShouldBeNil)
	ctrl := NewController(ControllerConfig{
		Device:         "test",
		Processor:      processor,
		Calibration:    &calibration.Record{Depth: &calibration.SensorParams{Intrinsics: k}},
		ThumbnailWidth: 4,
	}, logger)

	ctrl.OnNewFrame(context.Background(), smallFrame(0))
	thumb := ctrl.State().Thumbnail
	test.That(t, thumb, test.ShouldNotBeNil)
	test.That(t, thumb.Color, test.ShouldBeNil)
	test.That(t, thumb.Depth.Width(), test.ShouldEqual, 4)
	test.That(t, thumb.Depth.Height(), test.ShouldEqual, 3)
	test.That(t, thumb.Depth.GetDepth(3, 2), test.ShouldEqual, rimage.Depth(1000))

	frame := smallFrame(1)
	img := image.NewNRGBA(image.Rect(0, 0, 16, 12))
	for i := range img.Pix {
		img.Pix[i] = 200
		if i%4 == 3 {
			img.Pix[i] = 255
		}
	}
	frame.Color = img
	ctrl.OnNewFrame(context.Background(), frame)
	thumb = ctrl.State().Thumbnail
	test.That(t, thumb.Color.Bounds().Size(), test.ShouldResemble, image.Pt(4, 3))
	test.That(t, thumb.Color.NRGBAAt(1, 1), test.ShouldResemble, color.NRGBA{200, 200, 200, 255})
	test.That(t, thumb.Depth.Width(), test.ShouldEqual, 4)
	test.That(t, ctrl.State().Frames, test.ShouldEqual, 2)
}

func TestControllerPause(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	k := &transform.PinholeCameraIntrinsics{Width: 8, Height: 6, Fx: 50, Fy: 50, Ppx: 3.5, Ppy: 2.5}
	calib := &calibration.Record{Depth: &calibration.SensorParams{Intrinsics: k}}

	processor, err := rgbd.NewProcessor(rgbd.ProcessorConfig{CloudStep: 1}, logger)
	test.That(t, err, test.ShouldBeNil)
	model, err := modeler.New(modeler.Config{VoxelSize: 0.01, CloudStep: 1}, calib, logger)
	test.That(t, err, test.ShouldBeNil)
	delta := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.5})
	estimator, err := pose.New(pose.Config{Mode: pose.ModeDelta, Delta: delta}, logger)
	test.That(t, err, test.ShouldBeNil)
	acq := NewAcquisitionController(estimator, model, logger)
	test.That(t, acq.Paused(), test.ShouldBeTrue)

	prefix := filepath.Join(t.TempDir(), "grab1")
	ctrl := NewController(ControllerConfig{
		Device:      "test",
		Processor:   processor,
		Calibration: calib,
		Acquisition: acq,
		Prefix:      prefix,
		Recorder:    rgbd.RecorderOptions{StartIndex: 3, SaveOnlyRaw: true, BinaryRaw: true},
	}, logger)
	test.That(t, ctrl.SetRecording(true), test.ShouldBeNil)

	// Acquisition paused: the frame is processed and recorded but not fused.
	ctrl.OnNewFrame(ctx, smallFrame(0))
	state := ctrl.State()
	test.That(t, state.Frames, test.ShouldEqual, 1)
	test.That(t, state.Recorded, test.ShouldEqual, 1)
	test.That(t, state.LastView, test.ShouldEqual, filepath.Join(prefix, "view0003"))
	test.That(t, state.PreviewPoints, test.ShouldEqual, 48)
	test.That(t, state.Thumbnail, test.ShouldBeNil)
	test.That(t, state.AcquisitionPaused, test.ShouldBeTrue)
	test.That(t, state.ModelSize, test.ShouldEqual, 0)
	test.That(t, state.FusedFrames, test.ShouldEqual, 0)

	acq.SetPaused(false)
	ctrl.OnNewFrame(ctx, smallFrame(1))
	state = ctrl.State()
	test.That(t, state.Frames, test.ShouldEqual, 2)
	test.That(t, state.FusedFrames, test.ShouldEqual, 1)
	test.That(t, state.ModelSize, test.ShouldBeGreaterThan, 0)
	test.That(t, state.Pose, test.ShouldNotBeEmpty)
	size := state.ModelSize

	acq.SetPaused(true)
	ctrl.OnNewFrame(ctx, smallFrame(2))
	state = ctrl.State()
	test.That(t, state.Frames, test.ShouldEqual, 3)
	test.That(t, state.Recorded, test.ShouldEqual, 3)
	test.That(t, state.LastIndex, test.ShouldEqual, 2)
	test.That(t, state.ModelSize, test.ShouldEqual, size)
	test.That(t, state.FusedFrames, test.ShouldEqual, 1)

	// Resuming fuses again, half a metre away from the first fused frame.
	acq.SetPaused(false)
	ctrl.OnNewFrame(ctx, smallFrame(3))
	state = ctrl.State()
	test.That(t, state.FusedFrames, test.ShouldEqual, 2)
	test.That(t, state.ModelSize, test.ShouldEqual, 2*size)

	// A paused controller ignores frames unless stepped.
	ctrl.SetPaused(true)
	ctrl.OnNewFrame(ctx, smallFrame(4))
	state = ctrl.State()
	test.That(t, state.Paused, test.ShouldBeTrue)
	test.That(t, state.Skipped, test.ShouldEqual, 1)
	test.That(t, state.Frames, test.ShouldEqual, 4)
	ctrl.Step()
	ctrl.OnNewFrame(ctx, smallFrame(5))
	ctrl.OnNewFrame(ctx, smallFrame(6))
	state = ctrl.State()
	test.That(t, state.Frames, test.ShouldEqual, 5)
	test.That(t, state.Skipped, test.ShouldEqual, 2)
	test.That(t, state.LastIndex, test.ShouldEqual, 5)

	test.That(t, ctrl.SetRecording(false), test.ShouldBeNil)
	test.That(t, ctrl.Close(), test.ShouldBeNil)
	views, err := rgbd.ListViews(prefix)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, views, test.ShouldHaveLength, 5)
}

func TestSessionHeadlessFake(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Grabber.Family = grabber.FamilyFake
	cfg.Grabber.FPS = 100
	cfg.Grabber.MaxFrames = 3
	cfg.Prefix = filepath.Join(dir, "grab1")
	cfg.Record = true
	cfg.Headless = true
	cfg.CatalogPath = filepath.Join(dir, "catalog.db")
	cfg.OutputModel = filepath.Join(dir, "model.pcd")
	cfg.Modeler.VoxelSize = 0.01
	cfg.Pose = pose.Config{Mode: pose.ModeDelta, Delta: spatialmath.NewPoseFromPoint(r3.Vector{X: 0.001})}

	s, err := NewSession(cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Run(context.Background()), test.ShouldBeNil)
	state := s.State()
	test.That(t, state.Device, test.ShouldEqual, "fake:0")
	test.That(t, state.Frames, test.ShouldEqual, 3)
	test.That(t, state.Recorded, test.ShouldEqual, 3)
	test.That(t, state.FusedFrames, test.ShouldEqual, 3)
	test.That(t, state.Errors, test.ShouldEqual, 0)
	id := s.CatalogSession().ID
	test.That(t, id, test.ShouldNotBeEmpty)
	test.That(t, s.Close(context.Background()), test.ShouldBeNil)

	_, err = os.Stat(cfg.OutputModel)
	test.That(t, err, test.ShouldBeNil)

	cat, err := catalog.Open(context.Background(), cfg.CatalogPath, logger)
	test.That(t, err, test.ShouldBeNil)
	defer cat.Close()
	frames, err := cat.Frames(context.Background(), id)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frames, test.ShouldHaveLength, 3)
	test.That(t, frames[2].Path, test.ShouldEqual, filepath.Join(cfg.Prefix, "view0002"))
	poses, err := cat.Poses(context.Background(), id)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, poses, test.ShouldHaveLength, 3)
	test.That(t, poses[2].Point().X, test.ShouldAlmostEqual, 0.002)

	// The poses of that session can be replayed.
	replay := cfg
	replay.Pose = pose.Config{Mode: pose.ModeFile}
	replay.PoseSession = id
	replay.Record = false
	replay.OutputModel = ""
	replay.Grabber.MaxFrames = 2
	s, err = NewSession(replay, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Run(context.Background()), test.ShouldBeNil)
	test.That(t, s.State().FusedFrames, test.ShouldEqual, 2)
	test.That(t, s.Close(context.Background()), test.ShouldBeNil)
}

func TestSessionSynchronousStep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Grabber.Family = grabber.FamilyFake
	cfg.Grabber.Synchronous = true
	cfg.Prefix = filepath.Join(t.TempDir(), "grab1")
	s, err := NewSession(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	test.That(t, s.Start(ctx), test.ShouldBeNil)
	defer func() {
		test.That(t, s.Close(context.Background()), test.ShouldBeNil)
	}()
	ctrl := s.Controller()
	test.That(t, ctrl.Paused(), test.ShouldBeTrue)
	test.That(t, ctrl.Acquisition().Paused(), test.ShouldBeTrue)

	ctrl.Step()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, s.State().Frames, test.ShouldEqual, 1)
	})

	// A frame nobody stepped for is skipped.
	s.grabber.Trigger()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, s.State().Skipped, test.ShouldEqual, 1)
	})
	state := s.State()
	test.That(t, state.Frames, test.ShouldEqual, 1)
	test.That(t, state.LastIndex, test.ShouldEqual, 0)
	test.That(t, state.PreviewPoints, test.ShouldBeGreaterThan, 0)
	test.That(t, state.ModelSize, test.ShouldEqual, 0)

	s.Quit()
}
