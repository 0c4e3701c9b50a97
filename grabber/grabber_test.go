package grabber

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/rgbd/calibration"
	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/rgbd"
	"go.viam.com/rgbd/rimage"
	"go.viam.com/rgbd/utils"
)

type frameCollector struct {
	mu     sync.Mutex
	frames []*rgbd.Frame
}

func (c *frameCollector) OnNewFrame(ctx context.Context, frame *rgbd.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
}

func (c *frameCollector) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		names = append(names, f.Name)
	}
	return names
}

func (c *frameCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func writeTestViews(t *testing.T, dir string, start, n int) {
	t.Helper()
	rec, err := rgbd.NewRecorder(dir, rgbd.RecorderOptions{StartIndex: start, SaveOnlyRaw: true, BinaryRaw: true},
		logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < n; i++ {
		img := image.NewNRGBA(image.Rect(0, 0, 8, 6))
		dm := rimage.NewEmptyDepthMap(8, 6)
		for y := 0; y < 6; y++ {
			for x := 0; x < 8; x++ {
				img.SetNRGBA(x, y, color.NRGBA{R: uint8(start + i), A: 255})
				dm.Set(x, y, rimage.Depth(500+start+i))
			}
		}
		_, err := rec.Record(&rgbd.Frame{Color: img, Depth: dm})
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, rec.Close(), test.ShouldBeNil)
}

func TestParamsValidate(t *testing.T) {
	test.That(t, (&Params{}).Validate(), test.ShouldBeNil)
	test.That(t, (&Params{FPS: -1}).Validate(), test.ShouldNotBeNil)
	test.That(t, (&Params{CameraID: -1}).Validate(), test.ShouldNotBeNil)
	test.That(t, (&Params{Directory: "a", ImagePath: "b"}).Validate(), test.ShouldNotBeNil)
	err := (&Params{Family: "kinect2"}).Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "kinect2")
}

func TestCreateGrabbersWithoutDevice(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	grabbers, err := CreateGrabbers(ctx, Params{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, grabbers, test.ShouldBeEmpty)

	for _, family := range Families {
		grabbers, err := CreateGrabbers(ctx, Params{Family: family}, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, grabbers, test.ShouldBeEmpty)
	}

	grabbers, err = CreateGrabbers(ctx, Params{Family: FamilyFake}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, grabbers, test.ShouldHaveLength, 1)
	test.That(t, grabbers[0].Name(), test.ShouldEqual, "fake:0")
}

func TestRegistry(t *testing.T) {
	logger := logging.NewTestLogger(t)
	test.That(t, func() { Register(FamilyFake, Driver{Discover: discoverFake}) }, test.ShouldPanic)
	test.That(t, func() { Register(FamilyPMD, Driver{}) }, test.ShouldPanic)

	var discovered []Family
	Register(FamilyKin4Win, Driver{Discover: func(ctx context.Context, params Params, logger logging.Logger) ([]Grabber, error) {
		discovered = append(discovered, FamilyKin4Win)
		return nil, nil
	}})
	defer Deregister(FamilyKin4Win)
	Register(FamilyPMD, Driver{Discover: func(ctx context.Context, params Params, logger logging.Logger) ([]Grabber, error) {
		discovered = append(discovered, FamilyPMD)
		return []Grabber{NewFakeGrabber(params, logger)}, nil
	}})
	defer Deregister(FamilyPMD)

	test.That(t, RegisteredFamilies(), test.ShouldResemble, []Family{FamilyFake, FamilyFile, FamilyKin4Win, FamilyPMD})

	grabbers, err := CreateGrabbers(context.Background(), Params{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, grabbers, test.ShouldHaveLength, 1)
	test.That(t, discovered, test.ShouldResemble, []Family{FamilyKin4Win, FamilyPMD})

	Deregister(FamilyOpenNI)
	Register(FamilyOpenNI, Driver{Discover: func(ctx context.Context, params Params, logger logging.Logger) ([]Grabber, error) {
		return nil, errors.New("usb failure")
	}})
	defer Deregister(FamilyOpenNI)
	_, err = CreateGrabbers(context.Background(), Params{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "usb failure")
}

func TestStartBeforeConnect(t *testing.T) {
	g := NewFakeGrabber(Params{Family: FamilyFake}, logging.NewTestLogger(t))
	test.That(t, errors.Is(g.Start(context.Background()), ErrNotConnected), test.ShouldBeTrue)
	test.That(t, g.Calibration(), test.ShouldBeNil)
	test.That(t, g.Close(context.Background()), test.ShouldBeNil)
}

func TestFakeGrabberSynchronous(t *testing.T) {
	ctx := context.Background()
	g := NewFakeGrabber(Params{Family: FamilyFake, Synchronous: true, Seed: 7}, logging.NewTestLogger(t))
	test.That(t, g.Connect(ctx), test.ShouldBeNil)
	calib := g.Calibration()
	test.That(t, calib, test.ShouldNotBeNil)
	test.That(t, calib.HasDepth(), test.ShouldBeTrue)
	test.That(t, calib.RGB.Intrinsics.Width, test.ShouldEqual, 640)

	first, second := &frameCollector{}, &frameCollector{}
	g.AddListener(first)
	g.AddListener(second)
	test.That(t, g.Start(ctx), test.ShouldBeNil)
	test.That(t, g.Start(ctx), test.ShouldNotBeNil)

	time.Sleep(50 * time.Millisecond)
	test.That(t, first.count(), test.ShouldEqual, 0)

	g.Trigger()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, first.count(), test.ShouldEqual, 1)
		test.That(tb, second.count(), test.ShouldEqual, 1)
	})
	g.Trigger()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, first.count(), test.ShouldEqual, 2)
	})
	test.That(t, g.Close(ctx), test.ShouldBeNil)

	f := first.frames[0]
	test.That(t, f.Index, test.ShouldEqual, 0)
	test.That(t, first.frames[1].Index, test.ShouldEqual, 1)
	// The listeners get their own copy of the depth.
	test.That(t, f.Depth == second.frames[0].Depth, test.ShouldBeFalse)

	// The optical axis hits the front face of the box.
	center := f.Depth.GetDepth(320, 240)
	test.That(t, float64(center), test.ShouldAlmostEqual, 700, 6)
	r, g2, _, _ := f.Color.At(320, 240).RGBA()
	test.That(t, r>>8, test.ShouldBeGreaterThan, 150)
	test.That(t, g2>>8, test.ShouldEqual, uint32(40))
	test.That(t, f.Depth.GetDepth(0, 0), test.ShouldBeGreaterThan, 800)
	test.That(t, f.Depth.ValidCount(), test.ShouldEqual, 640*480)
}

func TestFakeNoiseIsDeterministic(t *testing.T) {
	ctx := context.Background()
	a, b := &fakeSource{seed: 3}, &fakeSource{seed: 3}
	_, err := a.connect(ctx)
	test.That(t, err, test.ShouldBeNil)
	_, err = b.connect(ctx)
	test.That(t, err, test.ShouldBeNil)

	fa, err := a.next(ctx, 5)
	test.That(t, err, test.ShouldBeNil)
	fb, err := b.next(ctx, 5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fa.Depth, test.ShouldResemble, fb.Depth)

	fc, err := b.next(ctx, 6)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fc.Depth, test.ShouldNotResemble, fa.Depth)
}

func TestFakeHighResolution(t *testing.T) {
	calib := FakeCalibration(true)
	test.That(t, calib.RGB.Intrinsics.Width, test.ShouldEqual, 1280)
	test.That(t, calib.RGB.Intrinsics.Width/calib.Depth.Intrinsics.Width, test.ShouldEqual, 2)
	test.That(t, calib.RGB.Intrinsics.CheckValid(), test.ShouldBeNil)
}

func TestFileGrabberPaced(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeTestViews(t, dir, 0, 3)
	test.That(t, calibration.NewDefaultRecord().Save(filepath.Join(dir, CalibrationFileName)), test.ShouldBeNil)

	mockClock := clock.NewMock()
	grabbers, err := CreateGrabbers(ctx, Params{Directory: dir, FPS: 10, Clock: mockClock}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, grabbers, test.ShouldHaveLength, 1)
	g := grabbers[0]
	test.That(t, g.Connect(ctx), test.ShouldBeNil)
	test.That(t, g.Calibration(), test.ShouldNotBeNil)

	c := &frameCollector{}
	g.AddListener(c)
	test.That(t, g.Start(ctx), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		mockClock.Add(100 * time.Millisecond)
		test.That(tb, c.count(), test.ShouldEqual, 3)
	})
	test.That(t, g.Close(ctx), test.ShouldBeNil)
	test.That(t, c.names(), test.ShouldResemble, []string{"view0000", "view0001", "view0002"})
	test.That(t, c.frames[2].Depth.GetDepth(0, 0), test.ShouldEqual, rimage.Depth(502))
}

func TestFileGrabberLoop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeTestViews(t, dir, 4, 2)
	test.That(t, os.MkdirAll(filepath.Join(dir, "view0009", "raw"), 0o750), test.ShouldBeNil)

	g := NewFileGrabber(Params{Directory: dir, Synchronous: true, Loop: true, MaxFrames: 5}, logging.NewTestLogger(t))
	test.That(t, g.Connect(ctx), test.ShouldBeNil)
	test.That(t, g.Calibration(), test.ShouldBeNil)
	c := &frameCollector{}
	g.AddListener(c)
	test.That(t, g.Start(ctx), test.ShouldBeNil)
	for i := 0; i < 7; i++ {
		g.Trigger()
		time.Sleep(10 * time.Millisecond)
	}
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, c.count(), test.ShouldEqual, 5)
	})
	test.That(t, g.Close(ctx), test.ShouldBeNil)
	test.That(t, c.names(), test.ShouldResemble, []string{"view0004", "view0005", "view0004", "view0005", "view0004"})
}

func TestFileGrabberWatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	staging := t.TempDir()

	g := NewFileGrabber(Params{Directory: dir, Watch: true}, logging.NewTestLogger(t))
	test.That(t, g.Connect(ctx), test.ShouldBeNil)
	c := &frameCollector{}
	g.AddListener(c)
	test.That(t, g.Start(ctx), test.ShouldBeNil)

	writeTestViews(t, staging, 12, 1)
	test.That(t, os.Rename(filepath.Join(staging, "view0012"), filepath.Join(dir, "view0012")), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, c.names(), test.ShouldResemble, []string{"view0012"})
	})
	test.That(t, g.Close(ctx), test.ShouldBeNil)
}

func TestFileGrabberErrors(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	file := filepath.Join(t.TempDir(), "file")
	test.That(t, os.WriteFile(file, []byte("x"), 0o600), test.ShouldBeNil)
	err := NewFileGrabber(Params{Directory: file}, logger).Connect(ctx)
	test.That(t, errors.Is(err, utils.ErrNotADirectory), test.ShouldBeTrue)

	err = NewFileGrabber(Params{Directory: t.TempDir()}, logger).Connect(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no view directory")

	dir := t.TempDir()
	writeTestViews(t, dir, 0, 1)
	err = NewFileGrabber(Params{Directory: dir, CalibrationFile: filepath.Join(dir, "missing.yml")}, logger).Connect(ctx)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestImageGrabber(t *testing.T) {
	ctx := context.Background()
	fn := filepath.Join(t.TempDir(), "still.png")
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	img.SetNRGBA(1, 1, color.NRGBA{G: 200, A: 255})
	test.That(t, rimage.WriteImageToFile(fn, img), test.ShouldBeNil)

	grabbers, err := CreateGrabbers(ctx, Params{ImagePath: fn, Synchronous: true}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, grabbers, test.ShouldHaveLength, 1)
	g := grabbers[0]
	test.That(t, g.Name(), test.ShouldEqual, "image:"+fn)
	test.That(t, g.Connect(ctx), test.ShouldBeNil)
	c := &frameCollector{}
	g.AddListener(c)
	test.That(t, g.Start(ctx), test.ShouldBeNil)
	g.Trigger()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, c.count(), test.ShouldEqual, 1)
	})
	g.Trigger()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, c.count(), test.ShouldEqual, 2)
	})
	test.That(t, g.Close(ctx), test.ShouldBeNil)
	test.That(t, c.frames[1].Index, test.ShouldEqual, 1)
	test.That(t, c.frames[1].Depth, test.ShouldBeNil)
	_, green, _, _ := c.frames[1].Color.At(1, 1).RGBA()
	test.That(t, green>>8, test.ShouldEqual, uint32(200))
}

type blockingListener struct {
	started chan int
	release chan struct{}
}

func (l *blockingListener) OnNewFrame(ctx context.Context, frame *rgbd.Frame) {
	l.started <- frame.Index
	<-l.release
}

func TestDroppingListener(t *testing.T) {
	inner := &blockingListener{started: make(chan int, 10), release: make(chan struct{})}
	dl := NewDroppingListener(inner, logging.NewTestLogger(t))
	ctx := context.Background()

	dl.OnNewFrame(ctx, &rgbd.Frame{Index: 0})
	test.That(t, <-inner.started, test.ShouldEqual, 0)

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 5; i++ {
			dl.OnNewFrame(ctx, &rgbd.Frame{Index: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer blocked on a busy listener")
	}
	test.That(t, dl.Dropped(), test.ShouldEqual, uint64(4))

	inner.release <- struct{}{}
	test.That(t, <-inner.started, test.ShouldEqual, 5)
	inner.release <- struct{}{}
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, dl.Delivered(), test.ShouldEqual, uint64(2))
	})
	test.That(t, dl.Close(), test.ShouldBeNil)
	dl.OnNewFrame(ctx, &rgbd.Frame{Index: 6})
	test.That(t, dl.Delivered(), test.ShouldEqual, uint64(2))
}
