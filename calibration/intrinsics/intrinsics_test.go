package intrinsics

import (
	"context"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rgbd/calibration"
	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/rgbd"
	"go.viam.com/rgbd/rimage"
	"go.viam.com/rgbd/rimage/transform"
	"go.viam.com/rgbd/spatialmath"
)

// viewPoses are board poses in the camera frame: a rotation vector and a translation.
var viewPoses = []struct {
	rvec, tvec r3.Vector
}{
	{r3.Vector{X: 0.25, Y: 0.1}, r3.Vector{X: -0.11, Y: -0.07, Z: 0.6}},
	{r3.Vector{X: -0.2, Y: 0.2, Z: 0.1}, r3.Vector{X: -0.1, Y: -0.08, Z: 0.55}},
	{r3.Vector{X: 0.1, Y: -0.3, Z: -0.05}, r3.Vector{X: -0.12, Y: -0.06, Z: 0.65}},
	{r3.Vector{X: -0.15, Y: -0.1, Z: 0.2}, r3.Vector{X: -0.09, Y: -0.09, Z: 0.6}},
	{r3.Vector{X: 0.3, Y: 0.05, Z: -0.1}, r3.Vector{X: -0.1, Y: -0.05, Z: 0.7}},
}

func poseFromRotationVector(rvec, tvec r3.Vector) spatialmath.Pose {
	theta := rvec.Norm()
	if theta == 0 {
		return spatialmath.NewPoseFromPoint(tvec)
	}
	axis := rvec.Mul(math.Sin(theta/2) / theta)
	return spatialmath.NewPose(tvec, quat.Number{Real: math.Cos(theta / 2), Imag: axis.X, Jmag: axis.Y, Kmag: axis.Z})
}

// projectedDetector returns the pattern projected through k from the pose whose index is stored
// in the first pixel of the image.
type projectedDetector struct {
	k      *transform.PinholeCameraIntrinsics
	poses  []spatialmath.Pose
	calls  int
	noFind bool
}

func (d *projectedDetector) Detect(ctx context.Context, img image.Image, pattern calibration.Pattern) ([]r2.Point, bool, error) {
	d.calls++
	if d.noFind {
		return nil, false, nil
	}
	idx := int(color.GrayModel.Convert(img.At(0, 0)).(color.Gray).Y) - 1
	if idx < 0 || idx >= len(d.poses) {
		return nil, false, errors.Errorf("unknown view marker %d", idx)
	}
	var pts []r2.Point
	for _, p := range pattern.ObjectPoints() {
		pts = append(pts, d.k.Project(spatialmath.TransformPoint(d.poses[idx], p), nil))
	}
	return pts, true, nil
}

// writeViews records n views whose images carry their index in the first pixel.
func writeViews(t *testing.T, dir string, n int, colorSize, irSize image.Point, depth rimage.Depth) {
	t.Helper()
	rec, err := rgbd.NewRecorder(dir, rgbd.RecorderOptions{SaveOnlyRaw: true, BinaryRaw: true}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < n; i++ {
		frame := &rgbd.Frame{Index: i}
		if colorSize != (image.Point{}) {
			img := image.NewGray(image.Rectangle{Max: colorSize})
			img.SetGray(0, 0, color.Gray{uint8(i + 1)})
			frame.Color = img
		}
		if irSize != (image.Point{}) {
			img := image.NewGray(image.Rectangle{Max: irSize})
			img.SetGray(0, 0, color.Gray{uint8(i + 1)})
			frame.Infrared = img
		}
		dm := rimage.NewEmptyDepthMap(640, 480)
		for y := 0; y < 480; y++ {
			for x := 0; x < 640; x++ {
				dm.Set(x, y, depth)
			}
		}
		frame.Depth = dm
		_, err := rec.Record(frame)
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, rec.Close(), test.ShouldBeNil)
}

func TestRunInvalidPattern(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.ImageDir = filepath.Join(dir, "does-not-exist")
	opts.CalibrationFile = filepath.Join(dir, "calibration.yml")
	opts.Pattern.Type = calibration.PatternType(12)
	det := &projectedDetector{}
	opts.Detector = det

	_, err := Run(context.Background(), opts, logging.NewTestLogger(t))
	test.That(t, errors.Is(err, calibration.ErrInvalidPatternType), test.ShouldBeTrue)
	test.That(t, det.calls, test.ShouldEqual, 0)
	_, err = os.Stat(opts.CalibrationFile)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestRunNotADirectory(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.ImageDir = filepath.Join(dir, "missing")
	opts.CalibrationFile = filepath.Join(dir, "calibration.yml")

	_, err := Run(context.Background(), opts, logging.NewTestLogger(t))
	test.That(t, errors.Is(err, ErrNotADirectory), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "missing is not a directory.")

	file := filepath.Join(dir, "file")
	test.That(t, os.WriteFile(file, nil, 0o600), test.ShouldBeNil)
	opts.ImageDir = file
	_, err = Run(context.Background(), opts, logging.NewTestLogger(t))
	test.That(t, errors.Is(err, ErrNotADirectory), test.ShouldBeTrue)
}

func TestRunNoGoodViews(t *testing.T) {
	dir := t.TempDir()
	views := filepath.Join(dir, "views")
	writeViews(t, views, 3, image.Pt(64, 48), image.Point{}, 800)

	det := &projectedDetector{noFind: true}
	opts := DefaultOptions()
	opts.ImageDir = views
	opts.CalibrationFile = filepath.Join(dir, "calibration.yml")
	opts.Detector = det

	res, err := Run(context.Background(), opts, logging.NewTestLogger(t))
	test.That(t, errors.Is(err, calibration.ErrNoGoodViews), test.ShouldBeTrue)
	test.That(t, det.calls, test.ShouldEqual, 3)
	test.That(t, res.Views, test.ShouldEqual, 3)
	test.That(t, res.Good, test.ShouldEqual, 0)
	test.That(t, len(res.Corners.All()), test.ShouldEqual, 3)
	test.That(t, res.Solution, test.ShouldBeNil)
	test.That(t, res.Scale, test.ShouldBeNil)
	_, err = os.Stat(opts.CalibrationFile)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestRunScaleFactor(t *testing.T) {
	dir := t.TempDir()
	views := filepath.Join(dir, "views")
	writeViews(t, views, 2, image.Pt(640, 480), image.Point{}, 800)
	// a view that cannot be loaded is skipped
	test.That(t, os.MkdirAll(filepath.Join(views, "view0099"), 0o750), test.ShouldBeNil)

	record := calibration.NewDefaultRecord()
	record.RGB.Intrinsics.Fx = 500
	record.RGB.Intrinsics.Fy = 500
	calibFile := filepath.Join(dir, "calibration.yml")
	test.That(t, record.Save(calibFile), test.ShouldBeNil)

	truth := &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 525, Fy: 525, Ppx: 319.5, Ppy: 239.5}
	det := &projectedDetector{k: truth, poses: []spatialmath.Pose{
		spatialmath.NewPoseFromPoint(r3.Vector{X: -0.1, Y: -0.07, Z: 0.8}),
		spatialmath.NewPoseFromPoint(r3.Vector{X: -0.05, Y: -0.1, Z: 0.8}),
	}}
	opts := DefaultOptions()
	opts.ImageDir = views
	opts.CalibrationFile = calibFile
	opts.Detector = det
	var stages []Stage
	detected, viewCount := -1, 0
	opts.Progress = func(stage Stage, done, total int) {
		if len(stages) == 0 || stages[len(stages)-1] != stage {
			stages = append(stages, stage)
		}
		if stage == StageDetect {
			detected, viewCount = done, total
		}
	}

	res, err := Run(context.Background(), opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stages, test.ShouldResemble, []Stage{StageDetect, StageSolve, StageSave})
	test.That(t, detected, test.ShouldEqual, 3)
	test.That(t, viewCount, test.ShouldEqual, 3)
	test.That(t, res.Views, test.ShouldEqual, 3)
	test.That(t, res.Good, test.ShouldEqual, 2)
	test.That(t, res.InitialFocal, test.ShouldEqual, 500.)
	test.That(t, res.Scale.Scale, test.ShouldAlmostEqual, 500./525., 1e-4)
	test.That(t, res.Solution, test.ShouldBeNil)

	saved, err := calibration.Load(calibFile)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, saved.RGB.Intrinsics.Fx, test.ShouldAlmostEqual, 525, 0.05)
	test.That(t, saved.RGB.Intrinsics.Fy, test.ShouldAlmostEqual, 525, 0.05)
	test.That(t, saved.RGB.Intrinsics.Ppx, test.ShouldEqual, 319.5)
	// depth has the color resolution
	test.That(t, saved.Depth.Intrinsics.Fx, test.ShouldEqual, saved.RGB.Intrinsics.Fx)
	test.That(t, saved.Depth.Intrinsics.Width, test.ShouldEqual, 640)

	summary := res.Summary()
	test.That(t, summary, test.ShouldContainSubstring, "view0000")
	test.That(t, summary, test.ShouldContainSubstring, "view0099")
	test.That(t, summary, test.ShouldContainSubstring, "scale factor")
	test.That(t, res.PlotErrors(filepath.Join(dir, "errors.png")), test.ShouldNotBeNil)
}

func TestRunScaleFactorMapsDepth(t *testing.T) {
	dir := t.TempDir()
	views := filepath.Join(dir, "views")
	// the depth camera sits 10cm behind the color camera
	writeViews(t, views, 2, image.Pt(640, 480), image.Point{}, 700)

	record := calibration.NewDefaultRecord()
	record.RGB.Intrinsics.Fx = 500
	record.RGB.Intrinsics.Fy = 500
	record.DepthToColor.TranslationVector = []float64{0, 0, 0.1}
	calibFile := filepath.Join(dir, "calibration.yml")
	test.That(t, record.Save(calibFile), test.ShouldBeNil)

	truth := &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 525, Fy: 525, Ppx: 319.5, Ppy: 239.5}
	det := &projectedDetector{k: truth, poses: []spatialmath.Pose{
		spatialmath.NewPoseFromPoint(r3.Vector{X: -0.1, Y: -0.07, Z: 0.8}),
		spatialmath.NewPoseFromPoint(r3.Vector{X: -0.05, Y: -0.1, Z: 0.8}),
	}}
	opts := DefaultOptions()
	opts.ImageDir = views
	opts.CalibrationFile = calibFile
	opts.Detector = det

	res, err := Run(context.Background(), opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Scale.Scale, test.ShouldAlmostEqual, 500./525., 1e-4)
	for _, v := range res.Corners.Good() {
		test.That(t, v.Depth.Width(), test.ShouldEqual, 640)
		test.That(t, v.Depth.GetDepth(320, 240), test.ShouldEqual, rimage.Depth(800))
	}
}

func TestRunColorIntrinsicsFile(t *testing.T) {
	dir := t.TempDir()
	views := filepath.Join(dir, "views")
	writeViews(t, views, 2, image.Pt(640, 480), image.Point{}, 800)
	calibFile := filepath.Join(dir, "calibration.yml")
	test.That(t, calibration.NewDefaultRecord().Save(calibFile), test.ShouldBeNil)

	jsonFile := filepath.Join(dir, "intrinsics.json")
	test.That(t, os.WriteFile(jsonFile,
		[]byte(`{"width_px": 640, "height_px": 480, "fx": 500, "fy": 500, "ppx": 319.5, "ppy": 239.5}`), 0o600),
		test.ShouldBeNil)

	truth := &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 525, Fy: 525, Ppx: 319.5, Ppy: 239.5}
	det := &projectedDetector{k: truth, poses: []spatialmath.Pose{
		spatialmath.NewPoseFromPoint(r3.Vector{X: -0.1, Y: -0.07, Z: 0.8}),
		spatialmath.NewPoseFromPoint(r3.Vector{X: -0.05, Y: -0.1, Z: 0.8}),
	}}
	opts := DefaultOptions()
	opts.ImageDir = views
	opts.CalibrationFile = calibFile
	opts.ColorIntrinsicsFile = jsonFile
	opts.Detector = det

	res, err := Run(context.Background(), opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.InitialFocal, test.ShouldEqual, 500.)
	test.That(t, res.Scale.Scale, test.ShouldAlmostEqual, 500./525., 1e-4)
	saved, err := calibration.Load(calibFile)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, saved.RGB.Intrinsics.Fx, test.ShouldAlmostEqual, 525, 0.05)

	t.Run("invalid", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		test.That(t, os.WriteFile(bad, []byte(`{"width_px": 640, "height_px": 480}`), 0o600), test.ShouldBeNil)
		opts.ColorIntrinsicsFile = bad
		det.calls = 0
		_, err := Run(context.Background(), opts, logging.NewTestLogger(t))
		test.That(t, errors.Is(err, transform.ErrNoIntrinsics), test.ShouldBeTrue)
		test.That(t, det.calls, test.ShouldEqual, 0)

		opts.ColorIntrinsicsFile = filepath.Join(dir, "missing.json")
		_, err = Run(context.Background(), opts, logging.NewTestLogger(t))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "error reading JSON file")
	})
}

func TestRunFullSolve(t *testing.T) {
	dir := t.TempDir()
	views := filepath.Join(dir, "views")
	writeViews(t, views, len(viewPoses), image.Pt(640, 480), image.Point{}, 800)

	truth := &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 520, Fy: 515, Ppx: 319.5, Ppy: 239.5}
	det := &projectedDetector{k: truth}
	for _, v := range viewPoses {
		det.poses = append(det.poses, poseFromRotationVector(v.rvec, v.tvec))
	}
	opts := DefaultOptions()
	opts.ImageDir = views
	opts.CalibrationFile = filepath.Join(dir, "calibration.yml")
	opts.ScaleFactorOnly = false
	opts.Detector = det

	// the calibration file does not exist yet: the run starts from the defaults
	res, err := Run(context.Background(), opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Good, test.ShouldEqual, len(viewPoses))
	test.That(t, res.Solution, test.ShouldNotBeNil)
	test.That(t, res.Solution.RMS, test.ShouldBeLessThan, 1e-3)

	saved, err := calibration.Load(opts.CalibrationFile)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, saved.RGB.Intrinsics.Fx, test.ShouldAlmostEqual, 520, 0.5)
	test.That(t, saved.RGB.Intrinsics.Fy, test.ShouldAlmostEqual, 515, 0.5)
	test.That(t, saved.RGB.Distortion, test.ShouldBeNil)
	test.That(t, saved.Depth.Intrinsics.Fx, test.ShouldEqual, saved.RGB.Intrinsics.Fx)
	test.That(t, res.Summary(), test.ShouldContainSubstring, "RMS")

	chart := filepath.Join(dir, "errors.png")
	test.That(t, res.PlotErrors(chart), test.ShouldBeNil)
	info, err := os.Stat(chart)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)
}

func TestRunInfrared(t *testing.T) {
	dir := t.TempDir()
	views := filepath.Join(dir, "views")
	writeViews(t, views, 4, image.Point{}, image.Pt(1280, 1024), 800)

	truth := &transform.PinholeCameraIntrinsics{Width: 1280, Height: 1024, Fx: 1100, Fy: 1100, Ppx: 640, Ppy: 512}
	det := &projectedDetector{k: truth}
	for _, v := range viewPoses[:4] {
		det.poses = append(det.poses, poseFromRotationVector(v.rvec, v.tvec))
	}
	opts := DefaultOptions()
	opts.ImageDir = views
	opts.CalibrationFile = filepath.Join(dir, "calibration.yml")
	opts.Infrared = true
	opts.Detector = det

	res, err := Run(context.Background(), opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Good, test.ShouldEqual, 4)

	saved, err := calibration.Load(opts.CalibrationFile)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, saved.Infrared.Intrinsics.Fx, test.ShouldAlmostEqual, 1100, 1)
	test.That(t, saved.Infrared.Intrinsics.Fy, test.ShouldEqual, saved.Infrared.Intrinsics.Fx)
	depth := saved.Depth.Intrinsics
	test.That(t, depth.Width, test.ShouldEqual, 640)
	test.That(t, depth.Height, test.ShouldEqual, 480)
	test.That(t, depth.Fx, test.ShouldAlmostEqual, saved.Infrared.Intrinsics.Fx/2, 1e-9)
	test.That(t, depth.Ppy, test.ShouldAlmostEqual, (saved.Infrared.Intrinsics.Ppy-32)/2, 1e-9)
}

func TestRunInfraredFixedCenter(t *testing.T) {
	dir := t.TempDir()
	views := filepath.Join(dir, "views")
	writeViews(t, views, 4, image.Point{}, image.Pt(1280, 1024), 800)

	truth := &transform.PinholeCameraIntrinsics{Width: 1280, Height: 1024, Fx: 1100, Fy: 1100, Ppx: 670, Ppy: 490}
	det := &projectedDetector{k: truth}
	for _, v := range viewPoses[:4] {
		det.poses = append(det.poses, poseFromRotationVector(v.rvec, v.tvec))
	}
	opts := DefaultOptions()
	opts.ImageDir = views
	opts.CalibrationFile = filepath.Join(dir, "calibration.yml")
	opts.Infrared = true
	opts.Detector = det

	_, err := Run(context.Background(), opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	saved, err := calibration.Load(opts.CalibrationFile)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, saved.Infrared.Intrinsics.Ppx, test.ShouldEqual, 640.)
	test.That(t, saved.Infrared.Intrinsics.Ppy, test.ShouldEqual, 512.)

	// without the constraint the principal point is estimated
	opts.FixPrincipalPoint = false
	opts.CalibrationFile = filepath.Join(dir, "free.yml")
	_, err = Run(context.Background(), opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	saved, err = calibration.Load(opts.CalibrationFile)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, saved.Infrared.Intrinsics.Ppx, test.ShouldAlmostEqual, 670, 1)
	test.That(t, saved.Infrared.Intrinsics.Ppy, test.ShouldAlmostEqual, 490, 1)
}

func TestRunCorruptCalibration(t *testing.T) {
	dir := t.TempDir()
	views := filepath.Join(dir, "views")
	writeViews(t, views, 1, image.Pt(64, 48), image.Point{}, 800)
	calibFile := filepath.Join(dir, "calibration.yml")
	test.That(t, os.WriteFile(calibFile, []byte("rgb: [broken"), 0o600), test.ShouldBeNil)

	opts := DefaultOptions()
	opts.ImageDir = views
	opts.CalibrationFile = calibFile
	opts.Detector = &projectedDetector{noFind: true}
	_, err := Run(context.Background(), opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, calibration.ErrNoGoodViews), test.ShouldBeFalse)
}

func TestOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	test.That(t, opts.Validate(), test.ShouldNotBeNil)
	opts.ImageDir = "views"
	test.That(t, opts.Validate(), test.ShouldBeNil)
	test.That(t, opts.solveFlags(), test.ShouldEqual, calibration.IgnoreDistortion|calibration.FixPrincipalPoint)
	opts.CalibrationFile = ""
	test.That(t, opts.Validate(), test.ShouldNotBeNil)
}
