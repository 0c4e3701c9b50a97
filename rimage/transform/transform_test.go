package transform

import (
	"encoding/json"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/rgbd/rimage"
)

var kinectColor = &PinholeCameraIntrinsics{
	Width:  640,
	Height: 480,
	Fx:     525,
	Fy:     525,
	Ppx:    319.5,
	Ppy:    239.5,
}

func TestCheckValid(t *testing.T) {
	test.That(t, kinectColor.CheckValid(), test.ShouldBeNil)

	var missing *PinholeCameraIntrinsics
	err := missing.CheckValid()
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)

	bad := kinectColor.Clone()
	bad.Fx = 0
	err = bad.CheckValid()
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "Invalid focal length Fx")
}

func TestDownscaled(t *testing.T) {
	depth := kinectColor.Downscaled(2)
	test.That(t, depth.Width, test.ShouldEqual, 320)
	test.That(t, depth.Height, test.ShouldEqual, 240)
	test.That(t, depth.Fx, test.ShouldEqual, 262.5)
	test.That(t, depth.Ppy, test.ShouldEqual, 119.75)
	// the source is untouched
	test.That(t, kinectColor.Fx, test.ShouldEqual, 525.)
}

func TestPixelPointRoundTrip(t *testing.T) {
	x, y, z := kinectColor.PixelToPoint(100, 50, 1.2)
	u, v := kinectColor.PointToPixel(x, y, z)
	test.That(t, u, test.ShouldAlmostEqual, 100)
	test.That(t, v, test.ShouldAlmostEqual, 50)

	u, v = kinectColor.PointToPixel(1, 1, 0)
	test.That(t, u, test.ShouldEqual, -1.)
	test.That(t, v, test.ShouldEqual, -1.)

	pt := kinectColor.Project(r3.Vector{X: 0, Y: 0, Z: 2}, nil)
	test.That(t, pt.X, test.ShouldEqual, 319.5)

	cam := kinectColor.GetCameraMatrix()
	test.That(t, cam.At(0, 2), test.ShouldEqual, 319.5)
	test.That(t, cam.At(2, 2), test.ShouldEqual, 1.)
}

func TestIntrinsicsJSON(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "intrinsics.json")
	data, err := json.Marshal(kinectColor)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldContainSubstring, `"width_px":640`)
	test.That(t, os.WriteFile(fn, data, 0o600), test.ShouldBeNil)

	loaded, err := NewPinholeCameraIntrinsicsFromJSONFile(fn)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, kinectColor)

	_, err = NewPinholeCameraIntrinsicsFromJSONFile(filepath.Join(t.TempDir(), "nope.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestUnproject(t *testing.T) {
	k := &PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 525, Fy: 525, Ppx: 319.5, Ppy: 239.5}
	bc, err := NewBrownConrady([]float64{0.08, -0.15})
	test.That(t, err, test.ShouldBeNil)

	p := r3.Vector{X: 0.12, Y: -0.07, Z: 0.9}
	for _, d := range []*BrownConrady{nil, bc} {
		var distortion Distorter
		if d != nil {
			distortion = d
		}
		back := k.Unproject(k.Project(p, distortion), p.Z, d)
		test.That(t, back.X, test.ShouldAlmostEqual, p.X, 1e-6)
		test.That(t, back.Y, test.ShouldAlmostEqual, p.Y, 1e-6)
		test.That(t, back.Z, test.ShouldEqual, p.Z)
	}
}

func TestBrownConradyInverse(t *testing.T) {
	bc, err := NewBrownConrady([]float64{0.12, -0.25, 0.001, -0.0005, 0.05})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bc.Parameters(), test.ShouldResemble, []float64{0.12, -0.25, 0.001, -0.0005, 0.05})

	for _, pt := range [][2]float64{{0, 0}, {0.3, -0.2}, {-0.4, 0.35}} {
		xd, yd := bc.Transform(pt[0], pt[1])
		xu, yu := bc.Inverse().Transform(xd, yd)
		test.That(t, xu, test.ShouldAlmostEqual, pt[0], 1e-8)
		test.That(t, yu, test.ShouldAlmostEqual, pt[1], 1e-8)
	}

	_, err = NewBrownConrady(make([]float64, 6))
	test.That(t, err, test.ShouldNotBeNil)

	short, err := NewBrownConrady([]float64{0.1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, short.RadialK3, test.ShouldEqual, 0.)

	var none *BrownConrady
	test.That(t, none.IsZero(), test.ShouldBeTrue)
	test.That(t, none.CheckValid(), test.ShouldNotBeNil)
	x, y := none.Transform(0.1, 0.2)
	test.That(t, []float64{x, y}, test.ShouldResemble, []float64{0.1, 0.2})
}

func TestNewDistorter(t *testing.T) {
	d, err := NewDistorter(BrownConradyDistortionType, []float64{0.1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.ModelType(), test.ShouldEqual, BrownConradyDistortionType)

	d, err = NewDistorter(InverseBrownConradyDistortionType, []float64{0.1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.ModelType(), test.ShouldEqual, InverseBrownConradyDistortionType)

	_, err = NewDistorter("kannala_brandt", nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestExtrinsics(t *testing.T) {
	e := NewIdentityExtrinsics()
	test.That(t, e.CheckValid(), test.ShouldBeNil)
	e.TranslationVector = []float64{0.025, 0, 0}
	x, y, z := e.TransformPointToPoint(1, 2, 3)
	test.That(t, []float64{x, y, z}, test.ShouldResemble, []float64{1.025, 2, 3})
	test.That(t, e.Translation().X, test.ShouldEqual, 0.025)

	bad := &Extrinsics{RotationMatrix: []float64{1}}
	test.That(t, bad.CheckValid(), test.ShouldNotBeNil)
}

func TestAlignDepthToColor(t *testing.T) {
	depthParams := kinectColor.Downscaled(2)
	dm := rimage.NewEmptyDepthMap(320, 240)
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			dm.Set(x, y, 1000)
		}
	}
	aligned, err := AlignDepthToColor(dm, depthParams, kinectColor, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, aligned.Width(), test.ShouldEqual, 640)
	test.That(t, aligned.GetDepth(320, 240), test.ShouldEqual, rimage.Depth(1000))

	// depths past the farthest representable one saturate instead of wrapping
	far := rimage.NewEmptyDepthMap(320, 240)
	far.Set(160, 120, 65000)
	behind := NewIdentityExtrinsics()
	behind.TranslationVector = []float64{0, 0, 1}
	aligned, err = AlignDepthToColor(far, depthParams, kinectColor, behind)
	test.That(t, err, test.ShouldBeNil)
	var found []rimage.Depth
	for y := 0; y < aligned.Height(); y++ {
		for x := 0; x < aligned.Width(); x++ {
			if d := aligned.GetDepth(x, y); d != 0 {
				found = append(found, d)
			}
		}
	}
	test.That(t, found, test.ShouldResemble, []rimage.Depth{rimage.MaxDepth})

	_, err = AlignDepthToColor(dm, nil, kinectColor, nil)
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)
}

func TestDepthToPointCloud(t *testing.T) {
	dm := rimage.NewEmptyDepthMap(640, 480)
	dm.Set(319, 239, 2000)
	dm.Set(10, 10, 1000)
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	img.Set(10, 10, color.RGBA{200, 100, 50, 255})

	pc, err := kinectColor.DepthToPointCloud(dm, img, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, 2)
	test.That(t, pc.MetaData().HasColor, test.ShouldBeTrue)
	test.That(t, pc.MetaData().MaxZ, test.ShouldEqual, 2.)

	_, err = (&PinholeCameraIntrinsics{}).DepthToPointCloud(dm, nil, 1)
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)
}
