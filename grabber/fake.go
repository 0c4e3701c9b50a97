package grabber

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/golang/geo/r3"

	"go.viam.com/rgbd/calibration"
	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/rgbd"
	"go.viam.com/rgbd/rimage"
	"go.viam.com/rgbd/rimage/transform"
)

// Synthetic scene: a floor plane tilted towards the camera with a box standing in front of it.
const (
	fakeWidth       = 640
	fakeHeight      = 480
	fakeFocal       = 525.0
	fakePlaneDist   = 1.0
	fakePlaneTilt   = 20.0
	fakeSquareSize  = 0.05
	fakeNoiseStdDev = 1.0
)

var (
	fakeBoxMin = r3.Vector{X: -0.1, Y: -0.05, Z: 0.7}
	fakeBoxMax = r3.Vector{X: 0.1, Y: 0.15, Z: 0.9}
)

func discoverFake(ctx context.Context, params Params, logger logging.Logger) ([]Grabber, error) {
	if params.Family != FamilyFake {
		return nil, nil
	}
	return []Grabber{NewFakeGrabber(params, logger)}, nil
}

// NewFakeGrabber renders a static synthetic scene. Depth noise is deterministic for a seed and a
// frame index.
func NewFakeGrabber(params Params, logger logging.Logger) Grabber {
	src := &fakeSource{seed: params.Seed, highRes: params.HighResolution}
	return newStreamGrabber(fmt.Sprintf("fake:%d", params.CameraID), params, src, logger)
}

// FakeCalibration is the calibration of the synthetic camera.
func FakeCalibration(highRes bool) *calibration.Record {
	depth := &transform.PinholeCameraIntrinsics{
		Width: fakeWidth, Height: fakeHeight,
		Fx: fakeFocal, Fy: fakeFocal,
		Ppx: (fakeWidth - 1) / 2.0, Ppy: (fakeHeight - 1) / 2.0,
	}
	rgb := depth.Clone()
	if highRes {
		rgb = &transform.PinholeCameraIntrinsics{
			Width: 2 * fakeWidth, Height: 2 * fakeHeight,
			Fx: 2 * fakeFocal, Fy: 2 * fakeFocal,
			Ppx: (2*fakeWidth - 1) / 2.0, Ppy: (2*fakeHeight - 1) / 2.0,
		}
	}
	rec := &calibration.Record{
		RGB:          &calibration.SensorParams{Intrinsics: rgb},
		Depth:        &calibration.SensorParams{Intrinsics: depth},
		DepthToColor: transform.NewIdentityExtrinsics(),
		RawDepthUnit: "mm",
	}
	rec.UpdatePoses()
	return rec
}

type fakeSource struct {
	seed    int64
	highRes bool
	calib   *calibration.Record
	depth   *rimage.DepthMap
	color   image.Image
}

func (s *fakeSource) connect(ctx context.Context) (*calibration.Record, error) {
	s.calib = FakeCalibration(s.highRes)
	s.depth = renderDepth(s.calib.Depth.Intrinsics)
	s.color = renderColor(s.calib.RGB.Intrinsics)
	return s.calib.Clone(), nil
}

func (s *fakeSource) next(ctx context.Context, index int) (*rgbd.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	//nolint:gosec
	r := rand.New(rand.NewSource(s.seed + int64(index)))
	dm := s.depth.Clone()
	for y := 0; y < dm.Height(); y++ {
		for x := 0; x < dm.Width(); x++ {
			d := dm.GetDepth(x, y)
			if d == 0 {
				continue
			}
			noisy := math.Round(float64(d) + r.NormFloat64()*fakeNoiseStdDev)
			dm.Set(x, y, rimage.Depth(math.Max(1, noisy)))
		}
	}
	return &rgbd.Frame{Name: fmt.Sprintf("fake%04d", index), Color: s.color, Depth: dm}, nil
}

func (s *fakeSource) close() error {
	return nil
}

// castRay returns the distance along the ray (dx, dy, 1) to the scene, the hit point and whether
// the box was hit.
func castRay(dx, dy float64) (float64, r3.Vector, bool) {
	ray := r3.Vector{X: dx, Y: dy, Z: 1}
	tilt := fakePlaneTilt * math.Pi / 180
	normal := r3.Vector{X: 0, Y: math.Sin(tilt), Z: -math.Cos(tilt)}
	best := math.Inf(1)
	denom := normal.Dot(ray)
	if denom != 0 {
		// The plane contains (0, 0, fakePlaneDist).
		t := -fakePlaneDist * math.Cos(tilt) / denom
		if t > 0 {
			best = t
		}
	}
	hitBox := false
	if t, ok := rayBox(ray, fakeBoxMin, fakeBoxMax); ok && t < best {
		best = t
		hitBox = true
	}
	return best, ray.Mul(best), hitBox
}

// rayBox intersects a ray from the origin with an axis aligned box.
func rayBox(ray, lo, hi r3.Vector) (float64, bool) {
	tmin, tmax := math.Inf(-1), math.Inf(1)
	for _, axis := range [][3]float64{{ray.X, lo.X, hi.X}, {ray.Y, lo.Y, hi.Y}, {ray.Z, lo.Z, hi.Z}} {
		d, l, h := axis[0], axis[1], axis[2]
		if d == 0 {
			if l > 0 || h < 0 {
				return 0, false
			}
			continue
		}
		t1, t2 := l/d, h/d
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tmin = math.Max(tmin, t1)
		tmax = math.Min(tmax, t2)
	}
	if tmax < tmin || tmax <= 0 {
		return 0, false
	}
	return tmin, true
}

func renderDepth(params *transform.PinholeCameraIntrinsics) *rimage.DepthMap {
	dm := rimage.NewEmptyDepthMap(params.Width, params.Height)
	for y := 0; y < params.Height; y++ {
		for x := 0; x < params.Width; x++ {
			t, _, _ := castRay((float64(x)-params.Ppx)/params.Fx, (float64(y)-params.Ppy)/params.Fy)
			if math.IsInf(t, 0) {
				continue
			}
			// t is the depth because rays have a unit z component.
			dm.Set(x, y, rimage.Depth(math.Min(float64(rimage.MaxDepth), math.Round(t*1000))))
		}
	}
	return dm
}

func renderColor(params *transform.PinholeCameraIntrinsics) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, params.Width, params.Height))
	for y := 0; y < params.Height; y++ {
		for x := 0; x < params.Width; x++ {
			t, p, box := castRay((float64(x)-params.Ppx)/params.Fx, (float64(y)-params.Ppy)/params.Fy)
			switch {
			case math.IsInf(t, 0):
				img.SetNRGBA(x, y, color.NRGBA{A: 255})
			case box:
				shade := uint8(150 + 100*(p.Y-fakeBoxMin.Y)/(fakeBoxMax.Y-fakeBoxMin.Y))
				img.SetNRGBA(x, y, color.NRGBA{R: shade, G: 40, B: 40, A: 255})
			default:
				i := int(math.Floor(p.X/fakeSquareSize)) + int(math.Floor(p.Z/fakeSquareSize))
				if i%2 == 0 {
					img.SetNRGBA(x, y, color.NRGBA{R: 230, G: 230, B: 230, A: 255})
				} else {
					img.SetNRGBA(x, y, color.NRGBA{R: 30, G: 30, B: 30, A: 255})
				}
			}
		}
	}
	return img
}
