package calibration

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"go.viam.com/rgbd/rimage"
	"go.viam.com/rgbd/rimage/transform"
)

// ScaleEstimate is the result of the focal length scale estimation.
type ScaleEstimate struct {
	Scale float64
	// Pairs is the number of neighbouring corner pairs measured.
	Pairs int
	// Spread is the median absolute deviation of the per pair ratios.
	Spread float64
}

// ScaleFactor estimates the factor s such that the color focal lengths divided by s agree with
// the metric size of the pattern seen by the depth camera. Corners of every view with a depth map
// are undistorted and back-projected with the color intrinsics and the depth sampled at the
// matching depth pixel, which is the corner itself for depth already mapped to color; s is the median of expected over measured distance between neighbouring
// corners. distortion may be nil.
func ScaleFactor(
	views []ViewCorners,
	pattern Pattern,
	color *transform.PinholeCameraIntrinsics,
	distortion *transform.BrownConrady,
) (*ScaleEstimate, error) {
	if err := color.CheckValid(); err != nil {
		return nil, err
	}
	object := pattern.ObjectPoints()
	pairs := pattern.Neighbors()
	var ratios stats.Float64Data
	for _, v := range views {
		if v.Depth == nil || len(v.Corners) != pattern.NumPoints() {
			continue
		}
		ratio := float64(color.Width) / float64(v.Depth.Width())
		points := make([]r3.Vector, len(v.Corners))
		valid := make([]bool, len(v.Corners))
		for i, c := range v.Corners {
			d := sampleDepth(v.Depth, c.X/ratio, c.Y/ratio)
			if d == 0 {
				continue
			}
			points[i] = color.Unproject(c, float64(d)/1000., distortion)
			valid[i] = true
		}
		for _, p := range pairs {
			if !valid[p[0]] || !valid[p[1]] {
				continue
			}
			measured := points[p[0]].Distance(points[p[1]])
			if measured == 0 {
				continue
			}
			ratios = append(ratios, object[p[0]].Distance(object[p[1]])/measured)
		}
	}
	if len(ratios) == 0 {
		return nil, errors.Wrap(ErrNoGoodViews, "no corner with depth to measure the scale factor")
	}
	median, err := ratios.Median()
	if err != nil {
		return nil, err
	}
	spread, err := stats.MedianAbsoluteDeviation(ratios)
	if err != nil {
		return nil, err
	}
	return &ScaleEstimate{Scale: median, Pairs: len(ratios), Spread: spread}, nil
}

// sampleDepth returns the median of the valid depths in the 3x3 neighbourhood of (x, y).
func sampleDepth(dm *rimage.DepthMap, x, y float64) rimage.Depth {
	cx, cy := int(math.Round(x)), int(math.Round(y))
	var found []int
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if !dm.Contains(cx+dx, cy+dy) {
				continue
			}
			if d := dm.GetDepth(cx+dx, cy+dy); d != 0 {
				found = append(found, int(d))
			}
		}
	}
	if len(found) == 0 {
		return 0
	}
	sort.Ints(found)
	return rimage.Depth(found[len(found)/2])
}
