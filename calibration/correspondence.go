package calibration

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/rgbd/rimage"
)

// ErrNoGoodViews is returned when no view can be used for a solve.
var ErrNoGoodViews = errors.New("no view with a detected pattern")

// ViewCorners are the pattern features detected in one view, in pattern order.
type ViewCorners struct {
	Name    string
	Found   bool
	Corners []r2.Point
	// Depth is the view's depth map when it has one, mapped into the color image when the
	// calibration allows it.
	Depth *rimage.DepthMap
}

// CorrespondenceSet holds the detection result of every view, good or rejected.
type CorrespondenceSet struct {
	Pattern Pattern
	Views   []ViewCorners
}

// Add appends the result for one view. A view counts as good only when the pattern was found
// with the expected number of features.
func (cs *CorrespondenceSet) Add(vc ViewCorners) {
	if vc.Found && len(vc.Corners) != cs.Pattern.NumPoints() {
		vc.Found = false
	}
	cs.Views = append(cs.Views, vc)
}

// All returns every view, including those where the pattern was rejected.
func (cs *CorrespondenceSet) All() []ViewCorners {
	return cs.Views
}

// Good returns only the views where the pattern was found.
func (cs *CorrespondenceSet) Good() []ViewCorners {
	return lo.Filter(cs.Views, func(v ViewCorners, _ int) bool { return v.Found })
}

// SolverInput returns the object and image points of the good views.
func (cs *CorrespondenceSet) SolverInput() ([][]r3.Vector, [][]r2.Point) {
	good := cs.Good()
	object := cs.Pattern.ObjectPoints()
	objectPoints := lo.Map(good, func(ViewCorners, int) []r3.Vector { return object })
	imagePoints := lo.Map(good, func(v ViewCorners, _ int) []r2.Point { return v.Corners })
	return objectPoints, imagePoints
}
