package transform

import (
	"math"

	"github.com/pkg/errors"

	"go.viam.com/rgbd/rimage"
)

// AlignDepthToColor re-projects a depth map into the color camera frame: each depth pixel is
// back-projected with the depth intrinsics, moved by the depth-to-color extrinsics and projected
// with the color intrinsics. When several depths land on one color pixel the nearest wins.
func AlignDepthToColor(
	dm *rimage.DepthMap,
	depthParams, colorParams *PinholeCameraIntrinsics,
	depthToColor *Extrinsics,
) (*rimage.DepthMap, error) {
	if dm == nil {
		return nil, errors.New("input DepthMap is nil")
	}
	if err := depthParams.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "depth intrinsics")
	}
	if err := colorParams.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "color intrinsics")
	}
	if depthToColor == nil {
		depthToColor = NewIdentityExtrinsics()
	}
	if err := depthToColor.CheckValid(); err != nil {
		return nil, err
	}

	sx := float64(depthParams.Width) / float64(dm.Width())
	sy := float64(depthParams.Height) / float64(dm.Height())
	aligned := rimage.NewEmptyDepthMap(colorParams.Width, colorParams.Height)
	for y := 0; y < dm.Height(); y++ {
		for x := 0; x < dm.Width(); x++ {
			d := dm.GetDepth(x, y)
			if d == 0 {
				continue
			}
			z := float64(d) / 1000.
			px, py, pz := depthParams.PixelToPoint(float64(x)*sx, float64(y)*sy, z)
			cx, cy, cz := depthToColor.TransformPointToPoint(px, py, pz)
			if cz <= 0 {
				continue
			}
			u, v := colorParams.PointToPixel(cx, cy, cz)
			iu, iv := int(math.Round(u)), int(math.Round(v))
			if !aligned.Contains(iu, iv) {
				continue
			}
			newDepth := rimage.Depth(math.Min(math.Round(cz*1000), float64(rimage.MaxDepth)))
			if cur := aligned.GetDepth(iu, iv); cur == 0 || newDepth < cur {
				aligned.Set(iu, iv, newDepth)
			}
		}
	}
	return aligned, nil
}
