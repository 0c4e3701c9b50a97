package chessboard

import (
	"context"
	"image"
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rgbd/rimage"
)

// CornerConfiguration stores the parameters to verify and refine saddle points into chessboard corners.
type CornerConfiguration struct {
	BlurSigma    float64 `json:"blur-sigma"`    // gaussian blur applied before the saddle map
	RingRadius   float64 `json:"ring-radius"`   // radius in pixels of the sampling ring of the X-junction test
	MinResponse  float64 `json:"min-response"`  // X-junction response threshold, relative to the image contrast
	RefineWindow int     `json:"refine-window"` // half window of the subpixel refinement
	MergeRadius  float64 `json:"merge-radius"`  // corners closer than this after refinement are merged
}

// DefaultCornerConf stores the default corner parameters.
var DefaultCornerConf = CornerConfiguration{
	BlurSigma:    1.0,
	RingRadius:   4,
	MinResponse:  1.0,
	RefineWindow: 4,
	MergeRadius:  1.5,
}

type corner struct {
	pt       r2.Point
	response float64
}

// bilinear samples m at the real position (x, y), clamping to the borders.
func bilinear(m *mat.Dense, x, y float64) float64 {
	h, w := m.Dims()
	x = math.Max(0, math.Min(float64(w-1), x))
	y = math.Max(0, math.Min(float64(h-1), y))
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	fx, fy := x-float64(x0), y-float64(y0)
	top := m.At(y0, x0)*(1-fx) + m.At(y0, x1)*fx
	bottom := m.At(y1, x0)*(1-fx) + m.At(y1, x1)*fx
	return top*(1-fy) + bottom*fy
}

// xJunctionResponse samples 16 points on a ring around (x, y). A chessboard corner has opposite
// samples alike and samples a quarter turn apart different; edges and L corners score negative.
func xJunctionResponse(m *mat.Dense, x, y, radius float64) float64 {
	var ring [16]float64
	for n := range ring {
		angle := float64(n) * math.Pi / 8
		ring[n] = bilinear(m, x+radius*math.Cos(angle), y+radius*math.Sin(angle))
	}
	sum := 0.
	for n := 0; n < 4; n++ {
		sum += math.Abs(ring[n] + ring[n+8] - ring[n+4] - ring[n+12])
	}
	diff := 0.
	for n := 0; n < 8; n++ {
		diff += math.Abs(ring[n] - ring[n+8])
	}
	return sum - diff
}

// refineCorner moves a corner estimate to the point where the image gradients of its
// neighbourhood are orthogonal to the direction from the corner.
func refineCorner(gx, gy *mat.Dense, start r2.Point, halfWin int) r2.Point {
	h, w := gx.Dims()
	p := start
	for iter := 0; iter < 10; iter++ {
		var a11, a12, a22, b1, b2 float64
		cx, cy := int(math.Round(p.X)), int(math.Round(p.Y))
		for y := cy - halfWin; y <= cy+halfWin; y++ {
			for x := cx - halfWin; x <= cx+halfWin; x++ {
				if x < 0 || y < 0 || x >= w || y >= h {
					continue
				}
				dx, dy := gx.At(y, x), gy.At(y, x)
				a11 += dx * dx
				a12 += dx * dy
				a22 += dy * dy
				b1 += dx*dx*float64(x) + dx*dy*float64(y)
				b2 += dx*dy*float64(x) + dy*dy*float64(y)
			}
		}
		det := a11*a22 - a12*a12
		if det <= 1e-9 {
			return p
		}
		next := r2.Point{X: (a22*b1 - a12*b2) / det, Y: (a11*b2 - a12*b1) / det}
		if next.Sub(start).Norm() > float64(halfWin) {
			return p
		}
		moved := next.Sub(p).Norm()
		p = next
		if moved < 0.01 {
			break
		}
	}
	return p
}

// FindCorners returns the refined X-junctions of an image, strongest first.
func FindCorners(ctx context.Context, img image.Image, saddleConf *SaddleConfiguration, cornerConf *CornerConfiguration) ([]r2.Point, error) {
	blurred := img
	if cornerConf.BlurSigma > 0 {
		blurred = rimage.Blur(img, cornerConf.BlurSigma)
	}
	gray := rimage.ImageToGrayFloat(blurred)
	contrast := mat.Max(gray) - mat.Min(gray)
	if contrast <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, saddles := GetSaddleMapPoints(gray, saddleConf)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sobelX := rimage.GetSobelX()
	sobelY := rimage.GetSobelY()
	gx := rimage.ConvolveGrayFloat64(gray, &sobelX)
	gy := rimage.ConvolveGrayFloat64(gray, &sobelY)

	threshold := cornerConf.MinResponse * contrast
	corners := make([]corner, 0, len(saddles))
	for _, s := range saddles {
		resp := xJunctionResponse(gray, float64(s.X), float64(s.Y), cornerConf.RingRadius)
		if resp < threshold {
			continue
		}
		pt := refineCorner(gx, gy, r2.Point{X: float64(s.X), Y: float64(s.Y)}, cornerConf.RefineWindow)
		corners = append(corners, corner{pt: pt, response: resp})
	}
	sort.Slice(corners, func(i, j int) bool { return corners[i].response > corners[j].response })

	merged := make([]r2.Point, 0, len(corners))
	for _, c := range corners {
		duplicate := false
		for _, m := range merged {
			if m.Sub(c.pt).Norm() < cornerConf.MergeRadius {
				duplicate = true
				break
			}
		}
		if !duplicate {
			merged = append(merged, c.pt)
		}
	}
	return merged, nil
}
