package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// normalization returns the similarity that moves the centroid of pts to the origin and scales
// their mean distance to sqrt(2).
func normalization(pts []r2.Point) *mat.Dense {
	var c r2.Point
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(pts)))
	mean := 0.
	for _, p := range pts {
		mean += p.Sub(c).Norm()
	}
	mean /= float64(len(pts))
	s := 1.
	if mean > 0 {
		s = math.Sqrt2 / mean
	}
	return mat.NewDense(3, 3, []float64{
		s, 0, -s * c.X,
		0, s, -s * c.Y,
		0, 0, 1,
	})
}

func applyHomography(h mat.Matrix, p r2.Point) r2.Point {
	x := h.At(0, 0)*p.X + h.At(0, 1)*p.Y + h.At(0, 2)
	y := h.At(1, 0)*p.X + h.At(1, 1)*p.Y + h.At(1, 2)
	w := h.At(2, 0)*p.X + h.At(2, 1)*p.Y + h.At(2, 2)
	return r2.Point{X: x / w, Y: y / w}
}

// FindHomography estimates the plane-to-image homography mapping src onto dst with the
// normalized direct linear transform. It needs at least four correspondences.
func FindHomography(src, dst []r2.Point) (*mat.Dense, error) {
	if len(src) != len(dst) {
		return nil, errors.Errorf("mismatched correspondences: %d source, %d destination", len(src), len(dst))
	}
	if len(src) < 4 {
		return nil, errors.Errorf("need at least 4 correspondences, got %d", len(src))
	}
	tSrc := normalization(src)
	tDst := normalization(dst)

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range src {
		s := applyHomography(tSrc, src[i])
		d := applyHomography(tDst, dst[i])
		a.SetRow(2*i, []float64{-s.X, -s.Y, -1, 0, 0, 0, d.X * s.X, d.X * s.Y, d.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, -s.X, -s.Y, -1, d.Y * s.X, d.Y * s.Y, d.Y})
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, errors.New("homography SVD failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	hn := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		hn.Set(i/3, i%3, v.At(i, 8))
	}

	// H = inv(tDst) * Hn * tSrc
	var tDstInv mat.Dense
	if err := tDstInv.Inverse(tDst); err != nil {
		return nil, errors.Wrap(err, "degenerate image points")
	}
	var h mat.Dense
	h.Product(&tDstInv, hn, tSrc)
	if h22 := h.At(2, 2); h22 != 0 {
		h.Scale(1/h22, &h)
	}
	return &h, nil
}
