package chessboard

import (
	"image"

	"gonum.org/v1/gonum/mat"

	"go.viam.com/rgbd/rimage"
)

// SaddleConfiguration stores the parameters to process the Hessian determinant image into a relevant saddle points map.
type SaddleConfiguration struct {
	RelativeThreshold float64 `json:"relative-threshold"` // initial pruning threshold, as a fraction of the strongest saddle
	MaxCandidates     int     `json:"max-candidates"`     // pruning doubles the threshold until at most this many points remain
	NMSWindowSize     int     `json:"win-size"`           // half window size for non-maximum suppression
}

// DefaultSaddleConf stores the default parameters for saddle detection.
var DefaultSaddleConf = SaddleConfiguration{
	RelativeThreshold: 0.02,
	MaxCandidates:     20000,
	NMSWindowSize:     3,
}

// computePixelWiseHessianDeterminant computes hessian components for each pixel and returns a *mat.Dense containing
// the value of the determinant of the Hessian for each pixel.
// The sign and value of the determinant of the Hessian gives location of saddle points.
func computePixelWiseHessianDeterminant(img *mat.Dense) *mat.Dense {
	nRows, nCols := img.Dims()
	sobelX := rimage.GetSobelX()
	sobelY := rimage.GetSobelY()
	gX := rimage.ConvolveGrayFloat64(img, &sobelX)
	gY := rimage.ConvolveGrayFloat64(img, &sobelY)
	gXX := rimage.ConvolveGrayFloat64(gX, &sobelX)
	gYY := rimage.ConvolveGrayFloat64(gY, &sobelY)
	gXY := rimage.ConvolveGrayFloat64(gX, &sobelY)
	m1 := mat.NewDense(nRows, nCols, nil)
	m2 := mat.NewDense(nRows, nCols, nil)
	out := mat.NewDense(nRows, nCols, nil)
	m1.MulElem(gXX, gYY)
	m2.MulElem(gXY, gXY)
	out.Sub(m1, m2)
	return out
}

// SumPositive is a function to count strictly positive element in a *mat.Dense.
// Can be used with the Apply function.
func SumPositive(i, j int, val float64) float64 {
	if val > 0 {
		return 1.
	}
	return 0.
}

// PruneSaddle zeroes the weak saddle responses, doubling the threshold until at most
// cfg.MaxCandidates points remain.
func PruneSaddle(s mat.Matrix, cfg *SaddleConfiguration) *mat.Dense {
	thresh := cfg.RelativeThreshold * mat.Max(s)

	r, c := s.Dims()
	scores := mat.NewDense(r, c, nil)
	pruned := mat.DenseCopyOf(s)
	decFilt := func(r, c int, v float64) float64 {
		if v < thresh {
			return 0.
		}
		return v
	}
	pruned.Apply(decFilt, pruned)
	scores.Apply(SumPositive, pruned)
	score := mat.Sum(scores)
	for score > float64(cfg.MaxCandidates) && thresh > 0 {
		thresh *= 2
		pruned.Apply(decFilt, pruned)
		scores.Apply(SumPositive, pruned)
		score = mat.Sum(scores)
	}
	return pruned
}

// NonMaxSuppression keeps the non zero values of img that are the maximum of the window of half
// size winSize around them.
func NonMaxSuppression(img *mat.Dense, winSize int) *mat.Dense {
	h, w := img.Dims()
	imgSup := mat.NewDense(h, w, nil)
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			v := img.At(i, j)
			if v == 0 {
				continue
			}
			// get neighborhood limits
			ta := max(0, i-winSize)
			tb := min(h, i+winSize+1)
			tc := max(0, j-winSize)
			td := min(w, j+winSize+1)
			cell := img.Slice(ta, tb, tc, td)
			if mat.Max(cell) == v {
				imgSup.Set(i, j, v)
			}
		}
	}
	return imgSup
}

// GetSaddleMapPoints gets a saddle point presence map and the local maxima of the saddle score.
func GetSaddleMapPoints(img *mat.Dense, conf *SaddleConfiguration) (*mat.Dense, []image.Point) {
	nRows, nCols := img.Dims()
	hessian := computePixelWiseHessianDeterminant(img)
	// saddle points are points where determinant of hessian is <0
	// for better readability, using negative determinant of Hessian
	hessian.Scale(-1.0, hessian)
	saddleMap := mat.NewDense(nRows, nCols, nil)
	saddleMap.Apply(func(r, c int, v float64) float64 {
		if v < 0 {
			return 0.
		}
		return v
	}, hessian)
	saddleMap = PruneSaddle(saddleMap, conf)
	nms := NonMaxSuppression(saddleMap, conf.NMSWindowSize)
	saddlePoints := make([]image.Point, 0)
	for y := 0; y < nRows; y++ {
		for x := 0; x < nCols; x++ {
			if nms.At(y, x) > 0 {
				saddlePoints = append(saddlePoints, image.Point{x, y})
			}
		}
	}
	return saddleMap, saddlePoints
}
