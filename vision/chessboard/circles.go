package chessboard

import (
	"context"
	"image"
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rgbd/rimage"
	"go.viam.com/rgbd/utils"
)

// BlobConfiguration stores the parameters of the dark blob segmentation used for circle grids.
type BlobConfiguration struct {
	MinArea         int     `json:"min-area"`          // smallest blob in pixels
	MaxAreaFraction float64 `json:"max-area-fraction"` // largest blob as a fraction of the image
	MinFill         float64 `json:"min-fill"`          // minimum ratio between the blob area and its bounding box
	MaxAspect       float64 `json:"max-aspect"`        // maximum ratio between the bounding box sides
}

// DefaultBlobConf stores the default blob parameters.
var DefaultBlobConf = BlobConfiguration{
	MinArea:         9,
	MaxAreaFraction: 0.05,
	MinFill:         0.55,
	MaxAspect:       3,
}

type blob struct {
	center r2.Point
	area   int
}

// otsuThreshold returns the gray level separating the two modes of the image histogram.
func otsuThreshold(gray *mat.Dense) float64 {
	var hist [256]float64
	h, w := gray.Dims()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := int(math.Max(0, math.Min(255, math.Round(gray.At(y, x)))))
			hist[v]++
		}
	}
	total := float64(h * w)
	sumAll := 0.
	for i, c := range hist {
		sumAll += float64(i) * c
	}
	var sumBack, weightBack, best float64
	threshold := 127.
	for i, c := range hist {
		weightBack += c
		if weightBack == 0 {
			continue
		}
		weightFore := total - weightBack
		if weightFore == 0 {
			break
		}
		sumBack += float64(i) * c
		meanBack := sumBack / weightBack
		meanFore := (sumAll - sumBack) / weightFore
		between := weightBack * weightFore * (meanBack - meanFore) * (meanBack - meanFore)
		if between > best {
			best = between
			threshold = float64(i) + 0.5
		}
	}
	return threshold
}

// darkBlobs segments the pixels darker than the Otsu threshold into 4-connected components and
// returns the compact ones that do not touch the image border.
func darkBlobs(gray *mat.Dense, conf *BlobConfiguration) []blob {
	h, w := gray.Dims()
	threshold := otsuThreshold(gray)
	maxArea := int(conf.MaxAreaFraction * float64(h*w))
	visited := make([]bool, h*w)
	var blobs []blob
	queue := make([]image.Point, 0, 64)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if visited[y*w+x] || gray.At(y, x) >= threshold {
				continue
			}
			queue = append(queue[:0], image.Pt(x, y))
			visited[y*w+x] = true
			var sx, sy float64
			minX, minY, maxX, maxY := x, y, x, y
			touchesBorder := false
			for i := 0; i < len(queue); i++ {
				p := queue[i]
				sx += float64(p.X)
				sy += float64(p.Y)
				minX, minY = min(minX, p.X), min(minY, p.Y)
				maxX, maxY = max(maxX, p.X), max(maxY, p.Y)
				if p.X == 0 || p.Y == 0 || p.X == w-1 || p.Y == h-1 {
					touchesBorder = true
				}
				for _, d := range []image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
					q := p.Add(d)
					if q.X < 0 || q.Y < 0 || q.X >= w || q.Y >= h {
						continue
					}
					k := q.Y*w + q.X
					if visited[k] || gray.At(q.Y, q.X) >= threshold {
						continue
					}
					visited[k] = true
					queue = append(queue, q)
				}
			}
			area := len(queue)
			if touchesBorder || area < conf.MinArea || area > maxArea {
				continue
			}
			bw, bh := float64(maxX-minX+1), float64(maxY-minY+1)
			if float64(area)/(bw*bh) < conf.MinFill || math.Max(bw/bh, bh/bw) > conf.MaxAspect {
				continue
			}
			blobs = append(blobs, blob{
				center: r2.Point{X: sx / float64(area), Y: sy / float64(area)},
				area:   area,
			})
		}
	}
	return blobs
}

// FindCircles returns the centers of the dark circular blobs of an image. When there are more than
// want blobs, the want blobs closest to the median area are kept.
func FindCircles(ctx context.Context, img image.Image, want int, conf *BlobConfiguration) ([]r2.Point, error) {
	gray := rimage.ImageToGrayFloat(img)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blobs := darkBlobs(gray, conf)
	if len(blobs) > want && want > 0 {
		areas := make([]int, len(blobs))
		for i, b := range blobs {
			areas[i] = b.area
		}
		sort.Ints(areas)
		median := areas[len(areas)/2]
		sort.SliceStable(blobs, func(i, j int) bool {
			return utils.AbsInt(blobs[i].area-median) < utils.AbsInt(blobs[j].area-median)
		})
		blobs = blobs[:want]
	}
	centers := make([]r2.Point, len(blobs))
	for i, b := range blobs {
		centers[i] = b.center
	}
	return centers, nil
}
