// Package rimage holds the image and depth map types shared by the calibration and scanning
// pipelines, along with their file formats and basic filters.
package rimage

import (
	"image"
	"image/color"
	"math"

	"github.com/pkg/errors"
)

// Depth is the depth of a pixel in millimetres. Zero means no data.
type Depth uint16

// MaxDepth is the largest representable depth.
const MaxDepth = Depth(math.MaxUint16)

// DepthMap fulfills the image.Image interface and represents the depth information of the scene
// in millimetres, stored row-major.
type DepthMap struct {
	width  int
	height int

	data []Depth
}

// NewEmptyDepthMap returns an unset depth map with the given dimensions.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{
		width:  width,
		height: height,
		data:   make([]Depth, width*height),
	}
}

// Width returns the horizontal dimension of the depth map.
func (dm *DepthMap) Width() int {
	return dm.width
}

// Height returns the vertical dimension of the depth map.
func (dm *DepthMap) Height() int {
	return dm.height
}

// Bounds returns the rectangle dimensions of the image.
func (dm *DepthMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, dm.width, dm.height)
}

// ColorModel for DepthMap so that it implements image.Image.
func (dm *DepthMap) ColorModel() color.Model {
	return color.Gray16Model
}

// At returns the depth value as a color.Gray16.
func (dm *DepthMap) At(x, y int) color.Color {
	if !dm.Contains(x, y) {
		return color.Gray16{}
	}
	return color.Gray16{uint16(dm.GetDepth(x, y))}
}

// Contains returns whether or not a point is within bounds of the depth map.
func (dm *DepthMap) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < dm.width && y < dm.height
}

func (dm *DepthMap) kxy(x, y int) int {
	return (y * dm.width) + x
}

// GetDepth returns the depth at a given (x, y) coordinate.
func (dm *DepthMap) GetDepth(x, y int) Depth {
	return dm.data[dm.kxy(x, y)]
}

// Get returns the depth at a given image.Point.
func (dm *DepthMap) Get(p image.Point) Depth {
	return dm.data[dm.kxy(p.X, p.Y)]
}

// Set sets the depth at a given (x, y) coordinate.
func (dm *DepthMap) Set(x, y int, val Depth) {
	dm.data[dm.kxy(x, y)] = val
}

// Clone returns a deep copy of the depth map.
func (dm *DepthMap) Clone() *DepthMap {
	out := &DepthMap{width: dm.width, height: dm.height, data: make([]Depth, len(dm.data))}
	copy(out.data, dm.data)
	return out
}

// ValidCount returns the number of pixels that carry depth.
func (dm *DepthMap) ValidCount() int {
	n := 0
	for _, d := range dm.data {
		if d != 0 {
			n++
		}
	}
	return n
}

// MinMax returns the minimum and maximum non-zero depth in the map.
func (dm *DepthMap) MinMax() (Depth, Depth) {
	minDepth, maxDepth := MaxDepth, Depth(0)
	for _, d := range dm.data {
		if d == 0 {
			continue
		}
		if d < minDepth {
			minDepth = d
		}
		if d > maxDepth {
			maxDepth = d
		}
	}
	if maxDepth == 0 {
		return 0, 0
	}
	return minDepth, maxDepth
}

// ThresholdDepth zeroes every pixel outside [minDepth, maxDepth] and returns the number of pixels
// removed. A zero maxDepth disables the upper bound.
func (dm *DepthMap) ThresholdDepth(minDepth, maxDepth Depth) int {
	removed := 0
	for i, d := range dm.data {
		if d == 0 {
			continue
		}
		if d < minDepth || (maxDepth != 0 && d > maxDepth) {
			dm.data[i] = 0
			removed++
		}
	}
	return removed
}

// ToGray16Picture converts the depth map to a 16-bit grayscale image for lossless PNG storage.
func (dm *DepthMap) ToGray16Picture() *image.Gray16 {
	img := image.NewGray16(dm.Bounds())
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			img.SetGray16(x, y, color.Gray16{uint16(dm.GetDepth(x, y))})
		}
	}
	return img
}

// ToPrettyPicture returns a 8-bit picture with near depths bright and far depths dark, for
// previews only.
func (dm *DepthMap) ToPrettyPicture() *image.Gray {
	img := image.NewGray(dm.Bounds())
	minDepth, maxDepth := dm.MinMax()
	span := float64(maxDepth - minDepth)
	if span == 0 {
		span = 1
	}
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			d := dm.GetDepth(x, y)
			if d == 0 {
				continue
			}
			ratio := float64(d-minDepth) / span
			img.SetGray(x, y, color.Gray{uint8(255 - math.Round(ratio*254))})
		}
	}
	return img
}

// ConvertImageToDepthMap takes a 16-bit grayscale image and turns it into a depth map.
func ConvertImageToDepthMap(img image.Image) (*DepthMap, error) {
	switch ii := img.(type) {
	case *DepthMap:
		return ii, nil
	case *image.Gray16:
		bounds := ii.Bounds()
		dm := NewEmptyDepthMap(bounds.Dx(), bounds.Dy())
		for y := 0; y < dm.height; y++ {
			for x := 0; x < dm.width; x++ {
				dm.Set(x, y, Depth(ii.Gray16At(x+bounds.Min.X, y+bounds.Min.Y).Y))
			}
		}
		return dm, nil
	default:
		return nil, errors.Errorf("don't know how to make DepthMap from %T", img)
	}
}

// Resample returns a depth map of the given size using nearest neighbour lookups.
func (dm *DepthMap) Resample(width, height int) *DepthMap {
	out := NewEmptyDepthMap(width, height)
	if dm.width == 0 || dm.height == 0 {
		return out
	}
	sx := float64(dm.width) / float64(width)
	sy := float64(dm.height) / float64(height)
	for y := 0; y < height; y++ {
		srcY := int(math.Min(float64(dm.height-1), math.Floor((float64(y)+0.5)*sy)))
		for x := 0; x < width; x++ {
			srcX := int(math.Min(float64(dm.width-1), math.Floor((float64(x)+0.5)*sx)))
			out.Set(x, y, dm.GetDepth(srcX, srcY))
		}
	}
	return out
}
