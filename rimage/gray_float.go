package rimage

import (
	"image"
	"image/color"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ImageToGrayFloat converts an image to a row-major matrix of luminance values in [0, 255].
func ImageToGrayFloat(img image.Image) *mat.Dense {
	bounds := img.Bounds()
	out := mat.NewDense(bounds.Dy(), bounds.Dx(), nil)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			out.Set(y-bounds.Min.Y, x-bounds.Min.X, Luminance(img.At(x, y)))
		}
	}
	return out
}

// Luminance returns the Rec. 601 luma of a color in [0, 255].
func Luminance(c color.Color) float64 {
	r, g, b, _ := c.RGBA()
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.
}

// GrayFloatToImage converts a luminance matrix back to an 8-bit image, clamping to [0, 255].
func GrayFloatToImage(m mat.Matrix) *image.Gray {
	h, w := m.Dims()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := math.Max(0, math.Min(255, math.Round(m.At(y, x))))
			img.SetGray(x, y, color.Gray{uint8(v)})
		}
	}
	return img
}

// Kernel is a convolution filter stored row-major.
type Kernel struct {
	Content [][]float64
	Width   int
	Height  int
}

// At returns the kernel value at column x, row y.
func (k *Kernel) At(x, y int) float64 {
	return k.Content[y][x]
}

// Size returns the kernel dimensions.
func (k *Kernel) Size() image.Point {
	return image.Point{k.Width, k.Height}
}

// GetSobelX returns the Kernel corresponding to the Sobel kernel in the x direction.
func GetSobelX() Kernel {
	return Kernel{[][]float64{
		{-1, 0, 1},
		{-2, 0, 2},
		{-1, 0, 1},
	}, 3, 3}
}

// GetSobelY returns the Kernel corresponding to the Sobel kernel in the y direction.
func GetSobelY() Kernel {
	return Kernel{[][]float64{
		{-1, -2, -1},
		{0, 0, 0},
		{1, 2, 1},
	}, 3, 3}
}

// GetBlur3 returns a 3x3 box blur kernel.
func GetBlur3() Kernel {
	return Kernel{[][]float64{
		{1. / 9, 1. / 9, 1. / 9},
		{1. / 9, 1. / 9, 1. / 9},
		{1. / 9, 1. / 9, 1. / 9},
	}, 3, 3}
}

// ConvolveGrayFloat64 implements a gray float64 image convolution with the Kernel filter.
// Borders are replicated and there is no clamping.
func ConvolveGrayFloat64(m *mat.Dense, filter *Kernel) *mat.Dense {
	h, w := m.Dims()
	result := mat.NewDense(h, w, nil)
	size := filter.Size()
	anchor := image.Point{size.X / 2, size.Y / 2}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0.
			for ky := 0; ky < size.Y; ky++ {
				sy := clampIndex(y+ky-anchor.Y, h)
				for kx := 0; kx < size.X; kx++ {
					sx := clampIndex(x+kx-anchor.X, w)
					sum += m.At(sy, sx) * filter.At(kx, ky)
				}
			}
			result.Set(y, x, sum)
		}
	}
	return result
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
