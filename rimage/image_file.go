package rimage

import (
	"image"
	// register decoders for the formats view directories may contain.
	_ "image/jpeg"
	"image/png"
	"os"

	"github.com/disintegration/imaging"
	// register ppm/pgm.
	_ "github.com/lmittmann/ppm"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	// register bmp.
	_ "golang.org/x/image/bmp"
)

// ReadImageFromFile extracts the image from a file. PNG, JPEG, BMP and PNM are supported.
func ReadImageFromFile(path string) (image.Image, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode %q", path)
	}
	return img, nil
}

// WriteImageToFile writes an image as PNG, keeping 16-bit grayscale images lossless.
func WriteImageToFile(path string, img image.Image) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return png.Encode(f, img)
}

// Resize scales an image to the given size with a Lanczos filter.
func Resize(img image.Image, width, height int) *image.NRGBA {
	return imaging.Resize(img, width, height, imaging.Lanczos)
}

// Blur applies a gaussian blur with the given sigma.
func Blur(img image.Image, sigma float64) *image.NRGBA {
	return imaging.Blur(img, sigma)
}
