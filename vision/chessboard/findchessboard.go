// Package chessboard detects planar calibration patterns: chessboard inner corners and grids of
// dark circles, returned in row order.
package chessboard

import (
	"context"
	"image"

	"github.com/golang/geo/r2"
)

// DetectionConfiguration stores the parameters necessary for pattern detection in an image.
type DetectionConfiguration struct {
	Saddle  SaddleConfiguration `json:"saddle"`
	Corners CornerConfiguration `json:"corners"`
	Blobs   BlobConfiguration   `json:"blobs"`
}

// DefaultDetectionConf stores the default detection parameters.
var DefaultDetectionConf = DetectionConfiguration{
	Saddle:  DefaultSaddleConf,
	Corners: DefaultCornerConf,
	Blobs:   DefaultBlobConf,
}

// FindChessboardCorners finds the cfg.Width x cfg.Height inner corners of a chessboard. The
// boolean is false when the board is not fully visible.
func FindChessboardCorners(ctx context.Context, img image.Image, cfg GridConfig) ([]r2.Point, bool, error) {
	return DefaultDetectionConf.FindChessboardCorners(ctx, img, cfg)
}

// FindChessboardCorners finds the inner corners of a chessboard with these parameters.
func (dc DetectionConfiguration) FindChessboardCorners(ctx context.Context, img image.Image, cfg GridConfig) ([]r2.Point, bool, error) {
	if isEmpty(img) {
		return nil, false, nil
	}
	corners, err := FindCorners(ctx, img, &dc.Saddle, &dc.Corners)
	if err != nil {
		return nil, false, err
	}
	ordered, ok := OrderGrid(corners, cfg, false)
	if !ok {
		return corners, false, nil
	}
	return ordered, true, nil
}

// FindCirclesGrid finds the centers of a grid of dark circles. Asymmetric grids have every
// other row shifted by half the spacing.
func FindCirclesGrid(ctx context.Context, img image.Image, cfg GridConfig, asymmetric bool) ([]r2.Point, bool, error) {
	return DefaultDetectionConf.FindCirclesGrid(ctx, img, cfg, asymmetric)
}

// FindCirclesGrid finds the centers of a grid of dark circles with these parameters.
func (dc DetectionConfiguration) FindCirclesGrid(ctx context.Context, img image.Image, cfg GridConfig, asymmetric bool) ([]r2.Point, bool, error) {
	if isEmpty(img) {
		return nil, false, nil
	}
	centers, err := FindCircles(ctx, img, cfg.Width*cfg.Height, &dc.Blobs)
	if err != nil {
		return nil, false, err
	}
	ordered, ok := OrderGrid(centers, cfg, asymmetric)
	if !ok {
		return centers, false, nil
	}
	return ordered, true, nil
}

func isEmpty(img image.Image) bool {
	return img == nil || img.Bounds().Empty()
}
