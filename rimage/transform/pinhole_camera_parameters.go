// Package transform holds the camera models used to move between pixels and 3D points.
package transform

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rgbd/pointcloud"
	"go.viam.com/rgbd/rimage"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D
// scene to the 2D plane.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px" yaml:"width_px"`
	Height int     `json:"height_px" yaml:"height_px"`
	Fx     float64 `json:"fx" yaml:"fx"`
	Fy     float64 `json:"fy" yaml:"fy"`
	Ppx    float64 `json:"ppx" yaml:"ppx"`
	Ppy    float64 `json:"ppy" yaml:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width == 0 || params.Height == 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// NewPinholeCameraIntrinsicsFromJSONFile takes in a file path to a JSON and turns it into
// PinholeCameraIntrinsics.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	byteValue, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON file")
	}
	intrinsics := &PinholeCameraIntrinsics{}
	if err := json.Unmarshal(byteValue, intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return intrinsics, nil
}

// Clone returns a copy of the intrinsics.
func (params *PinholeCameraIntrinsics) Clone() *PinholeCameraIntrinsics {
	if params == nil {
		return nil
	}
	out := *params
	return &out
}

// Downscaled returns the intrinsics of a sensor whose resolution is the original divided by
// ratio: focal lengths and principal point are divided by ratio. The size is rounded.
func (params *PinholeCameraIntrinsics) Downscaled(ratio float64) *PinholeCameraIntrinsics {
	if params == nil {
		return nil
	}
	return &PinholeCameraIntrinsics{
		Width:  int(math.Round(float64(params.Width) / ratio)),
		Height: int(math.Round(float64(params.Height) / ratio)),
		Fx:     params.Fx / ratio,
		Fy:     params.Fy / ratio,
		Ppx:    params.Ppx / ratio,
		Ppy:    params.Ppy / ratio,
	}
}

// PixelToPoint transforms a pixel with depth to a 3D point.
// The intrinsics parameters should be the ones of the sensor used to obtain the image that
// contains the pixel.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) (float64, float64, float64) {
	if params == nil {
		return float64(0), float64(0), float64(0)
	}
	xOverZ := (x - params.Ppx) / params.Fx
	yOverZ := (y - params.Ppy) / params.Fy
	return xOverZ * z, yOverZ * z, z
}

// PointToPixel projects a 3D point to a pixel in an image plane, without rounding.
// The intrinsics parameters should be the ones of the sensor we want to project to.
func (params *PinholeCameraIntrinsics) PointToPixel(x, y, z float64) (float64, float64) {
	if z != 0. {
		return (x/z)*params.Fx + params.Ppx, (y/z)*params.Fy + params.Ppy
	}
	// if depth is zero at this pixel, return negative coordinates so that the cropping to RGB
	// bounds will filter it out
	return -1.0, -1.0
}

// Project projects a 3D point through the intrinsics and an optional distortion model.
func (params *PinholeCameraIntrinsics) Project(p r3.Vector, distortion Distorter) r2.Point {
	if p.Z == 0 {
		return r2.Point{X: -1, Y: -1}
	}
	x, y := p.X/p.Z, p.Y/p.Z
	if distortion != nil {
		x, y = distortion.Transform(x, y)
	}
	return r2.Point{X: x*params.Fx + params.Ppx, Y: y*params.Fy + params.Ppy}
}

// Unproject maps a distorted pixel seen at depth z back to a 3D point. A nil distortion treats
// the pixel as undistorted.
func (params *PinholeCameraIntrinsics) Unproject(px r2.Point, z float64, distortion *BrownConrady) r3.Vector {
	x := (px.X - params.Ppx) / params.Fx
	y := (px.Y - params.Ppy) / params.Fy
	if !distortion.IsZero() {
		x, y = distortion.Inverse().Transform(x, y)
	}
	return r3.Vector{X: x * z, Y: y * z, Z: z}
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx 0 ppx],
//
//	[0 fy ppy],
//	[0 0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}

// DepthToPointCloud back-projects every valid depth pixel into a cloud in metres. When img is
// not nil and has the same size as the depth map, points are colored from it.
func (params *PinholeCameraIntrinsics) DepthToPointCloud(dm *rimage.DepthMap, img image.Image, step int) (pointcloud.PointCloud, error) {
	if err := params.CheckValid(); err != nil {
		return nil, err
	}
	if dm == nil {
		return nil, errors.New("no depth channel. Cannot project to Pointcloud")
	}
	if step < 1 {
		step = 1
	}
	colored := img != nil && img.Bounds() == dm.Bounds()
	pc := pointcloud.NewWithPrealloc(dm.ValidCount() / (step * step))
	for y := 0; y < dm.Height(); y += step {
		for x := 0; x < dm.Width(); x += step {
			d := dm.GetDepth(x, y)
			if d == 0 {
				continue
			}
			px, py, pz := params.PixelToPoint(float64(x), float64(y), float64(d)/1000.)
			var data pointcloud.Data
			if colored {
				r, g, b, _ := img.At(x, y).RGBA()
				data = pointcloud.NewColoredData(color.NRGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), 255})
			} else {
				data = pointcloud.NewBasicData()
			}
			if err := pc.Set(r3.Vector{X: px, Y: py, Z: pz}, data); err != nil {
				return nil, err
			}
		}
	}
	return pc, nil
}
