// Package pointcloud defines a point cloud and provides an implementation for one.
//
// Its implementation is dictionary based and is not yet efficient. The current focus is
// to make it useful and as such the API is experimental and will likely change
// in the near future.
package pointcloud

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
)

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	HasColor bool

	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// NewMetaData creates a new MetaData with empty bounds.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64,
		MinY: math.MaxFloat64,
		MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64,
		MaxY: -math.MaxFloat64,
		MaxZ: -math.MaxFloat64,
	}
}

// Merge updates the bounds and color flag with a new point.
func (meta *MetaData) Merge(p r3.Vector, d Data) {
	if d != nil && d.HasColor() {
		meta.HasColor = true
	}
	meta.MinX = math.Min(meta.MinX, p.X)
	meta.MaxX = math.Max(meta.MaxX, p.X)
	meta.MinY = math.Min(meta.MinY, p.Y)
	meta.MaxY = math.Max(meta.MaxY, p.Y)
	meta.MinZ = math.Min(meta.MinZ, p.Z)
	meta.MaxZ = math.Max(meta.MaxZ, p.Z)
}

// PointCloud is a general purpose container of points. It does not dictate whether or not the
// cloud is sparse or dense. Positions are in metres.
type PointCloud interface {
	// Size returns the number of points in the cloud.
	Size() int

	// MetaData returns meta data.
	MetaData() MetaData

	// Set places the given point in the cloud.
	Set(p r3.Vector, d Data) error

	// At returns the point in the cloud at the given position.
	At(x, y, z float64) (Data, bool)

	// Iterate iterates over all points in the cloud and calls the given function for each point.
	// If the supplied function returns false, iteration will stop after the function returns.
	// numBatches lets you divide up the work. 0 means don't divide
	// myBatch is used iff numBatches > 0 and is which batch you want
	Iterate(numBatches, myBatch int, fn func(p r3.Vector, d Data) bool)
}

// Data is the data attached to a point.
type Data interface {
	// HasColor returns whether or not this point is colored.
	HasColor() bool

	// RGB255 returns, if colored, the RGB components of the color.
	RGB255() (uint8, uint8, uint8)

	// Color returns the native color of the point.
	Color() color.Color
}

type basicData struct {
	hasColor bool
	c        color.NRGBA
}

// NewBasicData returns an uncolored point.
func NewBasicData() Data {
	return &basicData{}
}

// NewColoredData returns a point that has the given color.
func NewColoredData(c color.NRGBA) Data {
	return &basicData{hasColor: true, c: c}
}

func (bd *basicData) HasColor() bool {
	return bd.hasColor
}

func (bd *basicData) RGB255() (uint8, uint8, uint8) {
	return bd.c.R, bd.c.G, bd.c.B
}

func (bd *basicData) Color() color.Color {
	return &bd.c
}

// CloudCentroid returns the mean position of the points.
func CloudCentroid(pc PointCloud) r3.Vector {
	var sum r3.Vector
	n := 0
	pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		sum = sum.Add(p)
		n++
		return true
	})
	if n == 0 {
		return r3.Vector{}
	}
	return sum.Mul(1 / float64(n))
}

// Points returns the positions of the cloud as a slice.
func Points(pc PointCloud) []r3.Vector {
	out := make([]r3.Vector, 0, pc.Size())
	pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		out = append(out, p)
		return true
	})
	return out
}
