package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// basicPointCloud is the basic implementation of the PointCloud interface backed by
// a map of points keyed by position. Iteration follows insertion order.
type basicPointCloud struct {
	points map[r3.Vector]int
	order  []r3.Vector
	data   []Data
	meta   MetaData
}

// New returns an empty PointCloud backed by a basicPointCloud.
func New() PointCloud {
	return NewWithPrealloc(0)
}

// NewWithPrealloc returns an empty, preallocated PointCloud backed by a basicPointCloud.
func NewWithPrealloc(size int) PointCloud {
	return &basicPointCloud{
		points: make(map[r3.Vector]int, size),
		order:  make([]r3.Vector, 0, size),
		data:   make([]Data, 0, size),
		meta:   NewMetaData(),
	}
}

func (cloud *basicPointCloud) Size() int {
	return len(cloud.order)
}

func (cloud *basicPointCloud) MetaData() MetaData {
	return cloud.meta
}

func (cloud *basicPointCloud) At(x, y, z float64) (Data, bool) {
	idx, ok := cloud.points[r3.Vector{X: x, Y: y, Z: z}]
	if !ok {
		return nil, false
	}
	return cloud.data[idx], true
}

// Set validates that the point can be precisely stored before setting it in the cloud.
func (cloud *basicPointCloud) Set(p r3.Vector, d Data) error {
	if !isFinite(p) {
		return errors.Errorf("invalid point %v", p)
	}
	if idx, ok := cloud.points[p]; ok {
		cloud.data[idx] = d
	} else {
		cloud.points[p] = len(cloud.order)
		cloud.order = append(cloud.order, p)
		cloud.data = append(cloud.data, d)
	}
	cloud.meta.Merge(p, d)
	return nil
}

func (cloud *basicPointCloud) Iterate(numBatches, myBatch int, fn func(p r3.Vector, d Data) bool) {
	start, end := 0, len(cloud.order)
	if numBatches > 0 {
		batchSize := (len(cloud.order) + numBatches - 1) / numBatches
		start = myBatch * batchSize
		end = start + batchSize
		if end > len(cloud.order) {
			end = len(cloud.order)
		}
	}
	for i := start; i < end; i++ {
		if !fn(cloud.order[i], cloud.data[i]) {
			return
		}
	}
}

func isFinite(p r3.Vector) bool {
	for _, v := range []float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
