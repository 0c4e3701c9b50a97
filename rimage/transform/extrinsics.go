package transform

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Extrinsics holds the rigid transform from one sensor frame to another: a row-major 3x3
// rotation matrix and a translation in metres.
type Extrinsics struct {
	RotationMatrix    []float64 `json:"rotation" yaml:"rotation"`
	TranslationVector []float64 `json:"translation" yaml:"translation"`
}

// NewIdentityExtrinsics returns extrinsics that leave points unchanged.
func NewIdentityExtrinsics() *Extrinsics {
	return &Extrinsics{
		RotationMatrix:    []float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		TranslationVector: []float64{0, 0, 0},
	}
}

// CheckValid checks the shape of the extrinsics.
func (e *Extrinsics) CheckValid() error {
	if e == nil {
		return errors.New("extrinsics do not exist")
	}
	if len(e.RotationMatrix) != 9 {
		return errors.Errorf("rotation matrix must have 9 elements, got %d", len(e.RotationMatrix))
	}
	if len(e.TranslationVector) != 3 {
		return errors.Errorf("translation vector must have 3 elements, got %d", len(e.TranslationVector))
	}
	return nil
}

// TransformPointToPoint applies the extrinsics to a point.
func (e *Extrinsics) TransformPointToPoint(x, y, z float64) (float64, float64, float64) {
	r := e.RotationMatrix
	t := e.TranslationVector
	return r[0]*x + r[1]*y + r[2]*z + t[0],
		r[3]*x + r[4]*y + r[5]*z + t[1],
		r[6]*x + r[7]*y + r[8]*z + t[2]
}

// Translation returns the translation as a vector.
func (e *Extrinsics) Translation() r3.Vector {
	return r3.Vector{X: e.TranslationVector[0], Y: e.TranslationVector[1], Z: e.TranslationVector[2]}
}
