// Package spatialmath defines rigid transforms used to place sensors and frames in 3D.
package spatialmath

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/dualquat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose represents a 6dof pose in space: a rotation followed by a translation, in metres.
type Pose interface {
	Point() r3.Vector
	Orientation() quat.Number
}

// dualQuaternion is a Pose backed by a unit dual quaternion.
type dualQuaternion struct {
	dualquat.Number
}

// NewZeroPose returns a pose at (0,0,0) with the identity orientation.
func NewZeroPose() Pose {
	return &dualQuaternion{dualquat.Number{Real: quat.Number{Real: 1}}}
}

// NewPose builds a pose from a translation and a rotation quaternion. The quaternion is normalized.
func NewPose(point r3.Vector, orientation quat.Number) Pose {
	q := normalize(orientation)
	return &dualQuaternion{dualquat.Number{
		Real: q,
		Dual: quat.Scale(0.5, quat.Mul(quat.Number{Imag: point.X, Jmag: point.Y, Kmag: point.Z}, q)),
	}}
}

// NewPoseFromPoint returns a translation-only pose.
func NewPoseFromPoint(point r3.Vector) Pose {
	return NewPose(point, quat.Number{Real: 1})
}

// NewPoseFromRotationMatrix builds a pose from a 3x3 row-major rotation matrix and a translation.
func NewPoseFromRotationMatrix(rotation mat.Matrix, point r3.Vector) Pose {
	var m mgl64.Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, rotation.At(i, j))
		}
	}
	q := mgl64.Mat4ToQuat(m.Mat4())
	return NewPose(point, quat.Number{Real: q.W, Imag: q.X(), Jmag: q.Y(), Kmag: q.Z()})
}

// Point returns the translation of the pose.
func (q *dualQuaternion) Point() r3.Vector {
	t := quat.Scale(2, quat.Mul(q.Dual, quat.Conj(q.Real)))
	return r3.Vector{X: t.Imag, Y: t.Jmag, Z: t.Kmag}
}

// Orientation returns the rotation quaternion of the pose.
func (q *dualQuaternion) Orientation() quat.Number {
	return q.Real
}

func asDualQuaternion(p Pose) *dualQuaternion {
	if dq, ok := p.(*dualQuaternion); ok {
		return dq
	}
	return NewPose(p.Point(), p.Orientation()).(*dualQuaternion)
}

// Compose returns the pose that first applies b then a, i.e. a*b.
func Compose(a, b Pose) Pose {
	result := &dualQuaternion{dualquat.Mul(asDualQuaternion(a).Number, asDualQuaternion(b).Number)}
	result.Real = normalize(result.Real)
	return result
}

// PoseInverse returns the pose that undoes p.
func PoseInverse(p Pose) Pose {
	return &dualQuaternion{dualquat.ConjQuat(asDualQuaternion(p).Number)}
}

// PoseBetween returns the pose that takes from to to, i.e. inverse(from)*to.
func PoseBetween(from, to Pose) Pose {
	return Compose(PoseInverse(from), to)
}

// TransformPoint applies p to a point.
func TransformPoint(p Pose, v r3.Vector) r3.Vector {
	return RotatePoint(p.Orientation(), v).Add(p.Point())
}

// RotatePoint rotates v by the unit quaternion q.
func RotatePoint(q quat.Number, v r3.Vector) r3.Vector {
	rotated := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}
}

// RotationMatrix returns the 3x3 row-major rotation matrix of a pose.
func RotationMatrix(p Pose) *mat.Dense {
	q := p.Orientation()
	m := mgl64.Quat{W: q.Real, V: mgl64.Vec3{q.Imag, q.Jmag, q.Kmag}}.Mat4().Mat3()
	out := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, m.At(i, j))
		}
	}
	return out
}

// PoseAlmostEqual returns whether two poses are within epsilon in translation and in rotation
// angle (radians).
func PoseAlmostEqual(a, b Pose, epsilon float64) bool {
	if a.Point().Sub(b.Point()).Norm() > epsilon {
		return false
	}
	return QuatAngle(quat.Mul(quat.Conj(a.Orientation()), b.Orientation())) <= epsilon
}

// QuatAngle returns the rotation angle in radians encoded by a unit quaternion.
func QuatAngle(q quat.Number) float64 {
	q = normalize(q)
	vec := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	return 2 * math.Atan2(vec, math.Abs(q.Real))
}

func normalize(q quat.Number) quat.Number {
	norm := quat.Abs(q)
	if norm == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/norm, q)
}
