package spatialmath

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rgbd/utils"
)

// EulerAngles are rotations in radians about the x (roll), y (pitch) and z (yaw) axes, applied in
// that order: R = Rz(yaw) * Ry(pitch) * Rx(roll).
type EulerAngles struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Quaternion returns the unit quaternion for the angles.
func (ea EulerAngles) Quaternion() quat.Number {
	qx := quat.Number{Real: math.Cos(ea.Roll / 2), Imag: math.Sin(ea.Roll / 2)}
	qy := quat.Number{Real: math.Cos(ea.Pitch / 2), Jmag: math.Sin(ea.Pitch / 2)}
	qz := quat.Number{Real: math.Cos(ea.Yaw / 2), Kmag: math.Sin(ea.Yaw / 2)}
	return quat.Mul(qz, quat.Mul(qy, qx))
}

// QuatToEulerAngles converts a unit quaternion to roll, pitch and yaw.
func QuatToEulerAngles(q quat.Number) EulerAngles {
	q = normalize(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return EulerAngles{
		Roll:  math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y)),
		Pitch: math.Asin(utils.Clamp(2*(w*y-z*x), -1, 1)),
		Yaw:   math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z)),
	}
}

// ParsePose parses "tx ty tz rx ry rz", translations in metres and rotations in degrees. Fields
// may be separated by spaces or commas. An empty string is the zero pose.
func ParsePose(s string) (Pose, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' })
	if len(fields) == 0 {
		return NewZeroPose(), nil
	}
	if len(fields) != 6 {
		return nil, errors.Errorf("expected 6 values \"tx ty tz rx ry rz\", got %d in %q", len(fields), s)
	}
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid pose value %q", f)
		}
		values[i] = v
	}
	angles := EulerAngles{
		Roll:  utils.DegToRad(values[3]),
		Pitch: utils.DegToRad(values[4]),
		Yaw:   utils.DegToRad(values[5]),
	}
	return NewPose(r3.Vector{X: values[0], Y: values[1], Z: values[2]}, angles.Quaternion()), nil
}

// FormatPose renders a pose in the format accepted by ParsePose.
func FormatPose(p Pose) string {
	pt := p.Point()
	ea := QuatToEulerAngles(p.Orientation())
	return fmt.Sprintf("%g %g %g %g %g %g", pt.X, pt.Y, pt.Z,
		utils.RadToDeg(ea.Roll), utils.RadToDeg(ea.Pitch), utils.RadToDeg(ea.Yaw))
}
