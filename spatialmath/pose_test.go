package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rgbd/utils"
)

func TestZeroPose(t *testing.T) {
	p := NewZeroPose()
	test.That(t, p.Point(), test.ShouldResemble, r3.Vector{})
	v := r3.Vector{X: 1, Y: 2, Z: 3}
	test.That(t, TransformPoint(p, v), test.ShouldResemble, v)
}

func TestPoseTranslationRoundTrip(t *testing.T) {
	pt := r3.Vector{X: 0.1, Y: -0.2, Z: 0.7}
	p := NewPose(pt, EulerAngles{Yaw: math.Pi / 2}.Quaternion())
	got := p.Point()
	test.That(t, got.X, test.ShouldAlmostEqual, pt.X)
	test.That(t, got.Y, test.ShouldAlmostEqual, pt.Y)
	test.That(t, got.Z, test.ShouldAlmostEqual, pt.Z)

	// yaw of 90 degrees maps +x to +y, then the translation is added.
	moved := TransformPoint(p, r3.Vector{X: 1})
	test.That(t, moved.X, test.ShouldAlmostEqual, 0.1)
	test.That(t, moved.Y, test.ShouldAlmostEqual, 0.8)
	test.That(t, moved.Z, test.ShouldAlmostEqual, 0.7)
}

func TestComposeAndInverse(t *testing.T) {
	a := NewPose(r3.Vector{X: 1}, EulerAngles{Roll: 0.3, Yaw: 0.2}.Quaternion())
	b := NewPose(r3.Vector{Y: 2, Z: -1}, EulerAngles{Pitch: -0.4}.Quaternion())
	v := r3.Vector{X: 0.5, Y: 0.25, Z: 2}

	composed := TransformPoint(Compose(a, b), v)
	sequential := TransformPoint(a, TransformPoint(b, v))
	test.That(t, composed.Sub(sequential).Norm(), test.ShouldBeLessThan, 1e-9)

	identity := Compose(a, PoseInverse(a))
	test.That(t, PoseAlmostEqual(identity, NewZeroPose(), 1e-9), test.ShouldBeTrue)

	between := PoseBetween(a, b)
	test.That(t, PoseAlmostEqual(Compose(a, between), b, 1e-9), test.ShouldBeTrue)
}

func TestRotationMatrixRoundTrip(t *testing.T) {
	orig := NewPose(r3.Vector{X: 0.025, Y: 0, Z: 0}, EulerAngles{Roll: 0.1, Pitch: 0.2, Yaw: -0.3}.Quaternion())
	rot := RotationMatrix(orig)

	det := mat.Det(rot)
	test.That(t, det, test.ShouldAlmostEqual, 1)

	rebuilt := NewPoseFromRotationMatrix(rot, orig.Point())
	test.That(t, PoseAlmostEqual(orig, rebuilt, 1e-9), test.ShouldBeTrue)
}

func TestParsePose(t *testing.T) {
	p, err := ParsePose("0.1 0 0.5 0 0 90")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Point().X, test.ShouldAlmostEqual, 0.1)
	test.That(t, p.Point().Z, test.ShouldAlmostEqual, 0.5)
	ea := QuatToEulerAngles(p.Orientation())
	test.That(t, utils.RadToDeg(ea.Yaw), test.ShouldAlmostEqual, 90)

	reparsed, err := ParsePose(FormatPose(p))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, PoseAlmostEqual(p, reparsed, 1e-9), test.ShouldBeTrue)

	p, err = ParsePose("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, PoseAlmostEqual(p, NewZeroPose(), 1e-12), test.ShouldBeTrue)

	_, err = ParsePose("1,2,3")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = ParsePose("1 2 3 a b c")
	test.That(t, err, test.ShouldNotBeNil)
}
