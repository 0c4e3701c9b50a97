package calibration

import (
	"context"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rgbd/rimage/transform"
	"go.viam.com/rgbd/spatialmath"
)

// SolveFlags select which intrinsics are held fixed during calibration.
type SolveFlags int

const (
	// IgnoreDistortion keeps the lens distortion at zero.
	IgnoreDistortion SolveFlags = 1 << iota
	// FixPrincipalPoint holds the principal point at the image center, or at the guess.
	FixPrincipalPoint
	// FixAspectRatio keeps fy/fx at its initial value.
	FixAspectRatio
	// UseIntrinsicGuess starts from the given intrinsics instead of a closed form estimate.
	UseIntrinsicGuess
)

// Has reports whether all of the given flags are set.
func (f SolveFlags) Has(flag SolveFlags) bool {
	return f&flag == flag
}

const (
	maxSolverIterations = 200
	solverTolerance     = 1e-12
)

// Solution is the result of an intrinsic calibration.
type Solution struct {
	Intrinsics *transform.PinholeCameraIntrinsics
	Distortion *transform.BrownConrady
	// RMS is the root mean square reprojection error in pixels over every point.
	RMS     float64
	PerView []float64
	// Poses of the pattern in the camera frame, one per view.
	Poses []spatialmath.Pose
}

// Calibrate estimates camera intrinsics from views of a planar pattern. objectPoints are on the
// z=0 plane of the pattern, imagePoints the matching detections. initial is required with
// UseIntrinsicGuess or FixAspectRatio and optional otherwise.
func Calibrate(
	ctx context.Context,
	objectPoints [][]r3.Vector,
	imagePoints [][]r2.Point,
	size image.Point,
	initial *transform.PinholeCameraIntrinsics,
	flags SolveFlags,
) (*Solution, error) {
	if len(objectPoints) == 0 || len(objectPoints) != len(imagePoints) {
		return nil, errors.Errorf("need matching non empty views, got %d object and %d image", len(objectPoints), len(imagePoints))
	}
	for i := range objectPoints {
		if len(objectPoints[i]) != len(imagePoints[i]) || len(objectPoints[i]) < 4 {
			return nil, errors.Errorf("view %d: need at least 4 matching points", i)
		}
	}
	if (flags.Has(UseIntrinsicGuess) || flags.Has(FixAspectRatio)) && initial == nil {
		return nil, transform.NewNoIntrinsicsError("initial intrinsics required")
	}

	homographies := make([]*mat.Dense, len(objectPoints))
	for i := range objectPoints {
		plane := make([]r2.Point, len(objectPoints[i]))
		for j, p := range objectPoints[i] {
			plane[j] = r2.Point{X: p.X, Y: p.Y}
		}
		h, err := FindHomography(plane, imagePoints[i])
		if err != nil {
			return nil, errors.Wrapf(err, "view %d", i)
		}
		homographies[i] = h
	}

	k := initialIntrinsics(homographies, size, initial, flags)
	s := newSolverState(k, flags, initial)
	for _, h := range homographies {
		rvec, tvec := viewPoseFromHomography(h, k)
		s.views = append(s.views, append(rvec, tvec...))
	}

	x := s.pack()
	residual := func(y, x []float64) {
		s.residuals(y, x, objectPoints, imagePoints)
	}
	numResiduals := 0
	for _, pts := range imagePoints {
		numResiduals += 2 * len(pts)
	}
	if numResiduals < len(x) {
		return nil, errors.Errorf("not enough points (%d residuals) for %d parameters", numResiduals, len(x))
	}
	if err := levenbergMarquardt(ctx, residual, x, numResiduals); err != nil {
		return nil, err
	}
	s.unpack(x)

	sol := &Solution{
		Intrinsics: &transform.PinholeCameraIntrinsics{
			Width: size.X, Height: size.Y,
			Fx: s.fx, Fy: s.fy, Ppx: s.cx, Ppy: s.cy,
		},
		PerView: make([]float64, len(objectPoints)),
		Poses:   make([]spatialmath.Pose, len(objectPoints)),
	}
	if !flags.Has(IgnoreDistortion) {
		d := s.distortion
		sol.Distortion = &d
	}
	y := make([]float64, numResiduals)
	residual(y, x)
	total, offset := 0., 0
	for i, pts := range imagePoints {
		n := 2 * len(pts)
		sq := floats.Dot(y[offset:offset+n], y[offset:offset+n])
		total += sq
		sol.PerView[i] = math.Sqrt(sq / float64(len(pts)))
		offset += n
		v := s.views[i]
		sol.Poses[i] = spatialmath.NewPose(r3.Vector{X: v[3], Y: v[4], Z: v[5]}, rodriguesToPose(v[:3]).Orientation())
	}
	sol.RMS = math.Sqrt(total / float64(numResiduals/2))
	return sol, nil
}

// initialIntrinsics estimates the focal lengths from the vanishing points of each view, with the
// principal point at the image center (or the guess) and zero skew.
func initialIntrinsics(
	homographies []*mat.Dense,
	size image.Point,
	initial *transform.PinholeCameraIntrinsics,
	flags SolveFlags,
) *transform.PinholeCameraIntrinsics {
	if flags.Has(UseIntrinsicGuess) {
		return initial.Clone()
	}
	cx, cy := (float64(size.X)-1)/2, (float64(size.Y)-1)/2
	if initial != nil && flags.Has(FixPrincipalPoint) {
		cx, cy = initial.Ppx, initial.Ppy
	}
	aspect := 1.
	if flags.Has(FixAspectRatio) && initial.Fx != 0 {
		aspect = initial.Fy / initial.Fx
	}

	a := mat.NewDense(2*len(homographies), 2, nil)
	b := mat.NewVecDense(2*len(homographies), nil)
	for i, h := range homographies {
		// move the principal point to the origin
		var hc mat.Dense
		hc.Mul(mat.NewDense(3, 3, []float64{1, 0, -cx, 0, 1, -cy, 0, 0, 1}), h)
		h1 := r3.Vector{X: hc.At(0, 0), Y: hc.At(1, 0), Z: hc.At(2, 0)}
		h2 := r3.Vector{X: hc.At(0, 1), Y: hc.At(1, 1), Z: hc.At(2, 1)}
		a.SetRow(2*i, []float64{h1.X * h2.X, h1.Y * h2.Y})
		b.SetVec(2*i, -h1.Z*h2.Z)
		a.SetRow(2*i+1, []float64{h1.X*h1.X - h2.X*h2.X, h1.Y*h1.Y - h2.Y*h2.Y})
		b.SetVec(2*i+1, -(h1.Z*h1.Z - h2.Z*h2.Z))
	}

	fallback := math.Max(float64(size.X), float64(size.Y))
	fx, fy := fallback, fallback*aspect
	if flags.Has(FixAspectRatio) {
		// 1/fy^2 = 1/(aspect^2 fx^2): a single unknown
		var num, den float64
		for i := 0; i < a.RawMatrix().Rows; i++ {
			coef := a.At(i, 0) + a.At(i, 1)/(aspect*aspect)
			num += coef * b.AtVec(i)
			den += coef * coef
		}
		if den > 0 && num/den > 0 {
			fx = 1 / math.Sqrt(num/den)
			fy = fx * aspect
		}
	} else {
		var sol mat.VecDense
		if err := sol.SolveVec(a, b); err == nil && sol.AtVec(0) > 0 && sol.AtVec(1) > 0 {
			fx = 1 / math.Sqrt(sol.AtVec(0))
			fy = 1 / math.Sqrt(sol.AtVec(1))
		}
	}
	return &transform.PinholeCameraIntrinsics{
		Width: size.X, Height: size.Y,
		Fx: fx, Fy: fy, Ppx: cx, Ppy: cy,
	}
}

// viewPoseFromHomography decomposes H = K [r1 r2 t] into a rotation vector and translation.
func viewPoseFromHomography(h *mat.Dense, k *transform.PinholeCameraIntrinsics) ([]float64, []float64) {
	var kInv mat.Dense
	if err := kInv.Inverse(k.GetCameraMatrix()); err != nil {
		return []float64{0, 0, 0}, []float64{0, 0, 1}
	}
	var m mat.Dense
	m.Mul(&kInv, h)
	m1 := r3.Vector{X: m.At(0, 0), Y: m.At(1, 0), Z: m.At(2, 0)}
	m2 := r3.Vector{X: m.At(0, 1), Y: m.At(1, 1), Z: m.At(2, 1)}
	m3 := r3.Vector{X: m.At(0, 2), Y: m.At(1, 2), Z: m.At(2, 2)}
	lambda := 2 / (m1.Norm() + m2.Norm())
	r1, r2, t := m1.Mul(lambda), m2.Mul(lambda), m3.Mul(lambda)
	if t.Z < 0 {
		r1, r2, t = r1.Mul(-1), r2.Mul(-1), t.Mul(-1)
	}
	r3v := r1.Cross(r2)
	rot := mat.NewDense(3, 3, []float64{
		r1.X, r2.X, r3v.X,
		r1.Y, r2.Y, r3v.Y,
		r1.Z, r2.Z, r3v.Z,
	})

	// closest rotation matrix
	var svd mat.SVD
	if ok := svd.Factorize(rot, mat.SVDFull); ok {
		var u, v mat.Dense
		svd.UTo(&u)
		svd.VTo(&v)
		rot.Mul(&u, v.T())
		if mat.Det(rot) < 0 {
			rot.Scale(-1, rot)
		}
	}
	pose := spatialmath.NewPoseFromRotationMatrix(rot, r3.Vector{})
	return poseToRodrigues(pose), []float64{t.X, t.Y, t.Z}
}

// poseToRodrigues returns the rotation of a pose as an axis scaled by the angle in radians.
func poseToRodrigues(p spatialmath.Pose) []float64 {
	q := p.Orientation()
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	n := v.Norm()
	if n < 1e-15 {
		return []float64{0, 0, 0}
	}
	angle := spatialmath.QuatAngle(q)
	if q.Real < 0 {
		angle = -angle
	}
	axis := v.Mul(angle / n)
	return []float64{axis.X, axis.Y, axis.Z}
}

func rodriguesToPose(rvec []float64) spatialmath.Pose {
	r := r3.Vector{X: rvec[0], Y: rvec[1], Z: rvec[2]}
	theta := r.Norm()
	if theta < 1e-15 {
		return spatialmath.NewZeroPose()
	}
	axis := r.Mul(1 / theta)
	s := math.Sin(theta / 2)
	return spatialmath.NewPose(r3.Vector{}, quat.Number{Real: math.Cos(theta / 2), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s})
}

// rotateRodrigues rotates p by the rotation vector r.
func rotateRodrigues(r, p r3.Vector) r3.Vector {
	theta := r.Norm()
	if theta < 1e-12 {
		return p.Add(r.Cross(p))
	}
	k := r.Mul(1 / theta)
	cos, sin := math.Cos(theta), math.Sin(theta)
	return p.Mul(cos).Add(k.Cross(p).Mul(sin)).Add(k.Mul(k.Dot(p) * (1 - cos)))
}

// solverState maps between the packed parameter vector and the camera model.
type solverState struct {
	flags      SolveFlags
	aspect     float64
	fx, fy     float64
	cx, cy     float64
	distortion transform.BrownConrady
	// rotation vector followed by translation, per view
	views [][]float64
}

func newSolverState(k *transform.PinholeCameraIntrinsics, flags SolveFlags, initial *transform.PinholeCameraIntrinsics) *solverState {
	s := &solverState{flags: flags, fx: k.Fx, fy: k.Fy, cx: k.Ppx, cy: k.Ppy, aspect: 1}
	if flags.Has(FixAspectRatio) && initial != nil && initial.Fx != 0 {
		s.aspect = initial.Fy / initial.Fx
	}
	return s
}

func (s *solverState) pack() []float64 {
	x := []float64{s.fx}
	if !s.flags.Has(FixAspectRatio) {
		x = append(x, s.fy)
	}
	if !s.flags.Has(FixPrincipalPoint) {
		x = append(x, s.cx, s.cy)
	}
	if !s.flags.Has(IgnoreDistortion) {
		x = append(x, s.distortion.Parameters()...)
	}
	for _, v := range s.views {
		x = append(x, v...)
	}
	return x
}

func (s *solverState) unpack(x []float64) {
	i := 0
	s.fx = x[i]
	i++
	if s.flags.Has(FixAspectRatio) {
		s.fy = s.fx * s.aspect
	} else {
		s.fy = x[i]
		i++
	}
	if !s.flags.Has(FixPrincipalPoint) {
		s.cx, s.cy = x[i], x[i+1]
		i += 2
	}
	if !s.flags.Has(IgnoreDistortion) {
		s.distortion = transform.BrownConrady{
			RadialK1:     x[i],
			RadialK2:     x[i+1],
			TangentialP1: x[i+2],
			TangentialP2: x[i+3],
			RadialK3:     x[i+4],
		}
		i += 5
	}
	for v := range s.views {
		copy(s.views[v], x[i:i+6])
		i += 6
	}
}

// residuals writes the reprojection error of every point for the parameters x.
func (s *solverState) residuals(y, x []float64, objectPoints [][]r3.Vector, imagePoints [][]r2.Point) {
	local := *s
	local.views = make([][]float64, len(s.views))
	for i := range local.views {
		local.views[i] = make([]float64, 6)
	}
	local.unpack(x)
	k := 0
	for v, pts := range objectPoints {
		view := local.views[v]
		rvec := r3.Vector{X: view[0], Y: view[1], Z: view[2]}
		tvec := r3.Vector{X: view[3], Y: view[4], Z: view[5]}
		for j, p := range pts {
			c := rotateRodrigues(rvec, p).Add(tvec)
			xn, yn := c.X/c.Z, c.Y/c.Z
			if !local.flags.Has(IgnoreDistortion) {
				xn, yn = local.distortion.Transform(xn, yn)
			}
			obs := imagePoints[v][j]
			y[k] = local.fx*xn + local.cx - obs.X
			y[k+1] = local.fy*yn + local.cy - obs.Y
			k += 2
		}
	}
}

// levenbergMarquardt minimizes the sum of squares of f in place, with a finite difference
// Jacobian and Marquardt's diagonal damping.
func levenbergMarquardt(ctx context.Context, f func(y, x []float64), x []float64, m int) error {
	n := len(x)
	y := make([]float64, m)
	f(y, x)
	cost := floats.Dot(y, y)

	jac := mat.NewDense(m, n, nil)
	settings := &fd.JacobianSettings{Formula: fd.Central, Concurrent: true}
	lambda := 1e-3
	candidate := make([]float64, n)
	yCandidate := make([]float64, m)

	for iter := 0; iter < maxSolverIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		fd.Jacobian(jac, f, x, settings)
		var jtj mat.SymDense
		jtj.SymOuterK(1, jac.T())
		var grad mat.VecDense
		grad.MulVec(jac.T(), mat.NewVecDense(m, y))

		improved := false
		for lambda < 1e12 {
			damped := mat.NewSymDense(n, nil)
			damped.CopySym(&jtj)
			for i := 0; i < n; i++ {
				damped.SetSym(i, i, jtj.At(i, i)*(1+lambda)+1e-12)
			}
			var chol mat.Cholesky
			if ok := chol.Factorize(damped); !ok {
				lambda *= 10
				continue
			}
			var step mat.VecDense
			if err := chol.SolveVecTo(&step, &grad); err != nil {
				lambda *= 10
				continue
			}
			for i := range x {
				candidate[i] = x[i] - step.AtVec(i)
			}
			f(yCandidate, candidate)
			newCost := floats.Dot(yCandidate, yCandidate)
			if newCost < cost && !math.IsNaN(newCost) {
				converged := cost-newCost <= solverTolerance*cost ||
					floats.Norm(step.RawVector().Data, 2) <= solverTolerance*(floats.Norm(x, 2)+solverTolerance)
				copy(x, candidate)
				copy(y, yCandidate)
				cost = newCost
				lambda = math.Max(lambda/10, 1e-12)
				improved = true
				if converged {
					return nil
				}
				break
			}
			lambda *= 10
		}
		if !improved {
			return nil
		}
	}
	return nil
}
