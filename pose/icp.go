package pose

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/pointcloud"
	"go.viam.com/rgbd/rgbd"
	"go.viam.com/rgbd/spatialmath"
)

// ICPConfig tunes the point to point ICP of the image estimator. Zero fields take the defaults.
type ICPConfig struct {
	Iterations int
	// MaxCorrespondenceDistance is the largest distance, in metres, between matched points.
	MaxCorrespondenceDistance float64
	// MaxPoints subsamples the moving cloud.
	MaxPoints int
	// Tolerance stops the iterations when the transform changes less than this.
	Tolerance float64
}

// DefaultICPConfig is the configuration used by the scanner.
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		Iterations:                30,
		MaxCorrespondenceDistance: 0.05,
		MaxPoints:                 4000,
		Tolerance:                 1e-6,
	}
}

// Validate checks the configuration.
func (cfg *ICPConfig) Validate() error {
	if cfg.Iterations < 0 || cfg.MaxPoints < 0 {
		return errors.New("icp iterations and max points must be non-negative")
	}
	if cfg.MaxCorrespondenceDistance < 0 || cfg.Tolerance < 0 {
		return errors.New("icp distances must be non-negative")
	}
	return nil
}

func (cfg ICPConfig) withDefaults() ICPConfig {
	def := DefaultICPConfig()
	if cfg.Iterations == 0 {
		cfg.Iterations = def.Iterations
	}
	if cfg.MaxCorrespondenceDistance == 0 {
		cfg.MaxCorrespondenceDistance = def.MaxCorrespondenceDistance
	}
	if cfg.MaxPoints == 0 {
		cfg.MaxPoints = def.MaxPoints
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = def.Tolerance
	}
	return cfg
}

// ErrTooFewCorrespondences is returned when the clouds do not overlap enough to be registered.
var ErrTooFewCorrespondences = errors.New("too few correspondences to register clouds")

// ICPResult is the outcome of a registration.
type ICPResult struct {
	// Pose maps the moving cloud onto the fixed one.
	Pose            spatialmath.Pose
	RMS             float64
	Iterations      int
	Correspondences int
}

// ImageEstimator tracks the camera by registering the cloud of each frame onto the cloud of the
// previous one.
type ImageEstimator struct {
	initial spatialmath.Pose
	cfg     ICPConfig
	logger  logging.Logger
}

// NewImageEstimator returns an estimator starting at initial.
func NewImageEstimator(initial spatialmath.Pose, cfg ICPConfig, logger logging.Logger) *ImageEstimator {
	return &ImageEstimator{initial: initial, cfg: cfg.withDefaults(), logger: logger}
}

// Estimate registers the current cloud onto the previous one. Frames need a cloud, which the
// processor only builds when the device is calibrated.
func (e *ImageEstimator) Estimate(ctx context.Context, current *rgbd.Frame, previous State) (spatialmath.Pose, error) {
	if current.Cloud == nil {
		return nil, errors.Errorf("frame %d has no point cloud, a calibration is needed", current.Index)
	}
	if previous.Pose == nil || previous.Frame == nil || previous.Frame.Cloud == nil {
		return e.initial, ctx.Err()
	}
	res, err := RegisterICP(ctx, pointcloud.Points(current.Cloud), pointcloud.Points(previous.Frame.Cloud), e.cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot register frame %d", current.Index)
	}
	e.logger.Debugw("registered frame", "frame", current.Index, "rms", res.RMS,
		"iterations", res.Iterations, "correspondences", res.Correspondences)
	return spatialmath.Compose(previous.Pose, res.Pose), nil
}

// RefiningEstimator corrects the pose of another estimator by registering each cloud onto the
// previous one, seeded with the motion the inner estimator predicts.
type RefiningEstimator struct {
	inner  Estimator
	cfg    ICPConfig
	logger logging.Logger
}

// NewRefiningEstimator wraps inner.
func NewRefiningEstimator(inner Estimator, cfg ICPConfig, logger logging.Logger) *RefiningEstimator {
	return &RefiningEstimator{inner: inner, cfg: cfg.withDefaults(), logger: logger}
}

// Estimate returns the inner estimate refined by ICP. Frames without clouds, and frames ICP cannot
// register, keep the inner estimate.
func (e *RefiningEstimator) Estimate(ctx context.Context, current *rgbd.Frame, previous State) (spatialmath.Pose, error) {
	guess, err := e.inner.Estimate(ctx, current, previous)
	if err != nil {
		return nil, err
	}
	if previous.Pose == nil || previous.Frame == nil || previous.Frame.Cloud == nil || current.Cloud == nil {
		return guess, nil
	}
	motion := spatialmath.PoseBetween(previous.Pose, guess)
	res, err := RegisterICPFrom(ctx, pointcloud.Points(current.Cloud), pointcloud.Points(previous.Frame.Cloud), motion, e.cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warnw("keeping unrefined pose", "frame", current.Index, "error", err)
		return guess, nil
	}
	return spatialmath.Compose(previous.Pose, res.Pose), nil
}

// RegisterICP finds the rigid transform that maps moving onto fixed with point to point ICP.
func RegisterICP(ctx context.Context, moving, fixed []r3.Vector, cfg ICPConfig) (*ICPResult, error) {
	return RegisterICPFrom(ctx, moving, fixed, nil, cfg)
}

// RegisterICPFrom is RegisterICP starting from guess instead of the identity.
func RegisterICPFrom(ctx context.Context, moving, fixed []r3.Vector, guess spatialmath.Pose, cfg ICPConfig) (*ICPResult, error) {
	cfg = cfg.withDefaults()
	if len(moving) < 3 || len(fixed) < 3 {
		return nil, ErrTooFewCorrespondences
	}
	step := int(math.Ceil(float64(len(moving)) / float64(cfg.MaxPoints)))
	src := make([]r3.Vector, 0, len(moving)/step+1)
	for i := 0; i < len(moving); i += step {
		src = append(src, moving[i])
	}
	grid := newPointGrid(fixed, cfg.MaxCorrespondenceDistance)

	rot := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	var trans r3.Vector
	if guess != nil {
		rot, trans = spatialmath.RotationMatrix(guess), guess.Point()
	}
	res := &ICPResult{}
	from := make([]r3.Vector, 0, len(src))
	to := make([]r3.Vector, 0, len(src))
	for res.Iterations < cfg.Iterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Iterations++
		from, to = from[:0], to[:0]
		var sq float64
		for _, s := range src {
			p := mulVec(rot, s).Add(trans)
			q, d, ok := grid.nearest(p)
			if !ok {
				continue
			}
			from = append(from, s)
			to = append(to, q)
			sq += d * d
		}
		if len(from) < 3 {
			return nil, ErrTooFewCorrespondences
		}
		res.Correspondences = len(from)
		res.RMS = math.Sqrt(sq / float64(len(from)))

		newRot, newTrans, err := kabsch(from, to)
		if err != nil {
			return nil, err
		}
		var diff mat.Dense
		diff.Sub(newRot, rot)
		change := mat.Norm(&diff, 2) + newTrans.Sub(trans).Norm()
		rot, trans = newRot, newTrans
		if change < cfg.Tolerance {
			break
		}
	}
	res.Pose = spatialmath.NewPoseFromRotationMatrix(rot, trans)
	return res, nil
}

// kabsch returns the rotation and translation minimising the distance between R*from+t and to.
func kabsch(from, to []r3.Vector) (*mat.Dense, r3.Vector, error) {
	cf, ct := centroid(from), centroid(to)
	h := mat.NewDense(3, 3, nil)
	for i := range from {
		a, b := from[i].Sub(cf), to[i].Sub(ct)
		av, bv := [3]float64{a.X, a.Y, a.Z}, [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+av[r]*bv[c])
			}
		}
	}
	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return nil, r3.Vector{}, errors.New("cannot factorize cross covariance")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var vut mat.Dense
	vut.Mul(&v, u.T())
	sign := 1.0
	if mat.Det(&vut) < 0 {
		sign = -1
	}
	var rot mat.Dense
	rot.Product(&v, mat.NewDiagDense(3, []float64{1, 1, sign}), u.T())
	return &rot, ct.Sub(mulVec(&rot, cf)), nil
}

func centroid(pts []r3.Vector) r3.Vector {
	var c r3.Vector
	for _, p := range pts {
		c = c.Add(p)
	}
	return c.Mul(1 / float64(len(pts)))
}

func mulVec(m mat.Matrix, p r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*p.X + m.At(0, 1)*p.Y + m.At(0, 2)*p.Z,
		Y: m.At(1, 0)*p.X + m.At(1, 1)*p.Y + m.At(1, 2)*p.Z,
		Z: m.At(2, 0)*p.X + m.At(2, 1)*p.Y + m.At(2, 2)*p.Z,
	}
}

type cellKey struct {
	I, J, K int64
}

// pointGrid hashes points into cubic cells the size of the search radius, so a nearest neighbour
// lies in the 27 cells around the query.
type pointGrid struct {
	size  float64
	cells map[cellKey][]r3.Vector
}

func newPointGrid(pts []r3.Vector, size float64) *pointGrid {
	g := &pointGrid{size: size, cells: make(map[cellKey][]r3.Vector, len(pts))}
	for _, p := range pts {
		k := g.key(p)
		g.cells[k] = append(g.cells[k], p)
	}
	return g
}

func (g *pointGrid) key(p r3.Vector) cellKey {
	return cellKey{
		I: int64(math.Floor(p.X / g.size)),
		J: int64(math.Floor(p.Y / g.size)),
		K: int64(math.Floor(p.Z / g.size)),
	}
}

func (g *pointGrid) nearest(p r3.Vector) (r3.Vector, float64, bool) {
	k := g.key(p)
	best, bestDist := r3.Vector{}, math.Inf(1)
	for i := k.I - 1; i <= k.I+1; i++ {
		for j := k.J - 1; j <= k.J+1; j++ {
			for l := k.K - 1; l <= k.K+1; l++ {
				for _, q := range g.cells[cellKey{i, j, l}] {
					if d := q.Sub(p).Norm(); d < bestDist {
						best, bestDist = q, d
					}
				}
			}
		}
	}
	if bestDist > g.size {
		return r3.Vector{}, 0, false
	}
	return best, bestDist, true
}
