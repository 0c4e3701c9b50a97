// Package pose estimates the camera pose of each frame relative to the first one.
package pose

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/rgbd"
	"go.viam.com/rgbd/spatialmath"
)

// State is what an estimator knows about the previous frame.
type State struct {
	// Pose is the camera to model transform of Frame. It is nil before the first frame.
	Pose  spatialmath.Pose
	Frame *rgbd.Frame
}

// An Estimator computes the camera to model transform of a new frame.
type Estimator interface {
	Estimate(ctx context.Context, current *rgbd.Frame, previous State) (spatialmath.Pose, error)
}

// Mode selects an estimator.
type Mode string

// The estimator modes.
const (
	ModeDummy Mode = "dummy"
	ModeFile  Mode = "file"
	ModeDelta Mode = "delta"
	ModeImage Mode = "image"
)

// ParseMode maps a command line value to a mode. The empty string is ModeDummy.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeDummy, nil
	case ModeDummy, ModeFile, ModeDelta, ModeImage:
		return m, nil
	default:
		return "", errors.Errorf("unknown pose estimator %q, expected file, delta or image", s)
	}
}

// Config configures the estimator built by New.
type Config struct {
	Mode Mode
	// Initial is the pose of the first frame. Nil means the identity.
	Initial spatialmath.Pose
	// Delta is the motion between two frames in ModeDelta.
	Delta spatialmath.Pose
	// File holds one pose per line, indexed by frame, in ModeFile.
	File string
	// Poses are frame indexed poses used in ModeFile when File is empty.
	Poses map[int]spatialmath.Pose
	// Refine corrects dummy, delta and file poses with ICP.
	Refine bool
	ICP    ICPConfig
}

// Validate checks the configuration.
func (cfg *Config) Validate() error {
	switch cfg.Mode {
	case "", ModeDummy, ModeImage:
	case ModeDelta:
		if cfg.Delta == nil {
			return errors.New("delta estimator needs a delta pose")
		}
	case ModeFile:
		if cfg.File == "" && cfg.Poses == nil {
			return errors.New("file estimator needs a pose file or a catalog session")
		}
	default:
		return errors.Errorf("unknown pose estimator %q", cfg.Mode)
	}
	return cfg.ICP.Validate()
}

func (cfg *Config) initial() spatialmath.Pose {
	if cfg.Initial == nil {
		return spatialmath.NewZeroPose()
	}
	return cfg.Initial
}

// New builds the estimator selected by cfg.
func New(cfg Config, logger logging.Logger) (Estimator, error) {
	est, err := newEstimator(cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Refine && cfg.Mode != ModeImage {
		return NewRefiningEstimator(est, cfg.ICP, logger), nil
	}
	return est, nil
}

func newEstimator(cfg Config, logger logging.Logger) (Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeDelta:
		return &DeltaEstimator{Initial: cfg.initial(), Delta: cfg.Delta}, nil
	case ModeFile:
		poses := cfg.Poses
		if cfg.File != "" {
			var err error
			if poses, err = ReadPoseFile(cfg.File); err != nil {
				return nil, err
			}
		}
		logger.Infow("replaying poses", "count", len(poses))
		return &FileEstimator{Poses: poses}, nil
	case ModeImage:
		return NewImageEstimator(cfg.initial(), cfg.ICP, logger), nil
	default:
		return &DummyEstimator{Initial: cfg.initial()}, nil
	}
}

// DummyEstimator keeps every frame at the initial pose.
type DummyEstimator struct {
	Initial spatialmath.Pose
}

// Estimate returns the initial pose.
func (e *DummyEstimator) Estimate(ctx context.Context, current *rgbd.Frame, previous State) (spatialmath.Pose, error) {
	return e.Initial, ctx.Err()
}

// DeltaEstimator moves the camera by Delta at every frame, starting at Initial.
type DeltaEstimator struct {
	Initial spatialmath.Pose
	Delta   spatialmath.Pose
}

// Estimate returns Initial for the first frame and previous*Delta afterwards.
func (e *DeltaEstimator) Estimate(ctx context.Context, current *rgbd.Frame, previous State) (spatialmath.Pose, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if previous.Pose == nil {
		return e.Initial, nil
	}
	return spatialmath.Compose(previous.Pose, e.Delta), nil
}

// FileEstimator replays known poses by frame index.
type FileEstimator struct {
	Poses map[int]spatialmath.Pose
}

// Estimate returns the pose recorded for the frame index.
func (e *FileEstimator) Estimate(ctx context.Context, current *rgbd.Frame, previous State) (spatialmath.Pose, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := e.Poses[current.Index]
	if !ok {
		return nil, errors.Errorf("no pose for frame %d", current.Index)
	}
	return p, nil
}

// ReadPoseFile reads one "tx ty tz rx ry rz" pose per line. Line n is the pose of frame n. Blank
// lines and lines starting with # are skipped without consuming an index.
func ReadPoseFile(path string) (map[int]spatialmath.Pose, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	return ReadPoses(f)
}

// ReadPoses is ReadPoseFile on a reader.
func ReadPoses(r io.Reader) (map[int]spatialmath.Pose, error) {
	poses := map[int]spatialmath.Pose{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		p, err := spatialmath.ParsePose(text)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		poses[len(poses)] = p
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return poses, nil
}
