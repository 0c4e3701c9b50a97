// Package intrinsics runs the intrinsic calibration of an RGBD camera over a directory of
// recorded views and updates its calibration file.
package intrinsics

import (
	"context"
	"image"
	"os"
	"path/filepath"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.viam.com/rgbd/calibration"
	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/rgbd"
	"go.viam.com/rgbd/rimage/transform"
	"go.viam.com/rgbd/utils"
	"go.viam.com/rgbd/vision/chessboard"
)

// ErrNotADirectory is returned when the image directory is missing or is a file.
var ErrNotADirectory = utils.ErrNotADirectory

// Infrared streams are solved from a fixed guess for a 1280x1024 sensor.
const (
	infraredGuessWidth  = 1280
	infraredGuessHeight = 1024
	// the mapped cloud is not used by the calibration
	mappingCloudStep = 16
)

// Detector finds the pattern features in an image, in pattern order.
type Detector interface {
	Detect(ctx context.Context, img image.Image, pattern calibration.Pattern) ([]r2.Point, bool, error)
}

// Options configure a calibration run.
type Options struct {
	ImageDir        string
	CalibrationFile string
	Pattern         calibration.Pattern
	// IgnoreDistortion keeps lens distortion at zero.
	IgnoreDistortion bool
	// FixPrincipalPoint holds the principal point during the full solve.
	FixPrincipalPoint bool
	// ScaleFactorOnly only corrects the color focal lengths by a scalar.
	ScaleFactorOnly bool
	// Infrared calibrates the infrared camera and derives the depth intrinsics from it.
	Infrared bool
	// ColorIntrinsicsFile is a JSON file of pinhole intrinsics replacing the color intrinsics of
	// the calibration file before the run.
	ColorIntrinsicsFile string
	// Detector defaults to the pattern detectors of the chessboard package.
	Detector Detector
	// Progress, when set, is told when a stage starts and after each view is detected.
	Progress func(stage Stage, done, total int)
}

// Stage is a step of a calibration run.
type Stage string

// The stages of a run, in order.
const (
	StageDetect Stage = "detect"
	StageSolve  Stage = "solve"
	StageSave   Stage = "save"
)

func (o *Options) report(stage Stage, done, total int) {
	if o.Progress != nil {
		o.Progress(stage, done, total)
	}
}

// DefaultOptions returns the options used by the calibrate command when no flag is given.
func DefaultOptions() Options {
	return Options{
		CalibrationFile:   calibration.DefaultCalibrationFile,
		Pattern:           calibration.DefaultPattern,
		IgnoreDistortion:  true,
		FixPrincipalPoint: true,
		ScaleFactorOnly:   true,
	}
}

// Validate checks the options without touching the filesystem.
func (o *Options) Validate() error {
	if o.ImageDir == "" {
		return errors.New("an image directory is required")
	}
	if o.CalibrationFile == "" {
		return errors.New("a calibration file is required")
	}
	return o.Pattern.Validate()
}

func (o *Options) solveFlags() calibration.SolveFlags {
	var flags calibration.SolveFlags
	if o.IgnoreDistortion {
		flags |= calibration.IgnoreDistortion
	}
	if o.FixPrincipalPoint {
		flags |= calibration.FixPrincipalPoint
	}
	return flags
}

// Result summarizes a calibration run.
type Result struct {
	Views int
	Good  int
	// InitialFocal is the color fx before the run.
	InitialFocal float64
	Corners      *calibration.CorrespondenceSet
	Solution     *calibration.Solution
	Scale        *calibration.ScaleEstimate
	Record       *calibration.Record
}

// Run loads every view under ImageDir, detects the pattern, solves the requested intrinsics,
// derives the depth intrinsics and overwrites the calibration file.
func Run(ctx context.Context, opts Options, logger logging.Logger) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Detector == nil {
		opts.Detector = DefaultDetector{}
	}

	record, err := calibration.Load(opts.CalibrationFile)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		logger.Warnw("calibration file not found, starting from defaults", "file", opts.CalibrationFile)
		record = calibration.NewDefaultRecord()
	default:
		return nil, err
	}
	if opts.ColorIntrinsicsFile != "" {
		k, err := transform.NewPinholeCameraIntrinsicsFromJSONFile(opts.ColorIntrinsicsFile)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot load %s", opts.ColorIntrinsicsFile)
		}
		if err := k.CheckValid(); err != nil {
			return nil, errors.Wrapf(err, "cannot load %s", opts.ColorIntrinsicsFile)
		}
		if record.RGB == nil {
			record.RGB = &calibration.SensorParams{}
		}
		record.RGB.Intrinsics = k
		logger.Infow("color intrinsics replaced", "file", opts.ColorIntrinsicsFile, "fx", k.Fx, "fy", k.Fy)
	}

	dir, err := utils.EnsureDirectory(opts.ImageDir)
	if err != nil {
		return nil, err
	}
	viewDirs, err := rgbd.ListViews(dir)
	if err != nil {
		return nil, err
	}
	logger.Infow("loading views", "dir", dir, "count", len(viewDirs))

	res := &Result{Views: len(viewDirs), Record: record}
	if record.HasRGB() {
		res.InitialFocal = record.RGB.Intrinsics.Fx
	}
	corners := &calibration.CorrespondenceSet{Pattern: opts.Pattern}
	var colorSize, irSize, depthSize image.Point
	var mapper *rgbd.Processor
	if !opts.Infrared && record.HasRGB() && record.HasDepth() {
		mapper, err = rgbd.NewProcessor(
			rgbd.ProcessorConfig{Flags: rgbd.ComputeMapping, CloudStep: mappingCloudStep},
			logger.Sublogger("processor"))
		if err != nil {
			return nil, err
		}
	}
	opts.report(StageDetect, 0, len(viewDirs))
	for i, viewDir := range viewDirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i > 0 {
			opts.report(StageDetect, i, len(viewDirs))
		}
		name := filepath.Base(viewDir)
		frame, err := rgbd.LoadView(viewDir)
		if err != nil {
			logger.Warnw("cannot load view", "view", name, "error", err)
			corners.Add(calibration.ViewCorners{Name: name})
			continue
		}
		img := frame.Color
		if opts.Infrared {
			img = frame.Infrared
		}
		if img == nil {
			logger.Warnw("view has no image to detect the pattern in", "view", name, "infrared", opts.Infrared)
			corners.Add(calibration.ViewCorners{Name: name, Depth: frame.Depth})
			continue
		}
		if frame.Color != nil && colorSize == (image.Point{}) {
			colorSize = frame.Color.Bounds().Size()
		}
		if frame.Infrared != nil && irSize == (image.Point{}) {
			irSize = frame.Infrared.Bounds().Size()
		}
		if frame.Depth != nil && depthSize == (image.Point{}) {
			depthSize = frame.Depth.Bounds().Size()
		}
		depth := frame.Depth
		if mapper != nil && depth != nil {
			if err := mapper.Process(ctx, frame, record); err != nil {
				logger.Warnw("cannot map depth to color", "view", name, "error", err)
			} else if frame.Mapped != nil {
				depth = frame.Mapped
			}
		}
		pts, found, err := opts.Detector.Detect(ctx, img, opts.Pattern)
		if err != nil {
			logger.Warnw("pattern detection failed", "view", name, "error", err)
			found = false
		}
		corners.Add(calibration.ViewCorners{Name: name, Found: found, Corners: pts, Depth: depth})
		logger.Debugw("pattern detection", "view", name, "found", found, "corners", len(pts))
	}
	opts.report(StageDetect, len(viewDirs), len(viewDirs))
	res.Corners = corners
	res.Good = len(corners.Good())
	logger.Infow("pattern detection done", "views", res.Views, "good", res.Good)
	if res.Good == 0 {
		return res, errors.Wrapf(calibration.ErrNoGoodViews, "in %s", dir)
	}

	opts.report(StageSolve, 0, 0)
	if opts.Infrared {
		err = calibrateInfrared(ctx, opts, record, corners, irSize, depthSize, res, logger)
	} else {
		err = calibrateColor(ctx, opts, record, corners, colorSize, depthSize, res, logger)
	}
	if err != nil {
		return res, err
	}

	opts.report(StageSave, 0, 0)
	if err := record.Save(opts.CalibrationFile); err != nil {
		return res, err
	}
	logger.Infow("calibration saved", "file", opts.CalibrationFile)
	return res, nil
}

func calibrateColor(
	ctx context.Context,
	opts Options,
	record *calibration.Record,
	corners *calibration.CorrespondenceSet,
	colorSize, depthSize image.Point,
	res *Result,
	logger logging.Logger,
) error {
	if !record.HasRGB() {
		if colorSize == (image.Point{}) {
			return transform.NewNoIntrinsicsError("no color intrinsics and no color image")
		}
		// factory focal length for the color resolution
		fx := 525 * float64(colorSize.X) / 640
		record.RGB = &calibration.SensorParams{Intrinsics: &transform.PinholeCameraIntrinsics{
			Width: colorSize.X, Height: colorSize.Y,
			Fx: fx, Fy: fx,
			Ppx: float64(colorSize.X-1) / 2, Ppy: float64(colorSize.Y-1) / 2,
		}}
	}
	if colorSize == (image.Point{}) {
		colorSize = image.Pt(record.RGB.Intrinsics.Width, record.RGB.Intrinsics.Height)
	}
	depthWidth := depthSize.X
	if record.HasDepth() && record.Depth.Intrinsics.Width > 0 {
		depthWidth = record.Depth.Intrinsics.Width
	}
	if depthWidth == 0 {
		depthWidth = record.RGB.Intrinsics.Width
	}
	widthRatio := float64(record.RGB.Intrinsics.Width) / float64(depthWidth)

	if opts.ScaleFactorOnly {
		est, err := calibration.ScaleFactor(corners.All(), opts.Pattern, record.RGB.Intrinsics, record.RGB.Distortion)
		if err != nil {
			return err
		}
		res.Scale = est
		record.RGB.Intrinsics.Fx /= est.Scale
		record.RGB.Intrinsics.Fy /= est.Scale
		logger.Infow("scale factor", "scale", est.Scale, "pairs", est.Pairs, "spread", est.Spread)
	} else {
		objectPoints, imagePoints := corners.SolverInput()
		sol, err := calibration.Calibrate(ctx, objectPoints, imagePoints, colorSize, record.RGB.Intrinsics, opts.solveFlags())
		if err != nil {
			return errors.Wrap(err, "color calibration")
		}
		res.Solution = sol
		record.RGB.Intrinsics = sol.Intrinsics
		record.RGB.Distortion = sol.Distortion
		logger.Infow("color calibration", "rms", sol.RMS, "fx", sol.Intrinsics.Fx, "fy", sol.Intrinsics.Fy)
	}

	if err := record.DeriveDepthFromColor(widthRatio); err != nil {
		return err
	}
	record.UpdatePoses()
	return nil
}

func calibrateInfrared(
	ctx context.Context,
	opts Options,
	record *calibration.Record,
	corners *calibration.CorrespondenceSet,
	irSize, depthSize image.Point,
	res *Result,
	logger logging.Logger,
) error {
	guess := &transform.PinholeCameraIntrinsics{
		Width: infraredGuessWidth, Height: infraredGuessHeight,
		Fx: calibration.InfraredFocalGuess, Fy: calibration.InfraredFocalGuess,
		Ppx: infraredGuessWidth / 2, Ppy: infraredGuessHeight / 2,
	}
	if irSize == (image.Point{}) {
		irSize = image.Pt(infraredGuessWidth, infraredGuessHeight)
	}
	flags := opts.solveFlags() | calibration.UseIntrinsicGuess | calibration.FixAspectRatio
	objectPoints, imagePoints := corners.SolverInput()
	sol, err := calibration.Calibrate(ctx, objectPoints, imagePoints, irSize, guess, flags)
	if err != nil {
		return errors.Wrap(err, "infrared calibration")
	}
	res.Solution = sol
	record.Infrared = &calibration.SensorParams{Intrinsics: sol.Intrinsics, Distortion: sol.Distortion}
	logger.Infow("infrared calibration", "rms", sol.RMS, "fx", sol.Intrinsics.Fx)

	if !record.HasDepth() {
		if depthSize == (image.Point{}) {
			return transform.NewNoIntrinsicsError("depth resolution unknown")
		}
		record.Depth = &calibration.SensorParams{Intrinsics: &transform.PinholeCameraIntrinsics{
			Width: depthSize.X, Height: depthSize.Y,
		}}
	}
	if err := record.DepthFromInfrared(); err != nil {
		return err
	}
	record.UpdatePoses()
	return nil
}

// DefaultDetector finds chessboards and circle grids with the chessboard package.
type DefaultDetector struct{}

// Detect implements Detector.
func (DefaultDetector) Detect(ctx context.Context, img image.Image, pattern calibration.Pattern) ([]r2.Point, bool, error) {
	cfg := chessboard.GridConfig{Width: pattern.Width, Height: pattern.Height}
	switch pattern.Type {
	case calibration.PatternChessboard:
		return chessboard.FindChessboardCorners(ctx, img, cfg)
	case calibration.PatternCircles:
		return chessboard.FindCirclesGrid(ctx, img, cfg, false)
	case calibration.PatternAsymmetricCircles:
		return chessboard.FindCirclesGrid(ctx, img, cfg, true)
	default:
		return nil, false, errors.Wrapf(calibration.ErrInvalidPatternType, "%v", pattern.Type)
	}
}
