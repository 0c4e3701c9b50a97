package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"go.viam.com/rgbd/calibration"
	"go.viam.com/rgbd/calibration/intrinsics"
	"go.viam.com/rgbd/logging"
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func newLogger(c *cli.Context, name string, out io.Writer) (logging.Logger, error) {
	level, err := logging.LevelFromString(c.String(generalFlagLogLevel))
	if err != nil {
		return nil, err
	}
	if c.Bool(generalFlagDebug) {
		level = logging.DEBUG
	}
	return logging.NewWriterLogger(name, out, level), nil
}

// calibrationOptions maps the calibrate flags and arguments to run options. The pattern type is
// checked before anything is read from disk.
func calibrationOptions(c *cli.Context) (intrinsics.Options, error) {
	opts := intrinsics.DefaultOptions()
	switch c.Args().Len() {
	case 1:
	case 2:
		opts.CalibrationFile = c.Args().Get(1)
	default:
		return opts, errors.Errorf("expected an image directory and an optional calibration file, got %d arguments", c.Args().Len())
	}
	opts.ImageDir = c.Args().First()

	patternType, err := calibration.ParsePatternType(c.String(calibrateFlagPatternType))
	if err != nil {
		return opts, err
	}
	opts.Pattern = calibration.Pattern{
		Type:       patternType,
		Width:      c.Int(calibrateFlagPatternWidth),
		Height:     c.Int(calibrateFlagPatternHeight),
		SquareSize: c.Float64(calibrateFlagPatternSize),
	}
	opts.IgnoreDistortion = c.Bool(calibrateFlagNoUndistort)
	opts.FixPrincipalPoint = c.Bool(calibrateFlagFixCenter)
	opts.ScaleFactorOnly = c.Bool(calibrateFlagScaleFactorOnly)
	opts.Infrared = c.Bool(calibrateFlagInfrared)
	opts.ColorIntrinsicsFile = c.Path(calibrateFlagIntrinsicsJSON)
	return opts, opts.Validate()
}

const calibrateRootStep = "calibrate"

func calibrationSteps(opts intrinsics.Options) []*Step {
	solve := "solving intrinsics"
	if opts.ScaleFactorOnly && !opts.Infrared {
		solve = "estimating the scale factor"
	}
	return []*Step{
		{ID: calibrateRootStep, Message: fmt.Sprintf("calibrating from %s", opts.ImageDir)},
		{ID: string(intrinsics.StageDetect), Message: "detecting the pattern", IndentLevel: 1},
		{ID: string(intrinsics.StageSolve), Message: solve, IndentLevel: 1},
		{ID: string(intrinsics.StageSave), Message: fmt.Sprintf("saving %s", opts.CalibrationFile), IndentLevel: 1},
	}
}

// calibrationProgress turns run stages into progress steps. The returned finish func completes or
// fails the running step once the run returned.
func calibrationProgress(pm *ProgressManager) (func(intrinsics.Stage, int, int), func(error)) {
	var current intrinsics.Stage
	report := func(stage intrinsics.Stage, done, total int) {
		if stage != current {
			if current != "" {
				//nolint:errcheck
				_ = pm.Complete(string(current), "")
			}
			current = stage
			//nolint:errcheck
			_ = pm.Start(string(stage))
			return
		}
		if stage != intrinsics.StageDetect {
			return
		}
		if done < total {
			pm.UpdateText(fmt.Sprintf("   → detecting the pattern %d/%d", done, total))
			return
		}
		//nolint:errcheck
		_ = pm.Complete(string(stage), fmt.Sprintf("pattern detection over %d views", total))
		current = ""
	}
	fail := func(err error) {
		if current != "" {
			//nolint:errcheck
			_ = pm.Fail(string(current), err)
			current = ""
		}
	}
	finish := func(err error) {
		if err != nil {
			fail(err)
			return
		}
		if current != "" {
			//nolint:errcheck
			_ = pm.Complete(string(current), "")
			current = ""
		}
	}
	return report, finish
}

// CalibrateAction runs the intrinsics calibration and prints its summary.
func CalibrateAction(c *cli.Context) error {
	opts, err := calibrationOptions(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	logger, err := newLogger(c, "calibrate", c.App.ErrWriter)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	showProgress := !c.Bool(calibrateFlagQuiet) && isTerminal(c.App.Writer)
	pm := NewProgressManager(c.App.Writer, calibrationSteps(opts), WithProgressOutput(showProgress))
	defer pm.Stop()
	report, finish := calibrationProgress(pm)
	opts.Progress = report

	//nolint:errcheck
	_ = pm.Start(calibrateRootStep)
	res, err := intrinsics.Run(c.Context, opts, logger)
	finish(err)
	if res != nil {
		fmt.Fprint(c.App.Writer, res.Summary())
	}
	if err != nil {
		//nolint:errcheck
		_ = pm.Fail(calibrateRootStep, err)
		return cli.Exit(err.Error(), 1)
	}
	//nolint:errcheck
	_ = pm.Complete(calibrateRootStep, fmt.Sprintf("calibration saved to %s", opts.CalibrationFile))
	if chart := c.Path(calibrateFlagPlot); chart != "" {
		if err := res.PlotErrors(chart); err != nil {
			logger.Warnw("cannot plot reprojection errors", "file", chart, "error", err)
		}
	}
	return nil
}
