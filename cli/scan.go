package cli

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"go.viam.com/rgbd/grabber"
	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/pose"
	"go.viam.com/rgbd/scan"
	"go.viam.com/rgbd/scan/tui"
	"go.viam.com/rgbd/spatialmath"
)

func scanFamily(c *cli.Context) (grabber.Family, error) {
	var family grabber.Family
	for _, f := range familyFlags {
		if !c.Bool(string(f)) {
			continue
		}
		if family != "" {
			return "", errors.Errorf("only one driver family can be forced, got %s and %s", family, f)
		}
		family = f
	}
	return family, nil
}

func parsePoseFlag(c *cli.Context, name string) (spatialmath.Pose, error) {
	s := c.String(name)
	if s == "" {
		return nil, nil
	}
	p, err := spatialmath.ParsePose(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid --%s", name)
	}
	return p, nil
}

// scanConfig maps the scan flags to a session configuration.
func scanConfig(c *cli.Context) (scan.Config, error) {
	cfg := scan.DefaultConfig()
	family, err := scanFamily(c)
	if err != nil {
		return cfg, err
	}
	cfg.Grabber = grabber.Params{
		Family:          family,
		Directory:       c.Path(scanFlagDirectory),
		ImagePath:       c.Path(scanFlagImage),
		CalibrationFile: c.Path(scanFlagCalibration),
		CameraID:        c.Int(scanFlagCameraID),
		Synchronous:     c.Bool(scanFlagSync),
		HighResolution:  c.Bool(scanFlagHighRes),
		FPS:             c.Float64(scanFlagFPS),
		Loop:            c.Bool(scanFlagLoop),
		Watch:           c.Bool(scanFlagWatch),
		MaxFrames:       c.Int(scanFlagMaxFrames),
	}
	cfg.Prefix = c.String(scanFlagPrefix)
	cfg.StartIndex = c.Int(scanFlagStartIndex)
	cfg.Record = c.Bool(scanFlagRecord)
	cfg.CatalogPath = c.Path(scanFlagCatalog)
	cfg.PoseSession = c.String(scanFlagPoseSession)
	cfg.OutputModel = c.Path(scanFlagOutput)
	cfg.Headless = c.Bool(scanFlagHeadless)
	cfg.DropFrames = c.Bool(scanFlagDropFrames)
	cfg.Thumbnail = c.Int(scanFlagThumbnail)

	if name := c.String(scanFlagPoseEstimator); name != "" {
		if cfg.Pose.Mode, err = pose.ParseMode(name); err != nil {
			return cfg, err
		}
	} else if cfg.PoseSession != "" {
		cfg.Pose.Mode = pose.ModeFile
	}
	if cfg.Pose.Initial, err = parsePoseFlag(c, scanFlagPoseInitial); err != nil {
		return cfg, err
	}
	if cfg.Pose.Delta, err = parsePoseFlag(c, scanFlagPoseDelta); err != nil {
		return cfg, err
	}
	cfg.Pose.File = c.Path(scanFlagPoseFile)
	cfg.Pose.Refine = c.Bool(scanFlagICP)
	return cfg, cfg.Validate()
}

// scanLogger logs to the terminal when headless and to a rotated log file under the status view.
func scanLogger(c *cli.Context, headless bool) (logging.Logger, func() error, error) {
	if headless {
		logger, err := newLogger(c, "scan", c.App.Writer)
		return logger, func() error { return nil }, err
	}
	file := &lumberjack.Logger{
		Filename:   c.Path(scanFlagLogFile),
		MaxSize:    64,
		MaxBackups: 2,
	}
	logger, err := newLogger(c, "scan", file)
	return logger, file.Close, err
}

func scanExit(err error) error {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, grabber.ErrNoDevice):
		return cli.Exit("no RGBD device connected", 1)
	default:
		return cli.Exit(err.Error(), 1)
	}
}

// listGrabbers prints the families with a driver in this build.
func listGrabbers(c *cli.Context) error {
	for _, family := range grabber.RegisteredFamilies() {
		fmt.Fprintln(c.App.Writer, family)
	}
	return nil
}

// ScanAction runs a scanning session, headless or under the status view.
func ScanAction(c *cli.Context) (err error) {
	if c.Bool(scanFlagListGrabbers) {
		return listGrabbers(c)
	}
	cfg, err := scanConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	logger, closeLog, err := scanLogger(c, cfg.Headless)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer func() {
		err = multierr.Combine(err, closeLog())
	}()

	session, err := scan.NewSession(cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	defer func() {
		if closeErr := session.Close(context.Background()); closeErr != nil {
			logger.Warnw("cannot close session", "error", closeErr)
		}
	}()

	if err := session.Start(ctx); err != nil {
		return scanExit(err)
	}
	if cfg.Headless {
		err := session.Wait(ctx)
		state := session.State()
		fmt.Fprintf(c.App.Writer, "%d frames, %d fused, %d surfels, %d errors\n",
			state.Frames, state.FusedFrames, state.ModelSize, state.Errors)
		return scanExit(err)
	}

	p := tea.NewProgram(tui.New(session), tea.WithAltScreen(), tea.WithContext(ctx), tea.WithOutput(c.App.Writer))
	var g errgroup.Group
	g.Go(func() error {
		err := session.Wait(ctx)
		p.Send(tui.RunFinishedMsg{Err: err})
		return err
	})
	g.Go(func() error {
		defer session.Quit()
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return err
		}
		return nil
	})
	return scanExit(g.Wait())
}
