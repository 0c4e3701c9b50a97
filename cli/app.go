// Package cli contains the calibrate and scan command line applications.
package cli

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"go.viam.com/rgbd/calibration"
	"go.viam.com/rgbd/grabber"
	"go.viam.com/rgbd/scan"
)

const (
	generalFlagDebug    = "debug"
	generalFlagLogLevel = "log-level"

	calibrateFlagPatternType     = "pattern-type"
	calibrateFlagPatternWidth    = "pattern-width"
	calibrateFlagPatternHeight   = "pattern-height"
	calibrateFlagPatternSize     = "pattern-size"
	calibrateFlagNoUndistort     = "no-undistort"
	calibrateFlagFixCenter       = "fix-center"
	calibrateFlagScaleFactorOnly = "scale-factor-only"
	calibrateFlagInfrared        = "infrared"
	calibrateFlagQuiet           = "quiet"
	calibrateFlagPlot            = "plot"
	calibrateFlagIntrinsicsJSON  = "intrinsics-json"

	scanFlagPrefix        = "prefix"
	scanFlagStartIndex    = "istart"
	scanFlagCalibration   = "calibration"
	scanFlagImage         = "image"
	scanFlagDirectory     = "directory"
	scanFlagCameraID      = "camera-id"
	scanFlagSync          = "sync"
	scanFlagHighRes       = "highres"
	scanFlagFPS           = "fps"
	scanFlagLoop          = "loop"
	scanFlagWatch         = "watch"
	scanFlagICP           = "icp"
	scanFlagPoseEstimator = "pose-estimator"
	scanFlagPoseInitial   = "pose-initial"
	scanFlagPoseDelta     = "pose-delta"
	scanFlagPoseFile      = "pose-file"
	scanFlagPoseSession   = "pose-session"
	scanFlagCatalog       = "catalog"
	scanFlagOutput        = "output"
	scanFlagRecord        = "record"
	scanFlagHeadless      = "headless"
	scanFlagMaxFrames     = "max-frames"
	scanFlagDropFrames    = "drop-frames"
	scanFlagLogFile       = "log-file"
	scanFlagThumbnail     = "thumbnail"
	scanFlagListGrabbers  = "list-grabbers"
)

// familyFlags are the boolean flags forcing a driver family, in discovery order.
var familyFlags = append(append([]grabber.Family{}, grabber.Families...), grabber.FamilyFake)

var (
	debugFlag = &cli.BoolFlag{
		Name:    generalFlagDebug,
		Aliases: []string{"vvv"},
		Usage:   "enable debug logging",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  generalFlagLogLevel,
		Value: "info",
		Usage: "minimum level logged: debug, info, warn or error",
	}
)

// NewCalibrateApp returns the intrinsics calibration application.
func NewCalibrateApp(out, errOut io.Writer) *cli.App {
	def := calibration.DefaultPattern
	return &cli.App{
		Name:            "calibrate",
		Usage:           "calibrate the intrinsics of an RGBD camera from recorded views",
		UsageText:       fmt.Sprintf("calibrate [options] <image-dir> [calibration-file (default %s)]", calibration.DefaultCalibrationFile),
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       errOut,
		Flags: []cli.Flag{
			debugFlag,
			logLevelFlag,
			&cli.StringFlag{
				Name:  calibrateFlagPatternType,
				Value: def.Type.String(),
				Usage: "pattern type: chessboard, circles or asymcircles",
			},
			&cli.IntFlag{
				Name:  calibrateFlagPatternWidth,
				Value: def.Width,
				Usage: "pattern width, in inner corners",
			},
			&cli.IntFlag{
				Name:  calibrateFlagPatternHeight,
				Value: def.Height,
				Usage: "pattern height, in inner corners",
			},
			&cli.Float64Flag{
				Name:  calibrateFlagPatternSize,
				Value: def.SquareSize,
				Usage: "distance between pattern features, in metres",
			},
			&cli.BoolFlag{
				Name:  calibrateFlagNoUndistort,
				Value: true,
				Usage: "ignore lens distortion",
			},
			&cli.BoolFlag{
				Name:  calibrateFlagFixCenter,
				Value: true,
				Usage: "do not estimate the principal point",
			},
			&cli.BoolFlag{
				Name:  calibrateFlagScaleFactorOnly,
				Value: true,
				Usage: "only estimate the focal scale factor",
			},
			&cli.BoolFlag{
				Name:  calibrateFlagInfrared,
				Usage: "calibrate depth from the infrared images",
			},
			&cli.BoolFlag{
				Name:  calibrateFlagQuiet,
				Usage: "do not show progress",
			},
			&cli.PathFlag{
				Name:  calibrateFlagPlot,
				Usage: "chart of the reprojection error per view, png, svg or pdf",
			},
			&cli.PathFlag{
				Name:  calibrateFlagIntrinsicsJSON,
				Usage: "JSON pinhole intrinsics replacing the color intrinsics before calibrating",
			},
		},
		Action: CalibrateAction,
	}
}

// NewScanApp returns the scanner application.
func NewScanApp(out, errOut io.Writer) *cli.App {
	def := scan.DefaultConfig()
	flags := []cli.Flag{
		debugFlag,
		logLevelFlag,
		&cli.StringFlag{
			Name:  scanFlagPrefix,
			Value: def.Prefix,
			Usage: "directory prefix recorded views are written to",
		},
		&cli.IntFlag{
			Name:  scanFlagStartIndex,
			Usage: "index of the first recorded view",
		},
		&cli.PathFlag{
			Name:  scanFlagCalibration,
			Usage: "calibration file of the device",
		},
		&cli.PathFlag{
			Name:  scanFlagImage,
			Usage: "replay a single view directory or image forever",
		},
		&cli.PathFlag{
			Name:  scanFlagDirectory,
			Usage: "replay the view directories of a recording",
		},
		&cli.IntFlag{
			Name:  scanFlagCameraID,
			Usage: "index of the device to open",
		},
		&cli.BoolFlag{
			Name:  scanFlagSync,
			Usage: "capture one frame at a time, on request",
		},
		&cli.BoolFlag{
			Name:  scanFlagHighRes,
			Usage: "prefer the high resolution color stream",
		},
		&cli.Float64Flag{
			Name:  scanFlagFPS,
			Value: grabber.DefaultFPS,
			Usage: "pace of replayed and synthetic frames",
		},
		&cli.BoolFlag{
			Name:  scanFlagLoop,
			Usage: "restart a replay at its end",
		},
		&cli.BoolFlag{
			Name:  scanFlagWatch,
			Usage: "replay view directories added while running",
		},
		&cli.BoolFlag{
			Name:  scanFlagICP,
			Usage: "refine poses with ICP",
		},
		&cli.StringFlag{
			Name:  scanFlagPoseEstimator,
			Usage: "pose estimator: file, delta or image (default: fixed pose)",
		},
		&cli.StringFlag{
			Name:  scanFlagPoseInitial,
			Usage: "initial pose, \"tx ty tz rx ry rz\" in metres and degrees",
		},
		&cli.StringFlag{
			Name:  scanFlagPoseDelta,
			Usage: "motion between frames of the delta estimator, \"tx ty tz rx ry rz\"",
		},
		&cli.PathFlag{
			Name:  scanFlagPoseFile,
			Usage: "poses of the file estimator, one per frame",
		},
		&cli.StringFlag{
			Name:  scanFlagPoseSession,
			Usage: "catalog session whose poses the file estimator replays",
		},
		&cli.PathFlag{
			Name:  scanFlagCatalog,
			Usage: "sqlite catalog of sessions, recorded frames and poses",
		},
		&cli.PathFlag{
			Name:  scanFlagOutput,
			Usage: "PCD file the model is saved to",
		},
		&cli.BoolFlag{
			Name:  scanFlagRecord,
			Usage: "start recording immediately",
		},
		&cli.BoolFlag{
			Name:  scanFlagHeadless,
			Usage: "run without the status view and fuse every frame until the stream ends",
		},
		&cli.IntFlag{
			Name:  scanFlagMaxFrames,
			Usage: "stop after that many frames",
		},
		&cli.BoolFlag{
			Name:  scanFlagDropFrames,
			Usage: "drop frames arriving while the previous one is processed",
		},
		&cli.PathFlag{
			Name:  scanFlagLogFile,
			Value: "scan.log",
			Usage: "log file of the interactive view",
		},
		&cli.IntFlag{
			Name:  scanFlagThumbnail,
			Value: def.Thumbnail,
			Usage: "width of the frame thumbnail of the interactive view, 0 hides it",
		},
		&cli.BoolFlag{
			Name:  scanFlagListGrabbers,
			Usage: "list the driver families available and exit",
		},
	}
	for _, family := range familyFlags {
		flags = append(flags, &cli.BoolFlag{
			Name:  string(family),
			Usage: fmt.Sprintf("only use %s devices", family),
		})
	}
	return &cli.App{
		Name:            "scan",
		Usage:           "scan a scene with an RGBD camera",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       errOut,
		Flags:           flags,
		Action:          ScanAction,
	}
}
