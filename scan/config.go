// Package scan runs an RGBD scanning session: it routes the frames of a device through the
// processor, the recorder and, when acquisition is running, the pose estimator and the modeler.
package scan

import (
	"github.com/pkg/errors"

	"go.viam.com/rgbd/grabber"
	"go.viam.com/rgbd/modeler"
	"go.viam.com/rgbd/pose"
	"go.viam.com/rgbd/rgbd"
)

// Config describes a scanning session. It is not modified once the session started.
type Config struct {
	Grabber grabber.Params

	// Prefix is the directory recorded views are written to.
	Prefix     string
	StartIndex int
	// Record starts the session recording.
	Record bool

	Pose      pose.Config
	Processor rgbd.ProcessorConfig
	Modeler   modeler.Config

	// CatalogPath is the sqlite catalog sessions, frames and poses are stored in. Empty disables it.
	CatalogPath string
	// PoseSession replays the poses of a catalog session with the file estimator.
	PoseSession string
	// OutputModel is where the model is saved on request and when the session ends.
	OutputModel string

	// Headless sessions end with the stream instead of waiting for the user to quit.
	Headless bool
	// DropFrames decouples processing from capture, dropping frames that arrive while busy.
	DropFrames bool
	// Thumbnail is the width of the frame thumbnail of the status view, 0 disables it. Headless
	// sessions never build one.
	Thumbnail int
}

// DefaultConfig is the configuration of the scanner command.
func DefaultConfig() Config {
	return Config{
		Prefix:    "grab1",
		Pose:      pose.Config{Mode: pose.ModeDummy, ICP: pose.DefaultICPConfig()},
		Processor: rgbd.DefaultProcessorConfig(),
		Modeler:   modeler.DefaultConfig(),
		Thumbnail: 32,
	}
}

// Validate checks the configuration.
func (cfg *Config) Validate() error {
	if err := cfg.Grabber.Validate(); err != nil {
		return err
	}
	if cfg.Prefix == "" {
		return errors.New("a recording prefix is required")
	}
	if cfg.StartIndex < 0 {
		return errors.Errorf("start index must be non-negative, got %d", cfg.StartIndex)
	}
	if cfg.Thumbnail < 0 {
		return errors.Errorf("thumbnail width must be non-negative, got %d", cfg.Thumbnail)
	}
	if err := cfg.Processor.Validate(); err != nil {
		return errors.Wrap(err, "invalid processor configuration")
	}
	if err := cfg.Modeler.Validate(); err != nil {
		return errors.Wrap(err, "invalid modeler configuration")
	}
	if cfg.PoseSession != "" {
		if cfg.CatalogPath == "" {
			return errors.New("replaying a catalog session needs a catalog")
		}
		if cfg.Pose.Mode != pose.ModeFile {
			return errors.New("catalog poses are replayed by the file estimator")
		}
		if cfg.Pose.File != "" {
			return errors.New("poses come from either a file or a catalog session")
		}
		return cfg.Pose.ICP.Validate()
	}
	if err := cfg.Pose.Validate(); err != nil {
		return errors.Wrap(err, "invalid pose estimator configuration")
	}
	return nil
}
