package grabber

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rgbd/calibration"
	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/rgbd"
	"go.viam.com/rgbd/rimage"
	"go.viam.com/rgbd/utils"
)

// CalibrationFileName is the calibration looked up next to replayed views.
const CalibrationFileName = "calibration.yml"

// rescanPeriod bounds how long a watching replay waits before listing the directory again.
const rescanPeriod = time.Second

func discoverFiles(ctx context.Context, params Params, logger logging.Logger) ([]Grabber, error) {
	switch {
	case params.Directory != "":
		return []Grabber{NewFileGrabber(params, logger)}, nil
	case params.ImagePath != "":
		return []Grabber{NewImageGrabber(params, logger)}, nil
	default:
		return nil, nil
	}
}

// NewFileGrabber replays the view directories of params.Directory in name order.
func NewFileGrabber(params Params, logger logging.Logger) Grabber {
	src := &dirSource{params: params, clk: params.clock(), logger: logger, seen: map[string]bool{}}
	return newStreamGrabber("file:"+params.Directory, params, src, logger)
}

// NewImageGrabber replays params.ImagePath forever. It may be a view directory or a color image.
func NewImageGrabber(params Params, logger logging.Logger) Grabber {
	src := &imageSource{path: params.ImagePath}
	return newStreamGrabber("image:"+params.ImagePath, params, src, logger)
}

type dirSource struct {
	params Params
	clk    clock.Clock
	logger logging.Logger

	dir     string
	views   []string
	seen    map[string]bool
	cursor  int
	emitted int
	watcher *fsnotify.Watcher
}

func (s *dirSource) connect(ctx context.Context) (*calibration.Record, error) {
	dir, err := utils.EnsureDirectory(s.params.Directory)
	if err != nil {
		return nil, err
	}
	s.dir = dir
	if err := s.rescan(); err != nil {
		return nil, err
	}
	if len(s.views) == 0 && !s.params.Watch {
		return nil, errors.Errorf("no view directory in %q", dir)
	}
	if s.params.Watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, errors.Wrap(err, "cannot watch for new views")
		}
		if err := w.Add(dir); err != nil {
			return nil, multierr.Combine(errors.Wrapf(err, "cannot watch %q", dir), w.Close())
		}
		s.watcher = w
	}

	if s.params.CalibrationFile != "" {
		return nil, nil
	}
	fn := filepath.Join(dir, CalibrationFileName)
	if _, err := os.Stat(fn); err != nil {
		return nil, nil
	}
	rec, err := calibration.Load(fn)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("using calibration found next to the views", "file", fn)
	return rec, nil
}

// rescan appends the views not listed yet. New views sort after the ones already replayed.
func (s *dirSource) rescan() error {
	views, err := rgbd.ListViews(s.dir)
	if err != nil {
		return err
	}
	for _, v := range views {
		if !s.seen[v] {
			s.seen[v] = true
			s.views = append(s.views, v)
		}
	}
	return nil
}

func (s *dirSource) next(ctx context.Context, index int) (*rgbd.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.cursor < len(s.views) {
			dir := s.views[s.cursor]
			s.cursor++
			frame, err := rgbd.LoadView(dir)
			if err != nil {
				s.logger.Warnw("skipping unreadable view", "view", dir, "error", err)
				continue
			}
			s.emitted++
			return frame, nil
		}
		switch {
		case s.watcher != nil:
			if err := s.awaitViews(ctx); err != nil {
				return nil, err
			}
		case s.params.Loop && s.emitted > 0:
			s.cursor = 0
			s.emitted = 0
		default:
			return nil, errEndOfStream
		}
	}
}

// awaitViews blocks until the watched directory changes or rescanPeriod elapsed, then rescans.
func (s *dirSource) awaitViews(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev, ok := <-s.watcher.Events:
		if !ok {
			return errEndOfStream
		}
		s.logger.Debugw("directory changed", "event", ev.String())
	case err, ok := <-s.watcher.Errors:
		if !ok {
			return errEndOfStream
		}
		s.logger.Warnw("watch error", "error", err)
	case <-s.clk.After(rescanPeriod):
	}
	return s.rescan()
}

func (s *dirSource) close() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	s.watcher = nil
	return err
}

type imageSource struct {
	path  string
	frame *rgbd.Frame
}

func (s *imageSource) connect(ctx context.Context) (*calibration.Record, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		s.frame, err = rgbd.LoadView(s.path)
		if err != nil {
			return nil, err
		}
		return nil, nil
	}
	img, err := rimage.ReadImageFromFile(s.path)
	if err != nil {
		return nil, err
	}
	s.frame = &rgbd.Frame{Name: filepath.Base(s.path), Color: img}
	return nil, nil
}

func (s *imageSource) next(ctx context.Context, index int) (*rgbd.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := s.frame.Clone()
	f.Timestamp = time.Time{}
	return f, nil
}

func (s *imageSource) close() error {
	return nil
}
