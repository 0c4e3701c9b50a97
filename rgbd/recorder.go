package rgbd

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/rimage"
)

// RecorderOptions configure how frames are written.
type RecorderOptions struct {
	StartIndex int
	// SaveOnlyRaw skips the processed previews.
	SaveOnlyRaw bool
	// BinaryRaw writes depth as raw millimetres instead of a 16-bit PNG.
	BinaryRaw bool
}

// Recorder writes frames to sequential view directories under a prefix.
type Recorder struct {
	prefix string
	opts   RecorderOptions
	logger logging.Logger

	mu     sync.Mutex
	index  int
	closed bool
}

// NewRecorder creates the prefix directory and returns a recorder starting at opts.StartIndex.
func NewRecorder(prefix string, opts RecorderOptions, logger logging.Logger) (*Recorder, error) {
	if prefix == "" {
		return nil, errors.New("recorder needs a directory prefix")
	}
	if opts.StartIndex < 0 {
		return nil, errors.Errorf("start index must be non-negative, got %d", opts.StartIndex)
	}
	if err := os.MkdirAll(prefix, 0o750); err != nil {
		return nil, errors.Wrapf(err, "cannot create %q", prefix)
	}
	return &Recorder{prefix: prefix, opts: opts, logger: logger, index: opts.StartIndex}, nil
}

// Index returns the index the next recorded frame will get.
func (r *Recorder) Index() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index
}

// Prefix is the directory the views are written to.
func (r *Recorder) Prefix() string {
	return r.prefix
}

// Record writes the frame to the next view directory and returns its path.
func (r *Recorder) Record(frame *Frame) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", errors.New("recorder is closed")
	}
	index := r.index
	r.index++
	r.mu.Unlock()

	dir := filepath.Join(r.prefix, fmt.Sprintf("view%04d", index))
	raw := filepath.Join(dir, "raw")
	if err := os.MkdirAll(raw, 0o750); err != nil {
		return "", errors.Wrapf(err, "cannot create %q", raw)
	}
	if frame.Color != nil {
		if err := rimage.WriteImageToFile(filepath.Join(raw, "color.png"), frame.Color); err != nil {
			return "", err
		}
	}
	if frame.Depth != nil {
		name := "depth.png"
		if r.opts.BinaryRaw {
			name = "depth.raw"
		}
		if err := rimage.WriteDepthMapFile(frame.Depth, filepath.Join(raw, name)); err != nil {
			return "", err
		}
	}
	if frame.Infrared != nil {
		if err := rimage.WriteImageToFile(filepath.Join(raw, "intensity.png"), frame.Infrared); err != nil {
			return "", err
		}
	}
	if !r.opts.SaveOnlyRaw {
		if frame.Depth != nil {
			if err := rimage.WriteImageToFile(filepath.Join(dir, "depth_preview.png"), frame.Depth.ToPrettyPicture()); err != nil {
				return "", err
			}
		}
		if frame.Mapped != nil {
			if err := rimage.WriteDepthMapFile(frame.Mapped, filepath.Join(dir, "mapped_depth.png")); err != nil {
				return "", err
			}
		}
	}
	r.logger.Debugw("recorded frame", "frame", frame.Index, "dir", dir)
	return dir, nil
}

// Close stops accepting frames.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
