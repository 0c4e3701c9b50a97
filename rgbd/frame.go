// Package rgbd holds synchronized color and depth frames: loading them from view directories,
// filtering them before fusion and recording them back to disk.
package rgbd

import (
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/rgbd/pointcloud"
	"go.viam.com/rgbd/rimage"
)

// ViewPattern matches the names of view directories.
const ViewPattern = "view????*"

// Frame is one synchronized capture of an RGBD device.
type Frame struct {
	Index     int
	Name      string
	Timestamp time.Time

	Color    image.Image
	Depth    *rimage.DepthMap
	Infrared image.Image

	// Mapped is the depth map re-projected into the color image when the mapping was computed.
	Mapped *rimage.DepthMap
	// Cloud is set by the processor when the calibration allows back-projection.
	Cloud pointcloud.PointCloud
}

// Clone returns a copy of the frame that can be processed without affecting the original. Color
// and infrared images are shared.
func (f *Frame) Clone() *Frame {
	out := *f
	if f.Depth != nil {
		out.Depth = f.Depth.Clone()
	}
	if f.Mapped != nil {
		out.Mapped = f.Mapped.Clone()
	}
	return &out
}

// ListViews returns the view directories under dir, sorted by name.
func ListViews(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list views in %q", dir)
	}
	var views []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(ViewPattern, e.Name()); ok {
			views = append(views, filepath.Join(dir, e.Name()))
		}
	}
	return views, nil
}

// ViewIndex returns the index encoded in a view directory name, or -1.
func ViewIndex(name string) int {
	name = filepath.Base(name)
	if !strings.HasPrefix(name, "view") || len(name) < 8 {
		return -1
	}
	idx, err := strconv.Atoi(name[4:8])
	if err != nil {
		return -1
	}
	return idx
}

var (
	colorFiles    = []string{"color.png", "color.ppm", "color.jpg", "color.bmp"}
	depthFiles    = []string{"depth.raw", "depth.raw.gz", "depth.png"}
	infraredFiles = []string{"intensity.png", "intensity.pgm"}
)

func firstExisting(dir string, names []string) string {
	for _, n := range names {
		fn := filepath.Join(dir, n)
		if _, err := os.Stat(fn); err == nil {
			return fn
		}
	}
	return ""
}

// LoadView reads the raw images of a view directory. A view needs at least one of a color, a
// depth or an infrared image.
func LoadView(dir string) (*Frame, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	raw := filepath.Join(dir, "raw")
	if _, err := os.Stat(raw); err != nil {
		return nil, errors.Wrapf(err, "view %q has no raw directory", dir)
	}
	frame := &Frame{
		Index:     ViewIndex(dir),
		Name:      filepath.Base(dir),
		Timestamp: info.ModTime(),
	}
	if fn := firstExisting(raw, colorFiles); fn != "" {
		if frame.Color, err = rimage.ReadImageFromFile(fn); err != nil {
			return nil, err
		}
	}
	if fn := firstExisting(raw, depthFiles); fn != "" {
		if frame.Depth, err = rimage.ReadDepthMapFile(fn); err != nil {
			return nil, errors.Wrapf(err, "cannot read depth of %q", dir)
		}
	}
	if fn := firstExisting(raw, infraredFiles); fn != "" {
		if frame.Infrared, err = rimage.ReadImageFromFile(fn); err != nil {
			return nil, err
		}
	}
	if frame.Color == nil && frame.Depth == nil && frame.Infrared == nil {
		return nil, errors.Errorf("view %q has no image", dir)
	}
	return frame, nil
}
