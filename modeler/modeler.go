// Package modeler fuses posed RGBD frames into a surfel model of the scanned scene.
package modeler

import (
	"bytes"
	"context"
	"image/color"
	"io"
	"math"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rgbd/calibration"
	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/pointcloud"
	"go.viam.com/rgbd/rgbd"
	"go.viam.com/rgbd/rimage"
	"go.viam.com/rgbd/spatialmath"
	"go.viam.com/rgbd/utils"
)

// Config tunes the fusion.
type Config struct {
	// VoxelSize is the edge, in metres, of the cells that each hold one surfel.
	VoxelSize float64
	// DepthFilling fills small depth holes before fusing a frame.
	DepthFilling bool
	MaxHoleSize  int
	// RemoveSmallStructures drops isolated or rarely seen surfels from snapshots.
	RemoveSmallStructures bool
	MinObservations       int
	MinNeighbours         int
	// CloudStep subsamples the pixels of refilled frames.
	CloudStep int
}

// DefaultConfig is the configuration used by the scanner.
func DefaultConfig() Config {
	return Config{
		VoxelSize:             0.003,
		DepthFilling:          true,
		MaxHoleSize:           50,
		RemoveSmallStructures: true,
		MinObservations:       2,
		MinNeighbours:         2,
		CloudStep:             1,
	}
}

// Validate checks the configuration.
func (cfg *Config) Validate() error {
	if cfg.VoxelSize <= 0 {
		return errors.Errorf("voxel size must be positive, got %v", cfg.VoxelSize)
	}
	if cfg.MaxHoleSize < 0 || cfg.MinObservations < 0 || cfg.MinNeighbours < 0 || cfg.CloudStep < 0 {
		return errors.New("hole size, observation and neighbour counts must be non-negative")
	}
	if cfg.MinNeighbours > 26 {
		return errors.Errorf("a surfel has at most 26 neighbours, got %d", cfg.MinNeighbours)
	}
	return nil
}

// Surfel is the running average of the points that fell in one voxel.
type Surfel struct {
	Position r3.Vector
	Color    [3]float64
	Count    int
}

// surfelUpdate sums the points of one frame that fell in a voxel.
type surfelUpdate struct {
	sum     r3.Vector
	count   int
	color   [3]float64
	colored int
}

func (u *surfelUpdate) mergeInto(s *Surfel) {
	n := float64(s.Count)
	s.Position = s.Position.Mul(n).Add(u.sum).Mul(1 / (n + float64(u.count)))
	if u.colored > 0 {
		for i := range s.Color {
			s.Color[i] = (s.Color[i]*n + u.color[i]) / (n + float64(u.colored))
		}
	}
	s.Count += u.count
}

type voxelKey struct {
	I, J, K int64
}

// Model accumulates surfels. It is safe for concurrent use.
type Model struct {
	cfg    Config
	calib  *calibration.Record
	logger logging.Logger

	mu      sync.RWMutex
	surfels map[voxelKey]*Surfel
	frames  int
}

// New returns an empty model. calib is only needed for depth filling and may be nil.
func New(cfg Config, calib *calibration.Record, logger logging.Logger) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Model{cfg: cfg, calib: calib, logger: logger, surfels: map[voxelKey]*Surfel{}}, nil
}

// Config returns the configuration of the model.
func (m *Model) Config() Config {
	return m.cfg
}

func (m *Model) key(p r3.Vector) voxelKey {
	return voxelKey{
		I: int64(math.Floor(p.X / m.cfg.VoxelSize)),
		J: int64(math.Floor(p.Y / m.cfg.VoxelSize)),
		K: int64(math.Floor(p.Z / m.cfg.VoxelSize)),
	}
}

// frameCloud returns the cloud to fuse, rebuilt from a hole filled depth map when depth filling is
// on and the calibration allows it.
func (m *Model) frameCloud(frame *rgbd.Frame) (pointcloud.PointCloud, error) {
	if !m.cfg.DepthFilling || !m.calib.HasDepth() {
		return frame.Cloud, nil
	}
	dm, params := frame.Mapped, m.calib.Depth.Intrinsics
	if dm != nil && m.calib.HasRGB() {
		params = m.calib.RGB.Intrinsics
	} else {
		dm = frame.Depth
	}
	if dm == nil {
		return frame.Cloud, nil
	}
	filled := dm.Clone()
	if n := rimage.FillSmallHoles(filled, m.cfg.MaxHoleSize); n == 0 && frame.Cloud != nil {
		return frame.Cloud, nil
	}
	return params.DepthToPointCloud(filled, frame.Color, m.cfg.CloudStep)
}

// AddFrame moves the frame cloud to the model with pose, the camera to model transform, and
// merges it into the surfels.
func (m *Model) AddFrame(ctx context.Context, frame *rgbd.Frame, pose spatialmath.Pose) error {
	if pose == nil {
		return errors.Errorf("frame %d has no pose", frame.Index)
	}
	cloud, err := m.frameCloud(frame)
	if err != nil {
		return errors.Wrapf(err, "cannot build cloud of frame %d", frame.Index)
	}
	if cloud == nil {
		return errors.Errorf("frame %d has no point cloud, a calibration is needed", frame.Index)
	}

	// the frame is accumulated first so a cancelled fusion leaves the surfels untouched
	updates := map[voxelKey]*surfelUpdate{}
	cloud.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
		if ctx.Err() != nil {
			return false
		}
		w := spatialmath.TransformPoint(pose, p)
		k := m.key(w)
		u, ok := updates[k]
		if !ok {
			u = &surfelUpdate{}
			updates[k] = u
		}
		u.sum = u.sum.Add(w)
		u.count++
		if d != nil && d.HasColor() {
			r, g, b := d.RGB255()
			for i, c := range [3]uint8{r, g, b} {
				u.color[i] += float64(c)
			}
			u.colored++
		}
		return true
	})
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for k, u := range updates {
		s, ok := m.surfels[k]
		if !ok {
			s = &Surfel{}
			m.surfels[k] = s
			added++
		}
		u.mergeInto(s)
	}
	m.frames++
	m.logger.Debugw("fused frame", "frame", frame.Index, "points", cloud.Size(), "new_surfels", added,
		"surfels", len(m.surfels))
	return nil
}

// Reset empties the model.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.surfels = map[voxelKey]*Surfel{}
	m.frames = 0
}

// Size is the number of surfels.
func (m *Model) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.surfels)
}

// Frames is the number of fused frames.
func (m *Model) Frames() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frames
}

func (m *Model) neighbours(k voxelKey) int {
	n := 0
	for i := k.I - 1; i <= k.I+1; i++ {
		for j := k.J - 1; j <= k.J+1; j++ {
			for l := k.K - 1; l <= k.K+1; l++ {
				if i == k.I && j == k.J && l == k.K {
					continue
				}
				if _, ok := m.surfels[voxelKey{i, j, l}]; ok {
					n++
				}
			}
		}
	}
	return n
}

// Snapshot returns the surfels as a colored cloud. With RemoveSmallStructures, surfels seen fewer
// than MinObservations times or with fewer than MinNeighbours neighbours are left out.
func (m *Model) Snapshot() pointcloud.PointCloud {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pc := pointcloud.NewWithPrealloc(len(m.surfels))
	removed := 0
	for k, s := range m.surfels {
		if m.cfg.RemoveSmallStructures &&
			(s.Count < m.cfg.MinObservations || m.neighbours(k) < m.cfg.MinNeighbours) {
			removed++
			continue
		}
		c := color.NRGBA{
			R: uint8(math.Round(s.Color[0])),
			G: uint8(math.Round(s.Color[1])),
			B: uint8(math.Round(s.Color[2])),
			A: 255,
		}
		if err := pc.Set(s.Position, pointcloud.NewColoredData(c)); err != nil {
			m.logger.Debugw("skipping surfel", "error", err)
		}
	}
	if removed > 0 {
		m.logger.Debugw("removed small structures", "surfels", removed)
	}
	return pc
}

// WritePCD writes a snapshot of the model.
func (m *Model) WritePCD(w io.Writer, pcdType pointcloud.PCDType) error {
	return pointcloud.ToPCD(m.Snapshot(), w, pcdType)
}

// Save writes a binary PCD snapshot to path, replacing it atomically.
func (m *Model) Save(path string) error {
	var buf bytes.Buffer
	if err := m.WritePCD(&buf, pointcloud.PCDBinary); err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(path, buf.Bytes(), 0o640); err != nil {
		return errors.Wrapf(err, "cannot save model to %q", path)
	}
	m.logger.Infow("saved model", "file", path, "surfels", m.Size())
	return nil
}
