package rgbd

import (
	"context"
	"math"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rgbd/calibration"
	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/rimage"
	"go.viam.com/rgbd/rimage/transform"
	"go.viam.com/rgbd/utils"
)

// ProcessorFlag selects a processing step.
type ProcessorFlag int

const (
	// ComputeMapping re-projects the depth map into the color image.
	ComputeMapping ProcessorFlag = 1 << iota
	// FilterThresholdDepth removes depths outside [MinDepth, MaxDepth].
	FilterThresholdDepth
	// FilterEdges removes pixels on depth discontinuities.
	FilterEdges
	// FillSmallHoles fills small regions without depth.
	FillSmallHoles
	// FilterNormals removes surfaces seen at a grazing angle.
	FilterNormals
)

var flagNames = []struct {
	flag ProcessorFlag
	name string
}{
	{ComputeMapping, "ComputeMapping"},
	{FilterThresholdDepth, "FilterThresholdDepth"},
	{FilterEdges, "FilterEdges"},
	{FillSmallHoles, "FillSmallHoles"},
	{FilterNormals, "FilterNormals"},
}

// Has reports whether every flag of other is set.
func (f ProcessorFlag) Has(other ProcessorFlag) bool {
	return f&other == other
}

// String lists the set flags separated by "|".
func (f ProcessorFlag) String() string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, "|")
}

// ProcessorConfig describes the filtering applied to every frame. Depths are in metres and the
// normal angle in degrees.
type ProcessorConfig struct {
	Flags          ProcessorFlag
	MinDepth       float64
	MaxDepth       float64
	MaxNormalAngle float64
	// MaxHoleSize is the largest hole, in pixels, filled by FillSmallHoles.
	MaxHoleSize int
	// EdgeThreshold is the relative depth jump that marks a discontinuity.
	EdgeThreshold float64
	// CloudStep subsamples the pixels back-projected into the frame cloud.
	CloudStep int
}

// DefaultProcessorConfig is the configuration used when scanning.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Flags:          ComputeMapping | FilterThresholdDepth,
		MinDepth:       0.05,
		MaxDepth:       1.5,
		MaxNormalAngle: 40,
		MaxHoleSize:    50,
		EdgeThreshold:  0.05,
		CloudStep:      2,
	}
}

// Validate checks the bounds of the configuration.
func (cfg *ProcessorConfig) Validate() error {
	if cfg.MinDepth < 0 {
		return errors.Errorf("min depth must be non-negative, got %v", cfg.MinDepth)
	}
	if cfg.MaxDepth != 0 && cfg.MaxDepth <= cfg.MinDepth {
		return errors.Errorf("max depth %v must be larger than min depth %v", cfg.MaxDepth, cfg.MinDepth)
	}
	if cfg.MaxNormalAngle < 0 || cfg.MaxNormalAngle > 90 {
		return errors.Errorf("max normal angle must be within [0, 90], got %v", cfg.MaxNormalAngle)
	}
	if cfg.CloudStep < 0 {
		return errors.Errorf("cloud step must be non-negative, got %v", cfg.CloudStep)
	}
	return nil
}

// Processor filters frames in place before they are recorded and fused.
type Processor struct {
	cfg    ProcessorConfig
	logger logging.Logger
}

// NewProcessor returns a processor for the configuration.
func NewProcessor(cfg ProcessorConfig, logger logging.Logger) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Processor{cfg: cfg, logger: logger}, nil
}

// Config returns the configuration of the processor.
func (p *Processor) Config() ProcessorConfig {
	return p.cfg
}

// Process applies the configured filters to the frame depth, then computes the mapping and the
// cloud when the calibration allows it. record may be nil.
func (p *Processor) Process(ctx context.Context, frame *Frame, record *calibration.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dm := frame.Depth
	if dm == nil {
		return nil
	}
	flags := p.cfg.Flags
	if flags.Has(FilterThresholdDepth) {
		removed := dm.ThresholdDepth(metresToDepth(p.cfg.MinDepth), metresToDepth(p.cfg.MaxDepth))
		p.logger.Debugw("threshold depth", "frame", frame.Index, "removed", removed)
	}
	if flags.Has(FilterEdges) {
		removed := filterEdges(dm, p.cfg.EdgeThreshold)
		p.logger.Debugw("filter edges", "frame", frame.Index, "removed", removed)
	}
	if flags.Has(FillSmallHoles) {
		filled := rimage.FillSmallHoles(dm, p.cfg.MaxHoleSize)
		p.logger.Debugw("fill small holes", "frame", frame.Index, "filled", filled)
	}
	if !record.HasDepth() {
		return nil
	}
	depthParams := record.Depth.Intrinsics
	if flags.Has(FilterNormals) {
		removed := filterNormals(dm, depthParams, p.cfg.MaxNormalAngle)
		p.logger.Debugw("filter normals", "frame", frame.Index, "removed", removed)
	}

	frame.Mapped = nil
	if flags.Has(ComputeMapping) && record.HasRGB() && frame.Color != nil {
		mapped, err := transform.AlignDepthToColor(dm, depthParams, record.RGB.Intrinsics, record.DepthToColor)
		if err != nil {
			return errors.Wrap(err, "cannot map depth to color")
		}
		frame.Mapped = mapped
	}

	var err error
	if frame.Mapped != nil {
		frame.Cloud, err = record.RGB.Intrinsics.DepthToPointCloud(frame.Mapped, frame.Color, p.cfg.CloudStep)
	} else {
		frame.Cloud, err = depthParams.DepthToPointCloud(dm, frame.Color, p.cfg.CloudStep)
	}
	return err
}

func metresToDepth(m float64) rimage.Depth {
	return rimage.Depth(utils.Clamp(math.Round(m*1000), 0, float64(rimage.MaxDepth)))
}

// filterEdges zeroes the pixels whose depth differs from a 4-neighbour by more than threshold
// times their depth.
func filterEdges(dm *rimage.DepthMap, threshold float64) int {
	src := dm.Clone()
	removed := 0
	for y := 0; y < dm.Height(); y++ {
		for x := 0; x < dm.Width(); x++ {
			d := float64(src.GetDepth(x, y))
			if d == 0 {
				continue
			}
			for _, n := range [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
				nx, ny := x+n[0], y+n[1]
				if !src.Contains(nx, ny) {
					continue
				}
				nd := float64(src.GetDepth(nx, ny))
				if nd != 0 && math.Abs(nd-d) > threshold*d {
					dm.Set(x, y, 0)
					removed++
					break
				}
			}
		}
	}
	return removed
}

// filterNormals zeroes the pixels whose surface normal, estimated from the neighbouring pixels,
// makes an angle larger than maxAngle degrees with the viewing ray.
func filterNormals(dm *rimage.DepthMap, params *transform.PinholeCameraIntrinsics, maxAngle float64) int {
	if params.CheckValid() != nil {
		return 0
	}
	sx := float64(params.Width) / float64(dm.Width())
	sy := float64(params.Height) / float64(dm.Height())
	point := func(x, y int) (r3.Vector, bool) {
		if !dm.Contains(x, y) {
			return r3.Vector{}, false
		}
		d := dm.GetDepth(x, y)
		if d == 0 {
			return r3.Vector{}, false
		}
		px, py, pz := params.PixelToPoint(float64(x)*sx, float64(y)*sy, float64(d)/1000)
		return r3.Vector{X: px, Y: py, Z: pz}, true
	}
	minCos := math.Cos(utils.DegToRad(maxAngle))
	var grazing [][2]int
	for y := 0; y < dm.Height(); y++ {
		for x := 0; x < dm.Width(); x++ {
			p, ok := point(x, y)
			if !ok {
				continue
			}
			right, okR := point(x+1, y)
			down, okD := point(x, y+1)
			if !okR || !okD {
				continue
			}
			normal := right.Sub(p).Cross(down.Sub(p))
			if normal.Norm() == 0 {
				continue
			}
			cos := math.Abs(normal.Normalize().Dot(p.Normalize()))
			if cos < minCos {
				grazing = append(grazing, [2]int{x, y})
			}
		}
	}
	for _, p := range grazing {
		dm.Set(p[0], p[1], 0)
	}
	return len(grazing)
}
