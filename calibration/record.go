package calibration

import (
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"go.viam.com/rgbd/rimage/transform"
	"go.viam.com/rgbd/spatialmath"
	"go.viam.com/rgbd/utils"
)

// DefaultCalibrationFile is the calibration file used when none is given.
const DefaultCalibrationFile = "calibration.yml"

// InfraredFocalGuess is the focal length in pixels of a 1280x1024 Kinect infrared stream.
const InfraredFocalGuess = 570.34 * 2

// SensorParams holds the intrinsics and lens distortion of one imaging sensor.
type SensorParams struct {
	Intrinsics *transform.PinholeCameraIntrinsics `yaml:"intrinsics"`
	Distortion *transform.BrownConrady            `yaml:"distortion,omitempty"`
}

// Clone returns a deep copy.
func (sp *SensorParams) Clone() *SensorParams {
	if sp == nil {
		return nil
	}
	out := &SensorParams{Intrinsics: sp.Intrinsics.Clone()}
	if sp.Distortion != nil {
		d := *sp.Distortion
		out.Distortion = &d
	}
	return out
}

// Record is the persisted calibration of an RGBD camera. Keys it does not know about are kept in
// Extra and written back untouched.
type Record struct {
	RGB          *SensorParams         `yaml:"rgb,omitempty"`
	Depth        *SensorParams         `yaml:"depth,omitempty"`
	Infrared     *SensorParams         `yaml:"infrared,omitempty"`
	DepthToColor *transform.Extrinsics `yaml:"depth_to_color,omitempty"`
	RawDepthUnit string                `yaml:"raw_depth_unit,omitempty"`
	MinDepth     float64               `yaml:"min_depth,omitempty"`
	MaxDepth     float64               `yaml:"max_depth,omitempty"`

	Extra map[string]yaml.Node `yaml:",inline"`

	rgbPose   spatialmath.Pose
	depthPose spatialmath.Pose
}

// NewDefaultRecord returns the factory calibration of a Kinect-like sensor: 640x480 color and
// depth with a 1280x1024 infrared stream.
func NewDefaultRecord() *Record {
	color := &transform.PinholeCameraIntrinsics{
		Width: 640, Height: 480,
		Fx: 525, Fy: 525,
		Ppx: 319.5, Ppy: 239.5,
	}
	r := &Record{
		RGB:   &SensorParams{Intrinsics: color},
		Depth: &SensorParams{Intrinsics: color.Clone()},
		Infrared: &SensorParams{Intrinsics: &transform.PinholeCameraIntrinsics{
			Width: 1280, Height: 1024,
			Fx: InfraredFocalGuess, Fy: InfraredFocalGuess,
			Ppx: 640, Ppy: 512,
		}},
		DepthToColor: transform.NewIdentityExtrinsics(),
		RawDepthUnit: "mm",
	}
	r.UpdatePoses()
	return r
}

// Load reads a calibration record from a YAML file.
func Load(path string) (*Record, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read calibration file %q", path)
	}
	r := &Record{}
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, errors.Wrapf(err, "cannot parse calibration file %q", path)
	}
	if err := r.CheckValid(); err != nil {
		return nil, errors.Wrapf(err, "invalid calibration file %q", path)
	}
	r.UpdatePoses()
	return r, nil
}

// Save writes the record to path, replacing the previous file atomically.
func (r *Record) Save(path string) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, data, 0o644)
}

// Marshal encodes the record as YAML.
func (r *Record) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode calibration")
	}
	return data, nil
}

// CheckValid checks the intrinsics of every present sensor and the extrinsics.
func (r *Record) CheckValid() error {
	for name, sp := range map[string]*SensorParams{"rgb": r.RGB, "depth": r.Depth, "infrared": r.Infrared} {
		if sp == nil {
			continue
		}
		if err := sp.Intrinsics.CheckValid(); err != nil {
			return errors.Wrapf(err, "%s intrinsics", name)
		}
	}
	if r.DepthToColor != nil {
		if err := r.DepthToColor.CheckValid(); err != nil {
			return errors.Wrap(err, "depth_to_color")
		}
	}
	return nil
}

// Clone returns a deep copy of the record. Extra keys are shared.
func (r *Record) Clone() *Record {
	out := *r
	out.RGB = r.RGB.Clone()
	out.Depth = r.Depth.Clone()
	out.Infrared = r.Infrared.Clone()
	if r.DepthToColor != nil {
		out.DepthToColor = &transform.Extrinsics{
			RotationMatrix:    append([]float64(nil), r.DepthToColor.RotationMatrix...),
			TranslationVector: append([]float64(nil), r.DepthToColor.TranslationVector...),
		}
	}
	return &out
}

// HasRGB reports whether color intrinsics are present.
func (r *Record) HasRGB() bool {
	return r != nil && r.RGB != nil && r.RGB.Intrinsics != nil
}

// HasDepth reports whether depth intrinsics are present.
func (r *Record) HasDepth() bool {
	return r != nil && r.Depth != nil && r.Depth.Intrinsics != nil
}

// DeriveDepthFromColor sets the depth intrinsics from the color ones for a depth stream whose
// resolution is the color resolution divided by ratio. The color distortion is copied.
func (r *Record) DeriveDepthFromColor(ratio float64) error {
	if !r.HasRGB() {
		return transform.NewNoIntrinsicsError("color intrinsics missing")
	}
	if ratio <= 0 {
		return errors.Errorf("invalid depth/color ratio %v", ratio)
	}
	depth := r.RGB.Clone()
	depth.Intrinsics = r.RGB.Intrinsics.Downscaled(ratio)
	r.Depth = depth
	return nil
}

// DepthFromInfrared sets the depth intrinsics from the infrared ones. The depth stream is the
// infrared stream downscaled by irWidth/depthWidth and cropped vertically around its center.
func (r *Record) DepthFromInfrared() error {
	if r.Infrared == nil || r.Infrared.Intrinsics == nil {
		return transform.NewNoIntrinsicsError("infrared intrinsics missing")
	}
	if !r.HasDepth() || r.Depth.Intrinsics.Width == 0 {
		return transform.NewNoIntrinsicsError("depth resolution unknown")
	}
	ir := r.Infrared.Intrinsics
	dw, dh := r.Depth.Intrinsics.Width, r.Depth.Intrinsics.Height
	ratio := float64(ir.Width) / float64(dw)
	offsetY := (float64(ir.Height) - float64(dh)*ratio) / 2
	depth := r.Infrared.Clone()
	depth.Intrinsics = &transform.PinholeCameraIntrinsics{
		Width:  dw,
		Height: dh,
		Fx:     ir.Fx / ratio,
		Fy:     ir.Fy / ratio,
		Ppx:    ir.Ppx / ratio,
		Ppy:    (ir.Ppy - offsetY) / ratio,
	}
	r.Depth = depth
	return nil
}

// UpdatePoses recomputes the sensor poses in the color camera frame.
func (r *Record) UpdatePoses() {
	r.rgbPose = spatialmath.NewZeroPose()
	if r.DepthToColor == nil || r.DepthToColor.CheckValid() != nil {
		r.depthPose = spatialmath.NewZeroPose()
		return
	}
	rot := mat.NewDense(3, 3, append([]float64(nil), r.DepthToColor.RotationMatrix...))
	r.depthPose = spatialmath.NewPoseFromRotationMatrix(rot, r.DepthToColor.Translation())
}

// RGBPose is the pose of the color camera, the reference frame.
func (r *Record) RGBPose() spatialmath.Pose {
	if r.rgbPose == nil {
		return spatialmath.NewZeroPose()
	}
	return r.rgbPose
}

// DepthPose is the pose of the depth camera in the color camera frame.
func (r *Record) DepthPose() spatialmath.Pose {
	if r.depthPose == nil {
		return spatialmath.NewZeroPose()
	}
	return r.depthPose
}
