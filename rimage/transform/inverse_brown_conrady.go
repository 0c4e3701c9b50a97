package transform

import "math"

// InverseBrownConrady maps distorted normalized coordinates back to undistorted ones.
type InverseBrownConrady struct {
	Forward BrownConrady `json:"forward" yaml:"forward"`
}

// NewInverseBrownConrady takes the forward parameters (k1, k2, p1, p2, k3).
func NewInverseBrownConrady(inp []float64) (*InverseBrownConrady, error) {
	forward, err := NewBrownConrady(inp)
	if err != nil {
		return nil, err
	}
	return &InverseBrownConrady{*forward}, nil
}

// CheckValid fails on a nil model.
func (ibc *InverseBrownConrady) CheckValid() error {
	if ibc == nil {
		return InvalidDistortionError("InverseBrownConrady shaped distortion_parameters not provided")
	}
	return nil
}

// ModelType returns the type of distortion model.
func (ibc *InverseBrownConrady) ModelType() DistortionType {
	return InverseBrownConradyDistortionType
}

// Parameters returns the parameters of the forward model.
func (ibc *InverseBrownConrady) Parameters() []float64 {
	if ibc == nil {
		return []float64{}
	}
	return ibc.Forward.Parameters()
}

// Transform undistorts normalized coordinates by Newton iterations on the forward model,
// starting from the distorted point itself.
func (ibc *InverseBrownConrady) Transform(xd, yd float64) (float64, float64) {
	if ibc == nil {
		return xd, yd
	}
	const (
		iterations = 20
		eps        = 1e-10
	)
	k := ibc.Forward
	x, y := xd, yd
	for range iterations {
		fx, fy := k.Transform(x, y)
		ex, ey := fx-xd, fy-yd
		if math.Hypot(ex, ey) < eps {
			break
		}
		j := k.jacobian(x, y)
		det := j[0][0]*j[1][1] - j[0][1]*j[1][0]
		if det == 0 {
			break
		}
		x -= (j[1][1]*ex - j[0][1]*ey) / det
		y -= (j[0][0]*ey - j[1][0]*ex) / det
	}
	return x, y
}

// jacobian is the derivative of Transform at (x, y), rows are the distorted x and y.
func (bc *BrownConrady) jacobian(x, y float64) [2][2]float64 {
	r2 := x*x + y*y
	radial := 1 + r2*(bc.RadialK1+r2*(bc.RadialK2+r2*bc.RadialK3))
	dRadial := bc.RadialK1 + r2*(2*bc.RadialK2+3*r2*bc.RadialK3)
	p1, p2 := bc.TangentialP1, bc.TangentialP2
	return [2][2]float64{
		{radial + 2*x*x*dRadial + 2*p1*y + 6*p2*x, 2*x*y*dRadial + 2*p1*x + 2*p2*y},
		{2*x*y*dRadial + 2*p1*x + 2*p2*y, radial + 2*y*y*dRadial + 6*p1*y + 2*p2*x},
	}
}
