// Package calibration estimates the intrinsics of an RGBD camera from views of a planar pattern
// and maintains the calibration record shared with the scanner.
package calibration

import (
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ErrInvalidPatternType is returned for unknown pattern type names.
var ErrInvalidPatternType = errors.New("Invalid pattern type")

// PatternType is the kind of planar calibration target.
type PatternType int

const (
	// PatternChessboard is a checkerboard whose inner corners are detected.
	PatternChessboard PatternType = iota
	// PatternCircles is a symmetric grid of dark circles.
	PatternCircles
	// PatternAsymmetricCircles is a staggered grid of dark circles.
	PatternAsymmetricCircles
)

// String returns the command line name of the pattern type.
func (pt PatternType) String() string {
	switch pt {
	case PatternChessboard:
		return "chessboard"
	case PatternCircles:
		return "circles"
	case PatternAsymmetricCircles:
		return "asymcircles"
	default:
		return fmt.Sprintf("PatternType(%d)", int(pt))
	}
}

// ParsePatternType maps a command line name to a pattern type.
func ParsePatternType(name string) (PatternType, error) {
	switch name {
	case "chessboard":
		return PatternChessboard, nil
	case "circles":
		return PatternCircles, nil
	case "asymcircles":
		return PatternAsymmetricCircles, nil
	default:
		return 0, errors.Wrapf(ErrInvalidPatternType, "%q", name)
	}
}

// Pattern describes the calibration target: its type, the number of features per row (Width)
// and rows (Height), and the distance between neighbouring features in metres.
type Pattern struct {
	Type       PatternType
	Width      int
	Height     int
	SquareSize float64
}

// DefaultPattern is a 10x7 chessboard with 25mm squares.
var DefaultPattern = Pattern{
	Type:       PatternChessboard,
	Width:      10,
	Height:     7,
	SquareSize: 0.025,
}

// Validate checks that the pattern can be detected and measured.
func (p Pattern) Validate() error {
	switch p.Type {
	case PatternChessboard, PatternCircles, PatternAsymmetricCircles:
	default:
		return errors.Wrapf(ErrInvalidPatternType, "%v", p.Type)
	}
	if p.Width < 2 || p.Height < 2 {
		return errors.Errorf("pattern must be at least 2x2, got %dx%d", p.Width, p.Height)
	}
	if p.SquareSize <= 0 {
		return errors.Errorf("pattern size must be positive, got %v", p.SquareSize)
	}
	return nil
}

// NumPoints is the number of features on the pattern.
func (p Pattern) NumPoints() int {
	return p.Width * p.Height
}

// ObjectPoints returns the pattern features on the z=0 plane, row by row, in metres.
func (p Pattern) ObjectPoints() []r3.Vector {
	points := make([]r3.Vector, 0, p.NumPoints())
	for i := 0; i < p.Height; i++ {
		for j := 0; j < p.Width; j++ {
			x := float64(j) * p.SquareSize
			if p.Type == PatternAsymmetricCircles {
				x = float64(2*j+i%2) * p.SquareSize
			}
			points = append(points, r3.Vector{X: x, Y: float64(i) * p.SquareSize})
		}
	}
	return points
}

// Neighbors returns the index pairs of features adjacent in the detection grid, horizontally
// and vertically. Their distance on the target follows from ObjectPoints.
func (p Pattern) Neighbors() [][2]int {
	var pairs [][2]int
	for i := 0; i < p.Height; i++ {
		for j := 0; j < p.Width; j++ {
			idx := i*p.Width + j
			if j+1 < p.Width {
				pairs = append(pairs, [2]int{idx, idx + 1})
			}
			if i+1 < p.Height {
				pairs = append(pairs, [2]int{idx, idx + p.Width})
			}
		}
	}
	return pairs
}
