package rimage

import (
	"image"

	"github.com/montanaflynn/stats"
)

// directions for 4-connected hole segmentation.
var fourNeighbors = []image.Point{
	{0, 1},
	{0, -1},
	{-1, 0},
	{1, 0},
}

// FillSmallHoles finds regions of connected missing data and, for those with at most maxHoleSize
// pixels that do not touch the image border, fills them with the median depth of the pixels on
// the hole border. It returns the number of pixels filled.
func FillSmallHoles(dm *DepthMap, maxHoleSize int) int {
	visited := make([]bool, dm.width*dm.height)
	filled := 0
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			if visited[dm.kxy(x, y)] || dm.GetDepth(x, y) != 0 {
				continue
			}
			hole, border, touchesEdge := dm.segmentHole(image.Point{x, y}, visited)
			if touchesEdge || len(hole) > maxHoleSize || len(border) == 0 {
				continue
			}
			values := make(stats.Float64Data, 0, len(border))
			for p := range border {
				values = append(values, float64(dm.Get(p)))
			}
			median, err := values.Median()
			if err != nil {
				continue
			}
			for _, p := range hole {
				dm.Set(p.X, p.Y, Depth(median))
			}
			filled += len(hole)
		}
	}
	return filled
}

// segmentHole flood fills the zero-depth region containing start.
func (dm *DepthMap) segmentHole(start image.Point, visited []bool) ([]image.Point, map[image.Point]bool, bool) {
	var hole []image.Point
	border := map[image.Point]bool{}
	touchesEdge := false
	queue := []image.Point{start}
	visited[dm.kxy(start.X, start.Y)] = true
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		hole = append(hole, p)
		if p.X == 0 || p.Y == 0 || p.X == dm.width-1 || p.Y == dm.height-1 {
			touchesEdge = true
		}
		for _, dir := range fourNeighbors {
			n := p.Add(dir)
			if !dm.Contains(n.X, n.Y) {
				continue
			}
			if dm.Get(n) != 0 {
				border[n] = true
				continue
			}
			if !visited[dm.kxy(n.X, n.Y)] {
				visited[dm.kxy(n.X, n.Y)] = true
				queue = append(queue, n)
			}
		}
	}
	return hole, border, touchesEdge
}
