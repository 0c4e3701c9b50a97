package chessboard

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/stat"
)

// GridConfig is the layout of the pattern: Width features per row and Height rows.
type GridConfig struct {
	Width  int
	Height int
}

// angle tolerance when linking two features of the same row
const rowAngleTolerance = 25 * math.Pi / 180

// nearestDistances returns, for every point, the distance to its nearest neighbour and the
// direction to it.
func nearestDistances(pts []r2.Point) ([]float64, []r2.Point) {
	dists := make([]float64, len(pts))
	dirs := make([]r2.Point, len(pts))
	for i, p := range pts {
		best := math.Inf(1)
		for j, q := range pts {
			if i == j {
				continue
			}
			if d := q.Sub(p).Norm(); d < best {
				best = d
				dirs[i] = q.Sub(p)
			}
		}
		dists[i] = best
	}
	return dists, dirs
}

// dominantAngle returns the orientation, modulo a quarter turn, of a set of direction vectors.
func dominantAngle(dirs []r2.Point) float64 {
	var c, s float64
	for _, d := range dirs {
		a := math.Atan2(d.Y, d.X)
		c += math.Cos(4 * a)
		s += math.Sin(4 * a)
	}
	return math.Atan2(s, c) / 4
}

type unionFind []int

func newUnionFind(n int) unionFind {
	uf := make(unionFind, n)
	for i := range uf {
		uf[i] = i
	}
	return uf
}

func (uf unionFind) find(i int) int {
	for uf[i] != i {
		uf[i] = uf[uf[i]]
		i = uf[i]
	}
	return i
}

func (uf unionFind) union(i, j int) {
	uf[uf.find(i)] = uf.find(j)
}

// groupRows links every point to its nearest neighbour on each side along the row angle and
// returns the connected chains, each sorted along the row and the rows sorted across.
func groupRows(pts []r2.Point, nn []float64, rowAngle, linkFactor float64) [][]r2.Point {
	u := r2.Point{X: math.Cos(rowAngle), Y: math.Sin(rowAngle)}
	n := r2.Point{X: -u.Y, Y: u.X}
	uf := newUnionFind(len(pts))
	for i, p := range pts {
		limit := linkFactor * nn[i]
		for _, sense := range []float64{1, -1} {
			best, bestDist := -1, math.Inf(1)
			for j, q := range pts {
				if i == j {
					continue
				}
				d := q.Sub(p)
				dist := d.Norm()
				if dist > limit || dist >= bestDist {
					continue
				}
				cos := sense * d.Dot(u) / dist
				if cos < math.Cos(rowAngleTolerance) {
					continue
				}
				best, bestDist = j, dist
			}
			if best >= 0 {
				uf.union(i, best)
			}
		}
	}
	groups := map[int][]r2.Point{}
	for i, p := range pts {
		root := uf.find(i)
		groups[root] = append(groups[root], p)
	}
	rows := make([][]r2.Point, 0, len(groups))
	for _, g := range groups {
		sort.Slice(g, func(a, b int) bool { return g[a].Dot(u) < g[b].Dot(u) })
		rows = append(rows, g)
	}
	sort.Slice(rows, func(a, b int) bool { return centroid(rows[a]).Dot(n) < centroid(rows[b]).Dot(n) })
	return rows
}

func centroid(pts []r2.Point) r2.Point {
	var c r2.Point
	for _, p := range pts {
		c = c.Add(p)
	}
	return c.Mul(1 / float64(len(pts)))
}

// regularRows keeps the rows with exactly cfg.Width points and checks that there are
// cfg.Height of them with regular spacing along each row.
func regularRows(rows [][]r2.Point, cfg GridConfig) ([][]r2.Point, bool) {
	kept := make([][]r2.Point, 0, cfg.Height)
	for _, r := range rows {
		if len(r) == cfg.Width {
			kept = append(kept, r)
		}
	}
	if len(kept) != cfg.Height {
		return nil, false
	}
	var spacings []float64
	for _, r := range kept {
		for i := 1; i < len(r); i++ {
			spacings = append(spacings, r[i].Sub(r[i-1]).Norm())
		}
	}
	sort.Float64s(spacings)
	median := stat.Quantile(0.5, stat.Empirical, spacings, nil)
	for _, s := range spacings {
		if s < 0.4*median || s > 2.5*median {
			return nil, false
		}
	}
	return kept, true
}

func cross(a, b r2.Point) float64 {
	return a.X*b.Y - a.Y*b.X
}

// orient returns the rows in the order where the pattern x axis runs along the rows and the y
// axis across them with a right handed layout in image coordinates. For staggered grids the
// second row must also start half a step after the first.
func orient(rows [][]r2.Point, staggered bool) []r2.Point {
	flipRows := func(rs [][]r2.Point) [][]r2.Point {
		out := make([][]r2.Point, len(rs))
		for i := range rs {
			out[i] = rs[len(rs)-1-i]
		}
		return out
	}
	flipCols := func(rs [][]r2.Point) [][]r2.Point {
		out := make([][]r2.Point, len(rs))
		for i, r := range rs {
			rev := make([]r2.Point, len(r))
			for j := range r {
				rev[j] = r[len(r)-1-j]
			}
			out[i] = rev
		}
		return out
	}
	variants := [][][]r2.Point{rows, flipCols(flipRows(rows)), flipRows(rows), flipCols(rows)}
	ok := func(rs [][]r2.Point, checkHanded bool) bool {
		along := rs[0][len(rs[0])-1].Sub(rs[0][0])
		across := centroid(rs[len(rs)-1]).Sub(centroid(rs[0]))
		if checkHanded && cross(along, across) <= 0 {
			return false
		}
		if staggered && len(rs) > 1 {
			unit := along.Normalize()
			if rs[1][0].Sub(rs[0][0]).Dot(unit) <= 0 {
				return false
			}
		}
		return true
	}
	chosen := rows
	found := false
	for _, v := range variants {
		if ok(v, true) {
			chosen, found = v, true
			break
		}
	}
	if !found {
		for _, v := range variants {
			if ok(v, false) {
				chosen = v
				break
			}
		}
	}
	out := make([]r2.Point, 0, len(rows)*len(rows[0]))
	for _, r := range chosen {
		out = append(out, r...)
	}
	return out
}

// OrderGrid arranges detected features into the pattern order, row by row. Staggered grids are
// the asymmetric circle grids whose nearest neighbours lie on the diagonals.
func OrderGrid(pts []r2.Point, cfg GridConfig, staggered bool) ([]r2.Point, bool) {
	if cfg.Width < 2 || cfg.Height < 2 || len(pts) < cfg.Width*cfg.Height {
		return nil, false
	}
	nn, dirs := nearestDistances(pts)
	base := dominantAngle(dirs)
	linkFactor := 1.5
	candidates := []float64{base, base + math.Pi/2}
	if staggered {
		linkFactor = 1.5 * math.Sqrt2
		candidates = []float64{base + math.Pi/4, base + 3*math.Pi/4}
	}
	for _, angle := range candidates {
		rows := groupRows(pts, nn, angle, linkFactor)
		if kept, ok := regularRows(rows, cfg); ok {
			return orient(kept, staggered), true
		}
	}
	return nil, false
}
