package intrinsics

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotErrors charts the reprojection error of every view used by the solve. The image format
// follows the extension of path.
func (r *Result) PlotErrors(path string) error {
	if r.Solution == nil || r.Corners == nil {
		return errors.New("no solution to plot")
	}
	good := r.Corners.Good()
	if len(good) != len(r.Solution.PerView) {
		return errors.Errorf("%d views solved but %d errors", len(good), len(r.Solution.PerView))
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Reprojection error, RMS %.3f px", r.Solution.RMS)
	p.Y.Label.Text = "RMS (px)"
	p.Y.Min = 0

	values := make(plotter.Values, len(good))
	names := make([]string, len(good))
	for i, v := range good {
		values[i] = r.Solution.PerView[i]
		names[i] = v.Name
	}
	bars, err := plotter.NewBarChart(values, vg.Points(12))
	if err != nil {
		return err
	}
	bars.LineStyle.Width = vg.Length(0)
	overall := plotter.NewFunction(func(float64) float64 { return r.Solution.RMS })
	overall.Width = vg.Points(1)
	overall.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	p.Add(plotter.NewGrid(), bars, overall)
	p.NominalX(names...)
	return p.Save(vg.Length(len(good)+4)*vg.Centimeter, 10*vg.Centimeter, path)
}
