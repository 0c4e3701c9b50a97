package intrinsics

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"go.viam.com/rgbd/calibration"
)

// Summary prints a table of the views with their detection result, followed by the resulting
// intrinsics of each sensor.
func (r *Result) Summary() string {
	var sb strings.Builder
	if r.Corners != nil {
		t := table.NewWriter()
		t.AppendHeader(table.Row{"#", "View", "Found", "Corners", "RMS"})
		good := 0
		for i, v := range r.Corners.All() {
			rms := ""
			if v.Found {
				if r.Solution != nil && good < len(r.Solution.PerView) {
					rms = fmt.Sprintf("%.3f", r.Solution.PerView[good])
				}
				good++
			}
			t.AppendRow([]interface{}{fmt.Sprintf("%d", i+1), v.Name, v.Found, len(v.Corners), rms})
		}
		t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d/%d", r.Good, r.Views), "", r.rmsString()})
		sb.WriteString(t.Render())
		sb.WriteString("\n")
	}
	if r.Record != nil {
		sb.WriteString(RecordTable(r.Record))
		sb.WriteString("\n")
	}
	if r.Scale != nil {
		sb.WriteString(fmt.Sprintf("scale factor %.5f over %d pairs (spread %.5f), initial fx %.2f\n",
			r.Scale.Scale, r.Scale.Pairs, r.Scale.Spread, r.InitialFocal))
	}
	return sb.String()
}

func (r *Result) rmsString() string {
	if r.Solution == nil {
		return ""
	}
	return fmt.Sprintf("%.3f", r.Solution.RMS)
}

// RecordTable renders the intrinsics and distortion of every sensor in a calibration record.
func RecordTable(record *calibration.Record) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Sensor", "Size", "Fx", "Fy", "Cx", "Cy", "Distortion"})
	for _, s := range []struct {
		name   string
		params *calibration.SensorParams
	}{
		{"rgb", record.RGB},
		{"depth", record.Depth},
		{"infrared", record.Infrared},
	} {
		if s.params == nil || s.params.Intrinsics == nil {
			continue
		}
		k := s.params.Intrinsics
		dist := "none"
		if !s.params.Distortion.IsZero() {
			dist = fmt.Sprintf("%.4f", s.params.Distortion.Parameters())
		}
		t.AppendRow([]interface{}{
			s.name,
			fmt.Sprintf("%dx%d", k.Width, k.Height),
			fmt.Sprintf("%.2f", k.Fx),
			fmt.Sprintf("%.2f", k.Fy),
			fmt.Sprintf("%.2f", k.Ppx),
			fmt.Sprintf("%.2f", k.Ppy),
			dist,
		})
	}
	return t.Render()
}
