package tui

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"go.viam.com/rgbd/rimage"
	"go.viam.com/rgbd/scan"
)

const halfBlock = "▀"

// depthShades go from near to far.
var depthShades = []string{"█", "▓", "▒", "░"}

func hexColor(c color.NRGBA) lipgloss.Color {
	return lipgloss.Color(fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B))
}

// renderColor draws two pixel rows per line, the upper one as the foreground of a half block.
func renderColor(img *image.NRGBA) string {
	b := img.Bounds()
	var lines []string
	for y := b.Min.Y; y < b.Max.Y; y += 2 {
		var sb strings.Builder
		for x := b.Min.X; x < b.Max.X; x++ {
			style := lipgloss.NewStyle().Foreground(hexColor(img.NRGBAAt(x, y)))
			if y+1 < b.Max.Y {
				style = style.Background(hexColor(img.NRGBAAt(x, y+1)))
			}
			sb.WriteString(style.Render(halfBlock))
		}
		lines = append(lines, sb.String())
	}
	return strings.Join(lines, "\n")
}

// renderDepth shades every other row of dm between its nearest and farthest valid depth. Missing
// depth is blank.
func renderDepth(dm *rimage.DepthMap) string {
	near, far := dm.MinMax()
	span := float64(far - near)
	var lines []string
	for y := 0; y < dm.Height(); y += 2 {
		var sb strings.Builder
		for x := 0; x < dm.Width(); x++ {
			d := dm.GetDepth(x, y)
			if d == 0 {
				sb.WriteByte(' ')
				continue
			}
			shade := 0
			if span > 0 {
				shade = min(len(depthShades)-1, int(float64(d-near)/span*float64(len(depthShades))))
			}
			sb.WriteString(depthShades[shade])
		}
		lines = append(lines, sb.String())
	}
	return strings.Join(lines, "\n")
}

// renderThumbnail prefers the color image and falls back to depth. It returns "" when there is
// nothing to draw.
func renderThumbnail(t *scan.Thumbnail) string {
	switch {
	case t == nil:
		return ""
	case t.Color != nil:
		return renderColor(t.Color)
	case t.Depth != nil:
		return renderDepth(t.Depth)
	default:
		return ""
	}
}
