package quality

import (
	"fmt"
	"image/color"
	"io"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var gapColor = color.RGBA{R: 0xc0, G: 0x30, B: 0x30, A: 0xff}

// WritePNG renders the occlusion timeline: one row per marker, a red
// bar wherever the marker was lost. Rows read top to bottom in
// recording label order.
func (r *Report) WritePNG(w io.Writer) error {
	p := plot.New()
	p.Title.Text = "Marker occlusion timeline"
	p.X.Label.Text = "seconds"
	p.X.Min, p.X.Max = 0, r.DurationSeconds
	p.Y.Min, p.Y.Max = -1, float64(len(r.Markers))

	ticks := make([]plot.Tick, len(r.Markers))
	for i, m := range r.Markers {
		// Rows top-down, so the first marker reads first.
		ticks[i] = plot.Tick{Value: float64(len(r.Markers) - 1 - i), Label: m.Label}
	}
	p.Y.Tick.Marker = plot.ConstantTicks(ticks)

	for i, m := range r.Markers {
		row := float64(len(r.Markers) - 1 - i)
		for _, g := range m.Gaps {
			line, err := plotter.NewLine(plotter.XYs{
				{X: float64(g.Start) / r.Rate, Y: row},
				{X: float64(g.End+1) / r.Rate, Y: row},
			})
			if err != nil {
				return fmt.Errorf("failed to build gap line: %w", err)
			}
			line.Width = vg.Points(4)
			line.Color = gapColor
			p.Add(line)
		}
	}

	height := vg.Points(float64(20*len(r.Markers) + 80))
	wt, err := p.WriterTo(10*vg.Inch, height, "png")
	if err != nil {
		return fmt.Errorf("failed to render timeline: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write timeline: %w", err)
	}
	return nil
}

// SavePNG writes the occlusion timeline to path.
func (r *Report) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create plot file: %w", err)
	}
	if err := r.WritePNG(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
