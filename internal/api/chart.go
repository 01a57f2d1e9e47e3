package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// qualityChart renders the per-marker missing fraction as a bar chart
// so a reviewer can spot problem markers before touching the skeleton.
func (s *Server) qualityChart(w http.ResponseWriter, r *http.Request) {
	if s.quality == nil {
		s.writeJSONError(w, http.StatusNotFound, "no quality report loaded")
		return
	}

	labels := make([]string, 0, len(s.quality.Markers))
	missing := make([]opts.BarData, 0, len(s.quality.Markers))
	gaps := make([]opts.BarData, 0, len(s.quality.Markers))
	for _, m := range s.quality.Markers {
		labels = append(labels, m.Label)
		missing = append(missing, opts.BarData{Value: m.MissingFraction * 100})
		gaps = append(gaps, opts.BarData{Value: m.GapCount})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Marker Quality",
			Width:     "1400px",
			Height:    "600px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title: "Marker occlusion",
			Subtitle: fmt.Sprintf("%d frames at %.1f Hz, %.1f s",
				s.quality.FrameCount, s.quality.Rate, s.quality.DurationSeconds),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{
			AxisLabel: &opts.AxisLabel{Rotate: 45, Show: opts.Bool(true)},
		}),
		charts.WithYAxisOpts(opts.YAxis{Name: "missing %"}),
	)
	bar.SetXAxis(labels).
		AddSeries("missing %", missing).
		AddSeries("gap count", gaps)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// qualityPlot serves the static gap timeline as a PNG.
func (s *Server) qualityPlot(w http.ResponseWriter, r *http.Request) {
	if s.quality == nil {
		s.writeJSONError(w, http.StatusNotFound, "no quality report loaded")
		return
	}

	var buf bytes.Buffer
	if err := s.quality.WritePNG(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}
