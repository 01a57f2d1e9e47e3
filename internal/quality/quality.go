// Package quality scores a marker recording before any fitting
// happens: per-marker occlusion gaps, how much of each marker's data
// is missing, and aggregate totals. A bad take is cheaper to reject
// here than to debug as a twitching skeleton later.
package quality

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/perfcap/rigsetup/internal/c3d"
)

// Span is a contiguous frame range, inclusive on both ends.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Frames returns the span length in frames.
func (s Span) Frames() int { return s.End - s.Start + 1 }

// MarkerReport is the gap analysis for one marker.
type MarkerReport struct {
	Label           string  `json:"label"`
	Segments        int     `json:"segments"` // visible runs
	GapCount        int     `json:"gap_count"`
	MeanGapSeconds  float64 `json:"mean_gap_seconds"`
	MaxGapSeconds   float64 `json:"max_gap_seconds"`
	MissingFraction float64 `json:"missing_fraction"` // occluded frames / total
	Gaps            []Span  `json:"gaps,omitempty"`
}

// Report is the full evaluation of a recording.
type Report struct {
	Markers         []MarkerReport `json:"markers"`
	FrameCount      int            `json:"frame_count"`
	Rate            float64        `json:"rate"`
	DurationSeconds float64        `json:"duration_seconds"`

	TotalGaps           int     `json:"total_gaps"`
	MeanMissingFraction float64 `json:"mean_missing_fraction"`
	WorstMarker         string  `json:"worst_marker,omitempty"`
}

// Marker returns the report for the given label, or nil.
func (r *Report) Marker(label string) *MarkerReport {
	for i := range r.Markers {
		if r.Markers[i].Label == label {
			return &r.Markers[i]
		}
	}
	return nil
}

// Clean reports whether no marker ever dropped out.
func (r *Report) Clean() bool { return r.TotalGaps == 0 && r.MeanMissingFraction == 0 }

// Evaluate runs gap analysis over every marker of the recording.
// A gap is a run of occluded frames; leading and trailing occlusion
// counts as a gap too, since the marker is just as absent there.
func Evaluate(rec *c3d.Recording) (*Report, error) {
	if len(rec.Frames) == 0 {
		return nil, fmt.Errorf("recording has no frames")
	}
	if rec.Rate() <= 0 {
		return nil, fmt.Errorf("recording has frame rate %g", rec.Rate())
	}

	rep := &Report{
		FrameCount:      len(rec.Frames),
		Rate:            rec.Rate(),
		DurationSeconds: rec.Duration(),
	}

	var missing []float64
	worst := -1.0
	for mi, label := range rec.Labels {
		mr := evaluateMarker(rec, mi)
		mr.Label = label
		rep.Markers = append(rep.Markers, mr)
		rep.TotalGaps += mr.GapCount
		missing = append(missing, mr.MissingFraction)
		if mr.MissingFraction > worst {
			worst = mr.MissingFraction
			rep.WorstMarker = label
		}
	}
	rep.MeanMissingFraction = stat.Mean(missing, nil)
	return rep, nil
}

func evaluateMarker(rec *c3d.Recording, marker int) MarkerReport {
	var mr MarkerReport
	total := len(rec.Frames)

	inGap, inSegment := false, false
	gapStart := 0
	for f := 0; f < total; f++ {
		valid := rec.Frames[f][marker].Valid()
		switch {
		case valid && !inSegment:
			inSegment = true
			mr.Segments++
		case !valid && inSegment:
			inSegment = false
		}
		switch {
		case !valid && !inGap:
			inGap = true
			gapStart = f
		case valid && inGap:
			inGap = false
			mr.Gaps = append(mr.Gaps, Span{Start: gapStart, End: f - 1})
		}
	}
	if inGap {
		mr.Gaps = append(mr.Gaps, Span{Start: gapStart, End: total - 1})
	}

	mr.GapCount = len(mr.Gaps)
	occluded := 0
	if mr.GapCount > 0 {
		lengths := make([]float64, 0, mr.GapCount)
		for _, g := range mr.Gaps {
			sec := float64(g.Frames()) / rec.Rate()
			lengths = append(lengths, sec)
			occluded += g.Frames()
			if sec > mr.MaxGapSeconds {
				mr.MaxGapSeconds = sec
			}
		}
		mr.MeanGapSeconds = stat.Mean(lengths, nil)
	}
	mr.MissingFraction = float64(occluded) / float64(total)
	return mr
}

// WorstMarkers returns up to n marker reports sorted by missing
// fraction, worst first. Ties keep recording label order.
func (r *Report) WorstMarkers(n int) []MarkerReport {
	out := make([]MarkerReport, len(r.Markers))
	copy(out, r.Markers)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MissingFraction > out[j].MissingFraction
	})
	if n < len(out) {
		out = out[:n]
	}
	return out
}
