package quality

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfcap/rigsetup/internal/c3d"
)

// recordingFromPattern builds a recording at 100 Hz where each string
// is one marker's visibility per frame: 'x' visible, '.' occluded.
func recordingFromPattern(labels []string, patterns []string) *c3d.Recording {
	frames := make([]c3d.Frame, len(patterns[0]))
	for f := range frames {
		frame := make(c3d.Frame, len(labels))
		for m := range labels {
			if patterns[m][f] == 'x' {
				frame[m] = c3d.Sample{Residual: 1}
			} else {
				frame[m] = c3d.Sample{Residual: -1}
			}
		}
		frames[f] = frame
	}
	return &c3d.Recording{
		Header: c3d.Header{FirstFrame: 1, LastFrame: len(frames), FrameRate: 100},
		Labels: labels,
		Frames: frames,
	}
}

func TestEvaluate(t *testing.T) {
	rec := recordingFromPattern(
		[]string{"HeadFront", "KneeL", "ToeR"},
		[]string{
			"xxxxxxxxxx", // never lost
			"xx..xxx..x", // two interior gaps
			"...xxxx...", // leading and trailing gaps
		})

	rep, err := Evaluate(rec)
	require.NoError(t, err)

	assert.Equal(t, 10, rep.FrameCount)
	assert.InDelta(t, 0.1, rep.DurationSeconds, 1e-9)
	require.Len(t, rep.Markers, 3)

	head := rep.Marker("HeadFront")
	require.NotNil(t, head)
	assert.Equal(t, 1, head.Segments)
	assert.Equal(t, 0, head.GapCount)
	assert.Zero(t, head.MissingFraction)

	knee := rep.Marker("KneeL")
	require.NotNil(t, knee)
	assert.Equal(t, 3, knee.Segments)
	assert.Equal(t, 2, knee.GapCount)
	assert.Equal(t, []Span{{Start: 2, End: 3}, {Start: 7, End: 8}}, knee.Gaps)
	assert.InDelta(t, 0.02, knee.MeanGapSeconds, 1e-9)
	assert.InDelta(t, 0.02, knee.MaxGapSeconds, 1e-9)
	assert.InDelta(t, 0.4, knee.MissingFraction, 1e-9)

	toe := rep.Marker("ToeR")
	require.NotNil(t, toe)
	assert.Equal(t, 1, toe.Segments)
	assert.Equal(t, 2, toe.GapCount)
	assert.Equal(t, []Span{{Start: 0, End: 2}, {Start: 7, End: 9}}, toe.Gaps)
	assert.InDelta(t, 0.03, toe.MaxGapSeconds, 1e-9)
	assert.InDelta(t, 0.6, toe.MissingFraction, 1e-9)

	assert.Equal(t, 4, rep.TotalGaps)
	assert.InDelta(t, (0+0.4+0.6)/3, rep.MeanMissingFraction, 1e-9)
	assert.Equal(t, "ToeR", rep.WorstMarker)
	assert.False(t, rep.Clean())
}

func TestEvaluateClean(t *testing.T) {
	rec := recordingFromPattern([]string{"A"}, []string{"xxxx"})
	rep, err := Evaluate(rec)
	require.NoError(t, err)
	assert.True(t, rep.Clean())
	assert.Zero(t, rep.TotalGaps)
}

func TestEvaluateErrors(t *testing.T) {
	_, err := Evaluate(&c3d.Recording{Header: c3d.Header{FrameRate: 100}})
	assert.Error(t, err)

	rec := recordingFromPattern([]string{"A"}, []string{"x"})
	rec.Header.FrameRate = 0
	_, err = Evaluate(rec)
	assert.Error(t, err)
}

func TestWorstMarkers(t *testing.T) {
	rec := recordingFromPattern(
		[]string{"A", "B", "C"},
		[]string{"xxxx", "x..x", ".x.."})
	rep, err := Evaluate(rec)
	require.NoError(t, err)

	worst := rep.WorstMarkers(2)
	require.Len(t, worst, 2)
	assert.Equal(t, "C", worst[0].Label)
	assert.Equal(t, "B", worst[1].Label)
}

func TestWritePNG(t *testing.T) {
	rec := recordingFromPattern(
		[]string{"A", "B"},
		[]string{"xx..x", "x.x.x"})
	rep, err := Evaluate(rec)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, rep.WritePNG(&buf))
	require.Greater(t, buf.Len(), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, buf.Bytes()[:4])
}
