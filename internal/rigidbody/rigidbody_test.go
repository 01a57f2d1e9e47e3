package rigidbody

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfcap/rigsetup/internal/geom"
)

const samplePreset = `
[[bodies]]
name = "Head"

[[bodies.members]]
label = "HeadFront"
weight = 2.0

[[bodies.members]]
label = "HeadLeft"

[[bodies.members]]
label = "HeadRight"

[[bodies.members]]
label = "HeadBack"

[[bodies]]
name = "Hips"

[[bodies.members]]
label = "WaistLFront"

[[bodies.members]]
label = "WaistRFront"

[[bodies.members]]
label = "WaistLBack"

[[bodies.members]]
label = "WaistRBack"
`

func writePreset(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "suit.rbs")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	p, err := LoadFile(writePreset(t, samplePreset))
	require.NoError(t, err)
	require.Len(t, p.Bodies, 2)

	head, ok := p.Find("Head")
	require.True(t, ok)
	assert.Len(t, head.Members, 4)
	assert.Equal(t, 2.0, head.Members[0].Weight)
	// Default weight filled in by validation.
	assert.Equal(t, 1.0, head.Members[1].Weight)

	body, ok := p.BodyFor("WaistLBack")
	require.True(t, ok)
	assert.Equal(t, "Hips", body.Name)

	_, ok = p.BodyFor("KneeL")
	assert.False(t, ok)
}

func TestLoadFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"no bodies", "# empty\n", "declares no bodies"},
		{
			"too few members",
			"[[bodies]]\nname = \"Head\"\n[[bodies.members]]\nlabel = \"A\"\n[[bodies.members]]\nlabel = \"B\"\n",
			"need at least 3",
		},
		{
			"duplicate member",
			"[[bodies]]\nname = \"Head\"\n" +
				"[[bodies.members]]\nlabel = \"A\"\n[[bodies.members]]\nlabel = \"A\"\n[[bodies.members]]\nlabel = \"B\"\n",
			"twice",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writePreset(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// rotateY rotates p around the Y axis by deg degrees.
func rotateY(p geom.Vec3, deg float64) geom.Vec3 {
	rad := deg * math.Pi / 180
	return geom.Vec3{
		X: p.X*math.Cos(rad) + p.Z*math.Sin(rad),
		Y: p.Y,
		Z: -p.X*math.Sin(rad) + p.Z*math.Cos(rad),
	}
}

func TestSolveTransformRecoversRotationAndTranslation(t *testing.T) {
	src := []geom.Vec3{
		{X: 0.1, Y: 1.7, Z: 0.1},
		{X: -0.1, Y: 1.7, Z: 0.1},
		{X: 0, Y: 1.75, Z: -0.1},
		{X: 0, Y: 1.65, Z: 0},
	}
	shift := geom.Vec3{X: 0.5, Y: 0.02, Z: -0.3}
	dst := make([]geom.Vec3, len(src))
	for i, p := range src {
		dst[i] = rotateY(p, 30).Add(shift)
	}

	tr, err := SolveTransform(src, dst, nil)
	require.NoError(t, err)

	for i, p := range src {
		got := tr.Apply(p)
		assert.InDelta(t, dst[i].X, got.X, 1e-9)
		assert.InDelta(t, dst[i].Y, got.Y, 1e-9)
		assert.InDelta(t, dst[i].Z, got.Z, 1e-9)
	}

	// A rotation, not a reflection.
	assert.InDelta(t, 1.0, matDet(tr), 1e-9)
}

func matDet(tr Transform) float64 {
	r := tr.R
	return r.At(0, 0)*(r.At(1, 1)*r.At(2, 2)-r.At(1, 2)*r.At(2, 1)) -
		r.At(0, 1)*(r.At(1, 0)*r.At(2, 2)-r.At(1, 2)*r.At(2, 0)) +
		r.At(0, 2)*(r.At(1, 0)*r.At(2, 1)-r.At(1, 1)*r.At(2, 0))
}

func TestSolveTransformErrors(t *testing.T) {
	pts := []geom.Vec3{{X: 1}, {Y: 1}, {Z: 1}}

	_, err := SolveTransform(pts, pts[:2], nil)
	require.Error(t, err)

	_, err = SolveTransform(pts[:2], pts[:2], nil)
	require.Error(t, err)

	_, err = SolveTransform(pts, pts, []float64{0, 0, 0})
	require.Error(t, err)
}

func TestStabilize(t *testing.T) {
	body := &Body{Name: "Head", Members: []Member{
		{Label: "HeadFront", Weight: 1},
		{Label: "HeadLeft", Weight: 1},
		{Label: "HeadRight", Weight: 1},
		{Label: "HeadBack", Weight: 1},
	}}

	reference := map[string]geom.Vec3{
		"HeadFront": {X: 0, Y: 1.7, Z: 0.12},
		"HeadLeft":  {X: 0.09, Y: 1.72, Z: 0},
		"HeadRight": {X: -0.09, Y: 1.72, Z: 0},
		"HeadBack":  {X: 0, Y: 1.71, Z: -0.11},
	}

	// The whole head moved rigidly; HeadBack dropped out.
	shift := geom.Vec3{X: 0.3, Y: -0.05, Z: 0.2}
	observed := map[string]geom.Vec3{}
	for _, label := range []string{"HeadFront", "HeadLeft", "HeadRight"} {
		observed[label] = rotateY(reference[label], 15).Add(shift)
	}

	recovered, err := Stabilize(body, reference, observed)
	require.NoError(t, err)
	require.Contains(t, recovered, "HeadBack")

	want := rotateY(reference["HeadBack"], 15).Add(shift)
	got := recovered["HeadBack"]
	assert.InDelta(t, want.X, got.X, 1e-9)
	assert.InDelta(t, want.Y, got.Y, 1e-9)
	assert.InDelta(t, want.Z, got.Z, 1e-9)
}

func TestStabilizeNotEnoughVisible(t *testing.T) {
	body := &Body{Name: "Head", Members: []Member{
		{Label: "A", Weight: 1}, {Label: "B", Weight: 1}, {Label: "C", Weight: 1},
	}}
	reference := map[string]geom.Vec3{"A": {X: 1}, "B": {Y: 1}, "C": {Z: 1}}
	observed := map[string]geom.Vec3{"A": {X: 1}, "B": {Y: 1}}

	_, err := Stabilize(body, reference, observed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need 3 to solve")
}

func TestStabilizeAllVisibleIsNoop(t *testing.T) {
	body := &Body{Name: "Head", Members: []Member{
		{Label: "A", Weight: 1}, {Label: "B", Weight: 1}, {Label: "C", Weight: 1},
	}}
	pts := map[string]geom.Vec3{"A": {X: 1}, "B": {Y: 1}, "C": {Z: 1}}

	recovered, err := Stabilize(body, pts, pts)
	require.NoError(t, err)
	assert.Empty(t, recovered)
}
