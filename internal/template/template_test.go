package template

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfcap/rigsetup/internal/geom"
)

const sampleCSV = `name,parent,offset_x,offset_y,offset_z,type,rotation_mode
Reference,,,,,bone,
Hips,Reference,0,0.972,-0.073,bone,ball
Spine,Hips,0,0.23,0,bone,ball
LeftUpLeg,Hips,0.096,-0.036,0.073,bone,ball
LeftLeg,LeftUpLeg,0,-0.427,-0.004,bone,hinge
LeftFoot,LeftLeg,0,-0.433,-0.022,end,
WaistLFront,Hips,0.11,0.02,0.12,marker,
WaistLBack,Hips,0.1,0.03,-0.11,marker,
KneeL,LeftLeg,0.05,0.01,0.02,marker,
`

func TestReadTemplate(t *testing.T) {
	tpl, err := Read(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Len(t, tpl.Entries, 9)

	root, err := tpl.Root()
	require.NoError(t, err)
	assert.Equal(t, "Reference", root.Name)
	assert.False(t, root.HasOffset)

	hips, ok := tpl.Find("Hips")
	require.True(t, ok)
	assert.Equal(t, geom.Vec3{X: 0, Y: 0.972, Z: -0.073}, hips.Offset)
	assert.Equal(t, KindBone, hips.Kind)
	assert.Equal(t, RotationBall, hips.RotationMode)

	leg, ok := tpl.Find("LeftLeg")
	require.True(t, ok)
	assert.Equal(t, RotationHinge, leg.RotationMode)

	assert.Equal(t, []string{"WaistLFront", "WaistLBack"}, tpl.MarkersFor("Hips"))
	assert.Equal(t, []string{"KneeL"}, tpl.MarkersFor("LeftLeg"))
	assert.Empty(t, tpl.MarkersFor("Spine"))
	assert.Len(t, tpl.MarkerLabels(), 3)
	assert.Len(t, tpl.Bones(), 6)
}

func TestReadTemplateErrors(t *testing.T) {
	tests := []struct {
		name string
		csv  string
		want string
	}{
		{
			name: "missing column",
			csv:  "name,parent\nHips,\n",
			want: `missing required column "offset_x"`,
		},
		{
			name: "unknown parent",
			csv: "name,parent,offset_x,offset_y,offset_z,type\n" +
				"Reference,,,,,bone\n" +
				"Hips,Pelvis,0,1,0,bone\n",
			want: "unknown parent",
		},
		{
			name: "two roots",
			csv: "name,parent,offset_x,offset_y,offset_z,type\n" +
				"Reference,,,,,bone\n" +
				"Other,,,,,bone\n",
			want: "exactly one root",
		},
		{
			name: "marker with child",
			csv: "name,parent,offset_x,offset_y,offset_z,type\n" +
				"Reference,,,,,bone\n" +
				"WaistL,Reference,0,1,0,marker\n" +
				"Hips,WaistL,0,0,0,bone\n",
			want: "parented to marker",
		},
		{
			name: "end joint with child",
			csv: "name,parent,offset_x,offset_y,offset_z,type\n" +
				"Reference,,,,,bone\n" +
				"Toe,Reference,0,0,0.1,end\n" +
				"Nub,Toe,0,0,0.05,bone\n",
			want: "parented to end joint",
		},
		{
			name: "bad offset value",
			csv: "name,parent,offset_x,offset_y,offset_z,type\n" +
				"Reference,,,,,bone\n" +
				"Hips,Reference,zero,1,0,bone\n",
			want: "bad x value",
		},
		{
			name: "unknown type",
			csv: "name,parent,offset_x,offset_y,offset_z,type\n" +
				"Reference,,,,,socket\n",
			want: "unknown type",
		},
		{
			name: "empty",
			csv:  "name,parent,offset_x,offset_y,offset_z,type\n",
			want: "template is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tt.csv))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteRoundTrip(t *testing.T) {
	tpl, err := Read(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, tpl))

	back, err := Read(&buf)
	require.NoError(t, err)

	// Bone entries gain derived bounds on write; compare the rest.
	require.Len(t, back.Entries, len(tpl.Entries))
	for i := range tpl.Entries {
		a, b := tpl.Entries[i], back.Entries[i]
		assert.Equal(t, a.Name, b.Name)
		assert.Equal(t, a.Parent, b.Parent)
		assert.Equal(t, a.Kind, b.Kind)
		assert.Equal(t, a.RotationMode, b.RotationMode)
		if diff := cmp.Diff(a.Offset, b.Offset); diff != "" {
			t.Errorf("offset mismatch for %s (-want +got):\n%s", a.Name, diff)
		}
	}

	hips, ok := back.Find("Hips")
	require.True(t, ok)
	require.NotNil(t, hips.Bounds)
	assert.InDelta(t, 0.972-DefaultBoundMargin, hips.Bounds.Min.Y, 1e-9)
	assert.InDelta(t, 0.972+DefaultBoundMargin, hips.Bounds.Max.Y, 1e-9)
}

func TestBoundsContains(t *testing.T) {
	b := BoundsAround(geom.Vec3{X: 0, Y: 1, Z: 0})
	assert.True(t, b.Contains(geom.Vec3{X: 0.1, Y: 1.1, Z: -0.1}))
	assert.False(t, b.Contains(geom.Vec3{X: 0.3, Y: 1, Z: 0}))
	assert.False(t, b.Contains(geom.Vec3{X: 0, Y: 1.3, Z: 0}))
}
