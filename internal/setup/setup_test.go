package setup

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfcap/rigsetup/internal/c3d"
	"github.com/perfcap/rigsetup/internal/constraint"
	"github.com/perfcap/rigsetup/internal/db"
	"github.com/perfcap/rigsetup/internal/geom"
	"github.com/perfcap/rigsetup/internal/rigidbody"
)

// writeC3D writes a one-frame float-storage C3D file with the given
// marker labels and positions.
func writeC3D(t *testing.T, path string, labels []string, positions []geom.Vec3) {
	t.Helper()
	require.Equal(t, len(labels), len(positions))

	buf := make([]byte, 2*c3d.BlockSize)
	buf[0] = 2 // parameter section at block 2
	buf[1] = c3d.HeaderMagic
	putWord := func(n int, v uint16) {
		binary.LittleEndian.PutUint16(buf[(n-1)*2:], v)
	}
	putWord(2, uint16(len(labels)))
	putWord(4, 1)                                                 // first frame
	putWord(5, 1)                                                 // last frame
	binary.LittleEndian.PutUint32(buf[12:], math.Float32bits(-1)) // float storage
	putWord(9, 3)                                                 // data at block 3
	binary.LittleEndian.PutUint32(buf[20:], math.Float32bits(120))

	p := buf[c3d.BlockSize:]
	p[0] = 1
	p[1] = c3d.HeaderMagic
	p[2] = 1
	p[3] = c3d.ProcessorIntel

	// POINT group, then its LABELS parameter, then the terminator.
	pos := 4
	p[pos] = 5
	groupID := int8(-1)
	p[pos+1] = byte(groupID)
	copy(p[pos+2:], "POINT")
	offPos := pos + 2 + 5
	binary.LittleEndian.PutUint16(p[offPos:], 1)
	p[offPos+2] = 0
	pos = offPos + 2 + 1

	width := 0
	for _, l := range labels {
		if len(l) > width {
			width = len(l)
		}
	}
	p[pos] = 6
	p[pos+1] = 1
	copy(p[pos+2:], "LABELS")
	offPos = pos + 2 + 6
	typ := int8(-1)
	data := []byte{byte(typ), 2, byte(width), byte(len(labels))}
	for _, l := range labels {
		cell := make([]byte, width)
		for i := range cell {
			cell[i] = ' '
		}
		copy(cell, l)
		data = append(data, cell...)
	}
	data = append(data, 0)
	binary.LittleEndian.PutUint16(p[offPos:], uint16(len(data)))
	copy(p[offPos+2:], data)
	pos = offPos + 2 + len(data)
	p[pos] = 0
	p[pos+1] = 0

	var frame bytes.Buffer
	for _, v := range positions {
		for _, f := range []float64{v.X, v.Y, v.Z, 1.0} {
			binary.Write(&frame, binary.LittleEndian, math.Float32bits(float32(f)))
		}
	}
	padded := make([]byte, ((frame.Len()+c3d.BlockSize-1)/c3d.BlockSize)*c3d.BlockSize)
	copy(padded, frame.Bytes())

	require.NoError(t, os.WriteFile(path, append(buf, padded...), 0o644))
}

const setupTemplateCSV = `name,parent,offset_x,offset_y,offset_z,type,rotation_mode
Reference,,,,,bone,
Hips,Reference,0,0.95,0,bone,ball
LeftUpLeg,Hips,0.09,-0.05,0,bone,ball
WaistLFront,Hips,0.1,0,0.1,marker,
WaistRFront,Hips,-0.1,0,0.1,marker,
UpLegL,LeftUpLeg,0.02,0,0,marker,
`

// testInputs writes a recording, template and offsets file into a
// temp dir.
func testInputs(t *testing.T) Inputs {
	t.Helper()
	dir := t.TempDir()

	recPath := filepath.Join(dir, "tpose.c3d")
	writeC3D(t, recPath,
		[]string{"WaistLFront", "WaistRFront", "UpLegL"},
		[]geom.Vec3{{X: 10, Y: 96, Z: 12}, {X: -10, Y: 94, Z: 12}, {X: 9, Y: 90}})

	tplPath := filepath.Join(dir, "performer.csv")
	require.NoError(t, os.WriteFile(tplPath, []byte(setupTemplateCSV), 0o644))

	offPath := filepath.Join(dir, "performer_offsets.csv")
	require.NoError(t, os.WriteFile(offPath, []byte("Hips,0,0.97,0\nBogus,1,2,3\n"), 0o644))

	return Inputs{
		RecordingPath: recPath,
		TemplatePath:  tplPath,
		OffsetsPath:   offPath,
		Performer:     "perf01",
	}
}

func TestRun(t *testing.T) {
	in := testInputs(t)
	res, err := Run(in, Options{MinMarkers: 3, MarkerDummies: true})
	require.NoError(t, err)

	// Session identity and provenance.
	_, err = uuid.Parse(res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "perf01", res.Session.Performer)
	assert.Equal(t, "perf01", res.Session.Namespace)
	assert.Len(t, res.Session.RecordingSHA256, 64)
	assert.Len(t, res.Session.TemplateSHA256, 64)
	assert.Len(t, res.Session.OffsetsSHA256, 64)
	assert.Equal(t, db.StateDraft, res.Session.State)

	// The offsets file replaced the template hips offset before the
	// skeleton was built; the unknown label surfaced.
	assert.Equal(t, []string{"Bogus"}, res.UnmatchedOffsets)

	// The skeleton stands on the recording's reference frame.
	require.NotNil(t, res.Skeleton)
	hips := res.Skeleton.Joint("Hips")
	require.NotNil(t, hips)
	assert.Equal(t, "perf01:Hips", hips.Name)
	assert.Equal(t, geom.Vec3{X: 0, Y: 95, Z: 12}, hips.GlobalPosition())
	assert.Equal(t, geom.Vec3{X: 9, Y: 90, Z: 0}, res.Skeleton.Joint("LeftUpLeg").GlobalPosition())

	// Wiring: two hip drivers rotate, one leg driver aims.
	require.NotNil(t, res.MarkerSet)
	require.Len(t, res.MarkerSet.Bindings, 2)
	assert.Equal(t, []string{"WaistLFront", "WaistRFront"}, res.MarkerSet.Binding("Hips").Drivers)

	// A custom template skips the suit autofit.
	assert.Nil(t, res.Fit)

	// This tiny rig cannot characterize as a full humanoid.
	assert.False(t, res.Characterization.Complete())
}

// suitTPose writes a full 38-marker T-pose recording whose hip, hand
// and foot markers sit where the default actor expects them.
func suitTPose(t *testing.T) string {
	t.Helper()

	pos := make(map[int]geom.Vec3)
	set := func(ids []int, p geom.Vec3) {
		for _, i := range ids {
			pos[i] = p
		}
	}
	pos[8] = geom.Vec3{X: 9, Y: 99.5, Z: 12}
	pos[9] = geom.Vec3{X: -9, Y: 99.5, Z: 12}
	pos[30] = geom.Vec3{X: 9, Y: 99.5, Z: 8}
	pos[31] = geom.Vec3{X: -9, Y: 99.5, Z: 8}
	pos[10] = geom.Vec3{X: 30, Y: 150.1}
	pos[17] = geom.Vec3{X: -30, Y: 150.1}
	set([]int{14, 15, 16}, geom.Vec3{X: 92.4, Y: 149, Z: 6.5})
	set([]int{21, 22, 23}, geom.Vec3{X: -92.4, Y: 149, Z: 6.5})
	set([]int{24, 25, 26}, geom.Vec3{X: 9.6, Y: 5})
	set([]int{35, 36, 37}, geom.Vec3{X: -9.6, Y: 5})

	labels := make([]string, 38)
	positions := make([]geom.Vec3, 38)
	for i := range labels {
		labels[i] = fmt.Sprintf("M%03d", i)
		p, ok := pos[i]
		if !ok {
			p = geom.Vec3{Y: 100}
		}
		positions[i] = p
	}

	path := filepath.Join(t.TempDir(), "suit.c3d")
	writeC3D(t, path, labels, positions)
	return path
}

func TestRunDefaultSuit(t *testing.T) {
	res, err := Run(Inputs{
		RecordingPath: suitTPose(t),
		Performer:     "perf01",
	}, Options{MarkerDummies: true})
	require.NoError(t, err)
	require.NotNil(t, res.Fit)
	assert.True(t, res.Characterization.Complete())

	// Ankle markers drive the feet and steady the toes both.
	foot := res.MarkerSet.Binding("LeftFoot")
	require.NotNil(t, foot)
	assert.Equal(t, []string{"M026", "M025", "M024"}, foot.Drivers)
	assert.Equal(t, constraint.GoalPositionRotate, foot.Goal)

	toe := res.MarkerSet.Binding("LeftToeBase")
	require.NotNil(t, toe)
	assert.Equal(t, []string{"M024", "M025"}, toe.Drivers)
	assert.Equal(t, constraint.GoalRotate, toe.Goal)

	rtoe := res.MarkerSet.Binding("RightToeBase")
	require.NotNil(t, rtoe)
	assert.Equal(t, []string{"M036", "M037"}, rtoe.Drivers)
	assert.Equal(t, constraint.GoalRotate, rtoe.Goal)
}

func TestRunRequiresPerformer(t *testing.T) {
	in := testInputs(t)
	in.Performer = ""
	_, err := Run(in, Options{MinMarkers: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "performer name is required")
}

func TestRunMarkerFloor(t *testing.T) {
	in := testInputs(t)
	_, err := Run(in, Options{MinMarkers: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough markers")
}

func TestRunMissingRecording(t *testing.T) {
	in := testInputs(t)
	in.RecordingPath = filepath.Join(t.TempDir(), "nope.c3d")
	_, err := Run(in, Options{MinMarkers: 3})
	require.Error(t, err)
}

func TestLoadRecordingRename(t *testing.T) {
	dir := t.TempDir()
	recPath := filepath.Join(dir, "take.c3d")
	writeC3D(t, recPath,
		[]string{"M000", "M001", "M002"},
		[]geom.Vec3{{Y: 1}, {Y: 2}, {Y: 3}})

	labelsPath := filepath.Join(dir, "markers.txt")
	require.NoError(t, os.WriteFile(labelsPath, []byte("\"HeadFront\"\nHeadLeft\nHeadRight\n"), 0o644))

	rec, err := LoadRecording(recPath, labelsPath, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"HeadFront", "HeadLeft", "HeadRight"}, rec.Labels)

	// Count mismatch is fatal.
	require.NoError(t, os.WriteFile(labelsPath, []byte("A\nB\n"), 0o644))
	_, err = LoadRecording(recPath, labelsPath, 3)
	require.Error(t, err)
}

func TestPersist(t *testing.T) {
	in := testInputs(t)
	res, err := Run(in, Options{MinMarkers: 3, MarkerDummies: true})
	require.NoError(t, err)

	database := db.NewTestDB(t)
	require.NoError(t, Persist(database, res))

	joints, err := database.Joints(res.Session.ID)
	require.NoError(t, err)
	// Bones only: Reference, Hips, LeftUpLeg. Dummies stay in memory.
	require.Len(t, joints, 3)
	assert.Equal(t, "Reference", joints[0].Name)
	assert.Equal(t, "Hips", joints[1].Name)
	assert.Equal(t, joints[1].Offset, joints[1].Original)

	// Derived bounds sit one margin around the placed offset.
	hips := joints[1]
	assert.InDelta(t, hips.Offset.Y-20, hips.Bounds.Min.Y, 1e-6)
	assert.InDelta(t, hips.Offset.Y+20, hips.Bounds.Max.Y, 1e-6)

	got, err := database.Session(res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "perf01", got.Performer)
}

func TestStabilizeReference(t *testing.T) {
	occluded := c3d.Sample{Residual: -1}
	visible := func(x, y, z float64) c3d.Sample {
		return c3d.Sample{Pos: geom.Vec3{X: x, Y: y, Z: z}}
	}
	rec := &c3d.Recording{
		Labels: []string{"HeadFront", "HeadLeft", "HeadRight", "HeadBack"},
		Frames: []c3d.Frame{
			// Fully visible cluster, used as the reference cloud.
			{visible(0, 0, 0), visible(10, 0, 0), visible(0, 10, 0), visible(10, 10, 0)},
			// Same cluster shifted, HeadBack dropped out.
			{visible(5, 0, 0), visible(15, 0, 0), visible(5, 10, 0), occluded},
		},
	}
	preset := &rigidbody.Preset{Bodies: []rigidbody.Body{{
		Name: "head",
		Members: []rigidbody.Member{
			{Label: "HeadFront", Weight: 1},
			{Label: "HeadLeft", Weight: 1},
			{Label: "HeadRight", Weight: 1},
			{Label: "HeadBack", Weight: 1},
		},
	}}}

	recovered, err := StabilizeReference(rec, 1, preset)
	require.NoError(t, err)
	require.Equal(t, []string{"HeadBack"}, recovered)

	back := rec.Frames[1][3]
	assert.True(t, back.Valid())
	assert.InDelta(t, 15, back.Pos.X, 1e-6)
	assert.InDelta(t, 10, back.Pos.Y, 1e-6)
	assert.InDelta(t, 0, back.Pos.Z, 1e-6)
}

func TestStabilizeReferenceUnknownMarker(t *testing.T) {
	rec := &c3d.Recording{
		Labels: []string{"HeadFront"},
		Frames: []c3d.Frame{{c3d.Sample{}}},
	}
	preset := &rigidbody.Preset{Bodies: []rigidbody.Body{{
		Name:    "head",
		Members: []rigidbody.Member{{Label: "HeadTop", Weight: 1}},
	}}}

	_, err := StabilizeReference(rec, 0, preset)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HeadTop")
}

func TestReapplyOffsets(t *testing.T) {
	in := testInputs(t)
	res, err := Run(in, Options{MinMarkers: 3, MarkerDummies: true})
	require.NoError(t, err)

	database := db.NewTestDB(t)
	require.NoError(t, Persist(database, res))
	id := res.Session.ID

	before, err := database.Joint(id, "Hips")
	require.NoError(t, err)

	// An in-bounds Hips move, an unknown label, and a LeftUpLeg
	// estimate far outside its bounds.
	offPath := filepath.Join(t.TempDir(), "perf01_offsets.csv")
	require.NoError(t, os.WriteFile(offPath,
		[]byte("Hips,0.02,0.96,0\nBogus,0,0,0\nLeftUpLeg,5,5,5\n"), 0o644))

	require.NoError(t, ReapplyOffsets(database, id, offPath))

	hips, err := database.Joint(id, "Hips")
	require.NoError(t, err)
	assert.InDelta(t, 2, hips.Offset.X, 1e-9)
	assert.InDelta(t, 96, hips.Offset.Y, 1e-9)
	assert.Equal(t, before.Original, hips.Original)

	leg, err := database.Joint(id, "LeftUpLeg")
	require.NoError(t, err)
	assert.Equal(t, leg.Original, leg.Offset)

	adjs, err := database.Adjustments(id)
	require.NoError(t, err)
	require.Len(t, adjs, 1)
	assert.Equal(t, "offsets reload", adjs[0].Note)
}
