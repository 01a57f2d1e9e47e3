package c3d

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfcap/rigsetup/internal/geom"
)

// testFile builds a minimal two-block-header C3D file in memory.
type testFile struct {
	pointCount int
	frameRate  float32
	scale      float32 // negative = float storage
	labels     []string
	frames     [][]Sample
	processor  byte
}

func (tf *testFile) bytes(t *testing.T) []byte {
	t.Helper()

	if tf.processor == 0 {
		tf.processor = ProcessorIntel
	}

	// Block 1: header. Block 2: parameters. Block 3: data.
	buf := make([]byte, 2*BlockSize)
	buf[0] = 2 // parameter section at block 2
	buf[1] = HeaderMagic
	putWord := func(n int, v uint16) {
		binary.LittleEndian.PutUint16(buf[(n-1)*2:], v)
	}
	putFloat := func(n int, v float32) {
		binary.LittleEndian.PutUint32(buf[(n-1)*2:], math.Float32bits(v))
	}
	putWord(2, uint16(tf.pointCount))
	putWord(3, 0) // no analog channels
	putWord(4, 1)
	putWord(5, uint16(len(tf.frames)))
	putFloat(7, tf.scale)
	putWord(9, 3) // data at block 3
	putFloat(11, tf.frameRate)

	// Parameter section.
	p := buf[BlockSize:]
	p[0] = 1
	p[1] = HeaderMagic
	p[2] = 1 // parameter blocks
	p[3] = tf.processor

	pos := 4
	// Group record: POINT, id -1.
	p[pos] = 5
	groupID := int8(-1)
	p[pos+1] = byte(groupID)
	copy(p[pos+2:], "POINT")
	offPos := pos + 2 + 5
	groupTail := []byte{0} // description length 0
	binary.LittleEndian.PutUint16(p[offPos:], uint16(len(groupTail)))
	copy(p[offPos+2:], groupTail)
	pos = offPos + 2 + len(groupTail)

	// Parameter record: LABELS in group 1.
	if len(tf.labels) > 0 {
		width := 0
		for _, l := range tf.labels {
			if len(l) > width {
				width = len(l)
			}
		}
		p[pos] = 6
		p[pos+1] = 1
		copy(p[pos+2:], "LABELS")
		offPos = pos + 2 + 6
		typ := int8(paramTypeChar)
		data := []byte{byte(typ), 2, byte(width), byte(len(tf.labels))}
		for _, l := range tf.labels {
			cell := make([]byte, width)
			for i := range cell {
				cell[i] = ' '
			}
			copy(cell, l)
			data = append(data, cell...)
		}
		data = append(data, 0) // description length
		binary.LittleEndian.PutUint16(p[offPos:], uint16(len(data)))
		copy(p[offPos+2:], data)
		pos = offPos + 2 + len(data)
	}
	// Terminator record.
	p[pos] = 0
	p[pos+1] = 0

	// Data section.
	var data bytes.Buffer
	for _, frame := range tf.frames {
		for _, s := range frame {
			if tf.scale < 0 {
				for _, v := range []float64{s.Pos.X, s.Pos.Y, s.Pos.Z, s.Residual} {
					binary.Write(&data, binary.LittleEndian, math.Float32bits(float32(v)))
				}
			} else {
				scale := float64(tf.scale)
				for _, v := range []float64{s.Pos.X, s.Pos.Y, s.Pos.Z} {
					binary.Write(&data, binary.LittleEndian, uint16(int16(math.Round(v/scale))))
				}
				if !s.Valid() {
					binary.Write(&data, binary.LittleEndian, uint16(0xFFFF))
				} else {
					word := uint16(uint8(math.Round(s.Residual/scale))) | uint16(s.CameraMask)<<8
					binary.Write(&data, binary.LittleEndian, word)
				}
			}
		}
	}
	padded := make([]byte, ((data.Len()+BlockSize-1)/BlockSize)*BlockSize)
	copy(padded, data.Bytes())

	return append(buf, padded...)
}

func sampleAt(x, y, z float64) Sample {
	return Sample{Pos: geom.Vec3{X: x, Y: y, Z: z}, Residual: 1.0}
}

func occluded() Sample {
	return Sample{Residual: -1}
}

func TestReadFloatStorage(t *testing.T) {
	tf := &testFile{
		pointCount: 3,
		frameRate:  120,
		scale:      -0.05,
		labels:     []string{"M000", "M001", "M002"},
		frames: [][]Sample{
			{sampleAt(0.1, 1.5, 0.2), sampleAt(-0.1, 1.5, 0.2), occluded()},
			{sampleAt(0.11, 1.49, 0.2), occluded(), sampleAt(0, 0.9, 0.3)},
		},
	}

	rec, err := Read(bytes.NewReader(tf.bytes(t)))
	require.NoError(t, err)

	assert.Equal(t, []string{"M000", "M001", "M002"}, rec.Labels)
	assert.Equal(t, 120.0, rec.Rate())
	assert.True(t, rec.Header.FloatStorage())
	require.Len(t, rec.Frames, 2)

	f0 := rec.Frames[0]
	assert.InDelta(t, 0.1, f0[0].Pos.X, 1e-6)
	assert.InDelta(t, 1.5, f0[0].Pos.Y, 1e-6)
	assert.True(t, f0[0].Valid())
	assert.False(t, f0[2].Valid())

	f1 := rec.Frames[1]
	assert.False(t, f1[1].Valid())
	assert.InDelta(t, 0.9, f1[2].Pos.Y, 1e-6)
}

func TestReadIntegerStorage(t *testing.T) {
	tf := &testFile{
		pointCount: 2,
		frameRate:  60,
		scale:      0.05,
		frames: [][]Sample{
			{sampleAt(10, 20, 30), occluded()},
		},
	}

	rec, err := Read(bytes.NewReader(tf.bytes(t)))
	require.NoError(t, err)

	// No LABELS parameter: names are generated.
	assert.Equal(t, []string{"M000", "M001"}, rec.Labels)
	assert.False(t, rec.Header.FloatStorage())

	f0 := rec.Frames[0]
	assert.InDelta(t, 10, f0[0].Pos.X, 0.05)
	assert.InDelta(t, 20, f0[0].Pos.Y, 0.05)
	assert.InDelta(t, 30, f0[0].Pos.Z, 0.05)
	assert.True(t, f0[0].Valid())
	assert.False(t, f0[1].Valid())
}

func TestReadIntegerStorageNegativeResidual(t *testing.T) {
	tf := &testFile{
		pointCount: 2,
		frameRate:  60,
		scale:      0.05,
		frames: [][]Sample{
			{sampleAt(10, 20, 30), sampleAt(1, 2, 3)},
		},
	}
	raw := tf.bytes(t)
	// Any negative residual word is a gap, not just -1.
	binary.LittleEndian.PutUint16(raw[2*BlockSize+8+6:], 0xFFFE)

	rec, err := Read(bytes.NewReader(raw))
	require.NoError(t, err)

	s := rec.Frames[0][1]
	assert.False(t, s.Valid())
	assert.Equal(t, -1.0, s.Residual)
}

func TestReadRejectsBadMagic(t *testing.T) {
	data := make([]byte, BlockSize)
	data[0] = 2
	data[1] = 0x42

	_, err := Read(bytes.NewReader(data))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a C3D file")
}

func TestReadRejectsDECProcessor(t *testing.T) {
	tf := &testFile{
		pointCount: 1,
		frameRate:  60,
		scale:      -1,
		frames:     [][]Sample{{sampleAt(0, 0, 0)}},
		processor:  ProcessorDEC,
	}

	_, err := Read(bytes.NewReader(tf.bytes(t)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported processor type")
}

func TestReadTruncatedData(t *testing.T) {
	tf := &testFile{
		pointCount: 2,
		frameRate:  60,
		scale:      -1,
		frames: [][]Sample{
			{sampleAt(0, 0, 0), sampleAt(1, 1, 1)},
		},
	}
	full := tf.bytes(t)

	// Chop the data section in half.
	_, err := Read(bytes.NewReader(full[:2*BlockSize+8]))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")
}

func TestCheckMarkerCount(t *testing.T) {
	rec := &Recording{Labels: make([]string, 12)}
	require.NoError(t, rec.CheckMarkerCount(12))
	err := rec.CheckMarkerCount(DefaultSuitMarkerCount)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough markers")
}

func TestMarkerIndex(t *testing.T) {
	rec := &Recording{Labels: []string{"LWristOut", "LWristIn", "RWristOut"}}
	assert.Equal(t, 1, rec.MarkerIndex("LWristIn"))
	assert.Equal(t, -1, rec.MarkerIndex("Sternum"))
}

func TestFrameOutOfRange(t *testing.T) {
	rec := &Recording{Frames: make([]Frame, 3)}
	_, err := rec.Frame(3)
	require.Error(t, err)
	_, err = rec.Frame(-1)
	require.Error(t, err)
}
