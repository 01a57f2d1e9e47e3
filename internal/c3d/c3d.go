package c3d

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/perfcap/rigsetup/internal/geom"
)

/*
C3D Marker Recording Parser

C3D is the interchange format produced by optical capture systems. A file is
organized in 512-byte blocks:

├── Header (block 1) - fixed 16-bit word layout: parameter section pointer,
│   point count, analog count, first/last frame, scale factor, data start
│   block, frame rate
├── Parameter section (pointed to by header word 1) - self-describing groups
│   and parameters; POINT:LABELS carries the marker labels
└── 3D sample section (pointed to by header word 9) - per-frame samples in
    either scaled 16-bit integer or 32-bit float storage

Storage convention: a negative header scale factor selects float storage.
Each sample carries a residual word; a negative residual marks an occluded
(invalid) sample, which downstream treats as a gap.

Only Intel byte order (processor type 84) is supported. DEC and MIPS files
are rejected up front rather than silently misread.
*/

// C3D file structure constants
const (
	BlockSize   = 512  // All file offsets are expressed in 512-byte blocks
	HeaderMagic = 0x50 // Second byte of the file, identifies a C3D header

	ProcessorIntel = 84 // PC / Intel byte order
	ProcessorDEC   = 85 // DEC (VAX) byte order, unsupported
	ProcessorMIPS  = 86 // SGI / MIPS byte order, unsupported

	// Parameter record field types
	paramTypeChar  = -1
	paramTypeByte  = 1
	paramTypeInt16 = 2
	paramTypeFloat = 4

	// DefaultSuitMarkerCount is the minimum marker count for a full-body
	// suit. Recordings with fewer markers cannot drive the default
	// skeleton map.
	DefaultSuitMarkerCount = 38
)

// Header is the decoded fixed-layout header block of a C3D file.
type Header struct {
	ParameterBlock int     // 1-based block number of the parameter section
	PointCount     int     // Number of 3D points (markers) per frame
	AnalogPerFrame int     // Analog measurements stored per frame
	FirstFrame     int     // First frame number in the file (1-based)
	LastFrame      int     // Last frame number in the file
	MaxGap         int     // Maximum interpolation gap, in frames
	Scale          float64 // Scale factor; negative selects float storage
	DataBlock      int     // 1-based block number of the 3D sample section
	FrameRate      float64 // Capture rate in Hz
}

// FloatStorage reports whether 3D samples are stored as 32-bit floats.
func (h Header) FloatStorage() bool { return h.Scale < 0 }

// FrameCount returns the number of frames described by the header.
func (h Header) FrameCount() int { return h.LastFrame - h.FirstFrame + 1 }

// Sample is one marker observation in one frame.
type Sample struct {
	Pos        geom.Vec3
	Residual   float64 // Negative when the marker was occluded
	CameraMask uint8   // Integer storage only; cameras that saw the marker
}

// Valid reports whether the marker was observed in this frame.
func (s Sample) Valid() bool { return s.Residual >= 0 }

// Frame holds one sample per marker, indexed like Recording.Labels.
type Frame []Sample

// Recording is a fully decoded C3D marker recording.
type Recording struct {
	Header Header
	Labels []string // Marker labels from POINT:LABELS, or generated M000..
	Frames []Frame
}

// Rate returns the capture frame rate in Hz.
func (r *Recording) Rate() float64 { return r.Header.FrameRate }

// Duration returns the recording length in seconds.
func (r *Recording) Duration() float64 {
	if r.Header.FrameRate == 0 {
		return 0
	}
	return float64(len(r.Frames)) / r.Header.FrameRate
}

// MarkerIndex returns the index of the marker with the given label, or -1.
func (r *Recording) MarkerIndex(label string) int {
	for i, l := range r.Labels {
		if l == label {
			return i
		}
	}
	return -1
}

// Frame returns the samples at the given 0-based frame index.
func (r *Recording) Frame(idx int) (Frame, error) {
	if idx < 0 || idx >= len(r.Frames) {
		return nil, fmt.Errorf("frame index %d out of range [0,%d)", idx, len(r.Frames))
	}
	return r.Frames[idx], nil
}

// CheckMarkerCount verifies the recording carries at least min markers.
// The default full-body suit needs DefaultSuitMarkerCount.
func (r *Recording) CheckMarkerCount(min int) error {
	if len(r.Labels) < min {
		return fmt.Errorf("not enough markers: recording has %d, suit needs at least %d", len(r.Labels), min)
	}
	return nil
}

// ReadFile reads and decodes the C3D file at path.
func ReadFile(path string) (*Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	defer f.Close()
	rec, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rec, nil
}

// Read decodes a C3D recording from r.
func Read(r io.Reader) (*Recording, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read recording: %w", err)
	}
	if len(data) < BlockSize {
		return nil, fmt.Errorf("file too short for header: %d bytes", len(data))
	}

	header, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	labels, err := parseParameters(data, header)
	if err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		// No POINT:LABELS parameter; generate suit-style names.
		labels = make([]string, header.PointCount)
		for i := range labels {
			labels[i] = fmt.Sprintf("M%03d", i)
		}
	}
	if len(labels) > header.PointCount {
		labels = labels[:header.PointCount]
	}

	frames, err := parseFrames(data, header)
	if err != nil {
		return nil, err
	}

	return &Recording{Header: *header, Labels: labels, Frames: frames}, nil
}

// parseHeader decodes the fixed 16-bit word layout of block 1.
func parseHeader(data []byte) (*Header, error) {
	if data[1] != HeaderMagic {
		return nil, fmt.Errorf("not a C3D file: header magic 0x%02X, want 0x%02X", data[1], HeaderMagic)
	}

	word := func(n int) uint16 {
		// Words are 1-based per the format documentation.
		off := (n - 1) * 2
		return binary.LittleEndian.Uint16(data[off : off+2])
	}
	f32 := func(n int) float64 {
		off := (n - 1) * 2
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4])))
	}

	h := &Header{
		ParameterBlock: int(data[0]),
		PointCount:     int(word(2)),
		AnalogPerFrame: int(word(3)),
		FirstFrame:     int(word(4)),
		LastFrame:      int(word(5)),
		MaxGap:         int(word(6)),
		Scale:          f32(7),
		DataBlock:      int(word(9)),
		FrameRate:      f32(11),
	}

	if h.PointCount <= 0 {
		return nil, fmt.Errorf("invalid point count %d", h.PointCount)
	}
	if h.LastFrame < h.FirstFrame {
		return nil, fmt.Errorf("invalid frame range %d..%d", h.FirstFrame, h.LastFrame)
	}
	if h.DataBlock < 1 {
		return nil, fmt.Errorf("invalid data start block %d", h.DataBlock)
	}
	if h.FrameRate <= 0 {
		return nil, fmt.Errorf("invalid frame rate %f", h.FrameRate)
	}
	return h, nil
}

// parseParameters walks the parameter section far enough to validate the
// processor type and pull POINT:LABELS. Everything else in the section is
// skipped record by record.
func parseParameters(data []byte, h *Header) ([]string, error) {
	start := (h.ParameterBlock - 1) * BlockSize
	if start+4 > len(data) {
		return nil, fmt.Errorf("parameter section start %d beyond file end", start)
	}
	proc := int(data[start+3])
	if proc != ProcessorIntel {
		return nil, fmt.Errorf("unsupported processor type %d (only Intel/%d files are supported)", proc, ProcessorIntel)
	}

	var labels []string
	pointGroupID := int8(0)
	type pendingParam struct {
		groupID int8
		labels  []string
	}
	var pendingLabels []pendingParam

	pos := start + 4
	for pos+2 <= len(data) {
		nameLen := int(int8(data[pos]))
		groupID := int8(data[pos+1])
		if nameLen == 0 {
			break // End of parameter records.
		}
		if nameLen < 0 {
			nameLen = -nameLen // Negative length flags a locked record.
		}
		if pos+2+nameLen+2 > len(data) {
			return nil, fmt.Errorf("truncated parameter record at offset %d", pos)
		}
		name := strings.ToUpper(string(data[pos+2 : pos+2+nameLen]))
		offPos := pos + 2 + nameLen
		next := int(int16(binary.LittleEndian.Uint16(data[offPos : offPos+2])))

		if groupID < 0 {
			// Group definition.
			if name == "POINT" {
				pointGroupID = -groupID
			}
		} else if name == "LABELS" {
			vals, err := parseCharArray(data, offPos+2)
			if err != nil {
				return nil, fmt.Errorf("POINT:LABELS: %w", err)
			}
			pendingLabels = append(pendingLabels, pendingParam{groupID: groupID, labels: vals})
		}

		if next == 0 {
			break // Zero offset terminates the section.
		}
		// The offset is relative to the byte following the offset field.
		pos = offPos + 2 + next
	}

	// LABELS could belong to an ANALOG group too; keep only POINT's.
	for _, p := range pendingLabels {
		if p.groupID == pointGroupID {
			labels = p.labels
			break
		}
	}
	return labels, nil
}

// parseCharArray decodes a 2D character parameter (width x count) into
// trimmed strings. pos points at the record's type byte.
func parseCharArray(data []byte, pos int) ([]string, error) {
	if pos+2 > len(data) {
		return nil, fmt.Errorf("truncated parameter data")
	}
	ptype := int(int8(data[pos]))
	if ptype != paramTypeChar {
		return nil, fmt.Errorf("expected character data, got type %d", ptype)
	}
	ndims := int(data[pos+1])
	if ndims != 2 {
		return nil, fmt.Errorf("expected 2 dimensions, got %d", ndims)
	}
	if pos+2+ndims > len(data) {
		return nil, fmt.Errorf("truncated dimensions")
	}
	width := int(data[pos+2])
	count := int(data[pos+3])
	dstart := pos + 2 + ndims
	if dstart+width*count > len(data) {
		return nil, fmt.Errorf("truncated label data: need %d bytes", width*count)
	}

	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		raw := string(data[dstart+i*width : dstart+(i+1)*width])
		out = append(out, strings.TrimSpace(raw))
	}
	return out, nil
}

// parseFrames decodes the 3D sample section in either storage format.
// Analog measurements interleaved after each frame's points are skipped.
func parseFrames(data []byte, h *Header) ([]Frame, error) {
	pos := (h.DataBlock - 1) * BlockSize
	if pos > len(data) {
		return nil, fmt.Errorf("data section start %d beyond file end", pos)
	}

	nFrames := h.FrameCount()
	valueSize := 2
	if h.FloatStorage() {
		valueSize = 4
	}
	frameSize := h.PointCount*4*valueSize + h.AnalogPerFrame*valueSize
	if pos+nFrames*frameSize > len(data) {
		return nil, fmt.Errorf("data section truncated: need %d bytes for %d frames, have %d",
			nFrames*frameSize, nFrames, len(data)-pos)
	}

	scale := math.Abs(h.Scale)
	frames := make([]Frame, 0, nFrames)
	for f := 0; f < nFrames; f++ {
		frame := make(Frame, h.PointCount)
		for p := 0; p < h.PointCount; p++ {
			if h.FloatStorage() {
				x := math.Float32frombits(binary.LittleEndian.Uint32(data[pos:]))
				y := math.Float32frombits(binary.LittleEndian.Uint32(data[pos+4:]))
				z := math.Float32frombits(binary.LittleEndian.Uint32(data[pos+8:]))
				res := math.Float32frombits(binary.LittleEndian.Uint32(data[pos+12:]))
				frame[p] = Sample{
					Pos:      geom.Vec3{X: float64(x), Y: float64(y), Z: float64(z)},
					Residual: float64(res),
				}
				pos += 16
			} else {
				x := float64(int16(binary.LittleEndian.Uint16(data[pos:]))) * scale
				y := float64(int16(binary.LittleEndian.Uint16(data[pos+2:]))) * scale
				z := float64(int16(binary.LittleEndian.Uint16(data[pos+4:]))) * scale
				resWord := int16(binary.LittleEndian.Uint16(data[pos+6:]))
				s := Sample{Pos: geom.Vec3{X: x, Y: y, Z: z}}
				if resWord < 0 {
					s.Residual = -1 // Occluded sample.
				} else {
					s.Residual = float64(uint8(resWord)) * scale
					s.CameraMask = uint8(uint16(resWord) >> 8)
				}
				frame[p] = s
				pos += 8
			}
		}
		pos += h.AnalogPerFrame * valueSize
		frames = append(frames, frame)
	}
	return frames, nil
}
