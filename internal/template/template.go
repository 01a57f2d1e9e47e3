// Package template reads and writes skeleton template files.
//
// A template is a CSV describing a skeleton topology plus its
// marker-to-joint map: bone rows form the joint hierarchy, marker rows
// attach a marker label to its parent joint, end rows terminate chains.
// Offsets and bounds are stored in meters.
package template

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/perfcap/rigsetup/internal/geom"
)

// Entry kinds. A marker entry associates an optical marker label with its
// parent joint; it never has children of its own.
const (
	KindBone   = "bone"
	KindEnd    = "end"
	KindMarker = "marker"
)

// Rotation modes for bone entries.
const (
	RotationBall  = "ball"
	RotationHinge = "hinge"
)

// DefaultBoundMargin is the half-width, in meters, of the adjustment
// bounds derived around an offset when the template does not carry
// explicit bounds.
const DefaultBoundMargin = 0.20

// fieldNames is the canonical column set, in write order.
var fieldNames = []string{
	"name", "parent", "offset_x", "offset_y", "offset_z",
	"bound_x_min", "bound_x_max", "bound_y_min", "bound_y_max", "bound_z_min", "bound_z_max",
	"type", "rotation_mode", "optimize_group",
}

// Bounds is the allowed adjustment range for a joint offset, in meters.
type Bounds struct {
	Min geom.Vec3 `json:"min"`
	Max geom.Vec3 `json:"max"`
}

// Contains reports whether v lies within the bounds on every axis.
func (b Bounds) Contains(v geom.Vec3) bool {
	return v.X >= b.Min.X && v.X <= b.Max.X &&
		v.Y >= b.Min.Y && v.Y <= b.Max.Y &&
		v.Z >= b.Min.Z && v.Z <= b.Max.Z
}

// BoundsAround derives bounds of ±DefaultBoundMargin around an offset.
func BoundsAround(offset geom.Vec3) Bounds {
	m := geom.Vec3{X: DefaultBoundMargin, Y: DefaultBoundMargin, Z: DefaultBoundMargin}
	return Bounds{Min: offset.Sub(m), Max: offset.Add(m)}
}

// Entry is one row of a skeleton template.
type Entry struct {
	Name          string    `json:"name"`
	Parent        string    `json:"parent"` // Empty for the root entry
	Offset        geom.Vec3 `json:"offset"` // Relative to parent, meters
	HasOffset     bool      `json:"has_offset"`
	Bounds        *Bounds   `json:"bounds,omitempty"`
	Kind          string    `json:"type"`
	RotationMode  string    `json:"rotation_mode"`
	OptimizeGroup string    `json:"optimize_group,omitempty"`
}

// Template is an ordered skeleton template. Order is preserved from the
// file so parents can be written before children.
type Template struct {
	Entries []Entry
}

// Root returns the root entry (the single entry with no parent).
func (t *Template) Root() (Entry, error) {
	for _, e := range t.Entries {
		if e.Parent == "" {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("template has no root entry")
}

// Find returns the entry with the given name and whether it exists.
func (t *Template) Find(name string) (Entry, bool) {
	for _, e := range t.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Bones returns the bone and end entries, in template order.
func (t *Template) Bones() []Entry {
	var out []Entry
	for _, e := range t.Entries {
		if e.Kind != KindMarker {
			out = append(out, e)
		}
	}
	return out
}

// MarkersFor returns the labels of marker entries parented to the named
// joint, in template order.
func (t *Template) MarkersFor(joint string) []string {
	var out []string
	for _, e := range t.Entries {
		if e.Kind == KindMarker && e.Parent == joint {
			out = append(out, e.Name)
		}
	}
	return out
}

// MarkerLabels returns every marker label in the template.
func (t *Template) MarkerLabels() []string {
	var out []string
	for _, e := range t.Entries {
		if e.Kind == KindMarker {
			out = append(out, e.Name)
		}
	}
	return out
}

// Validate checks structural invariants: a single root, known parents
// declared before use, no marker children, and end entries as leaves.
func (t *Template) Validate() error {
	if len(t.Entries) == 0 {
		return fmt.Errorf("template is empty")
	}

	seen := make(map[string]*Entry, len(t.Entries))
	roots := 0
	for i := range t.Entries {
		e := &t.Entries[i]
		if e.Name == "" {
			return fmt.Errorf("entry %d has no name", i)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("duplicate entry %q", e.Name)
		}
		if e.Parent == "" {
			roots++
			if e.Kind == KindMarker {
				return fmt.Errorf("marker %q cannot be the root", e.Name)
			}
		} else {
			parent, ok := seen[e.Parent]
			if !ok {
				return fmt.Errorf("entry %q references unknown parent %q (parents must precede children)", e.Name, e.Parent)
			}
			if parent.Kind == KindMarker {
				return fmt.Errorf("entry %q is parented to marker %q", e.Name, e.Parent)
			}
			if parent.Kind == KindEnd {
				return fmt.Errorf("entry %q is parented to end joint %q", e.Name, e.Parent)
			}
		}
		switch e.Kind {
		case KindBone, KindEnd, KindMarker:
		default:
			return fmt.Errorf("entry %q has unknown type %q", e.Name, e.Kind)
		}
		seen[e.Name] = e
	}
	if roots != 1 {
		return fmt.Errorf("template must have exactly one root, found %d", roots)
	}
	return nil
}

// ReadFile reads and validates the template at path.
func ReadFile(path string) (*Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open template: %w", err)
	}
	defer f.Close()
	tpl, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tpl, nil
}

// Read parses a skeleton template from CSV.
func Read(r io.Reader) (*Template, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read template header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"name", "parent", "offset_x", "offset_y", "offset_z", "type"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("template missing required column %q", required)
		}
	}

	get := func(row []string, name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	var tpl Template
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read template row: %w", err)
		}
		line++

		e := Entry{
			Name:          get(row, "name"),
			Parent:        get(row, "parent"),
			Kind:          get(row, "type"),
			RotationMode:  get(row, "rotation_mode"),
			OptimizeGroup: get(row, "optimize_group"),
		}

		offset, hasOffset, err := parseVec(get(row, "offset_x"), get(row, "offset_y"), get(row, "offset_z"))
		if err != nil {
			return nil, fmt.Errorf("line %d (%s): %w", line, e.Name, err)
		}
		e.Offset = offset
		e.HasOffset = hasOffset

		min, hasMin, err := parseVec(get(row, "bound_x_min"), get(row, "bound_y_min"), get(row, "bound_z_min"))
		if err != nil {
			return nil, fmt.Errorf("line %d (%s): %w", line, e.Name, err)
		}
		max, hasMax, err := parseVec(get(row, "bound_x_max"), get(row, "bound_y_max"), get(row, "bound_z_max"))
		if err != nil {
			return nil, fmt.Errorf("line %d (%s): %w", line, e.Name, err)
		}
		if hasMin && hasMax {
			e.Bounds = &Bounds{Min: min, Max: max}
		}

		tpl.Entries = append(tpl.Entries, e)
	}

	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// parseVec parses three coordinate fields. All-empty fields are allowed
// (root entries carry no offset) and reported through the bool.
func parseVec(x, y, z string) (geom.Vec3, bool, error) {
	if x == "" && y == "" && z == "" {
		return geom.Vec3{}, false, nil
	}
	var v geom.Vec3
	var err error
	if v.X, err = strconv.ParseFloat(x, 64); err != nil {
		return geom.Vec3{}, false, fmt.Errorf("bad x value %q", x)
	}
	if v.Y, err = strconv.ParseFloat(y, 64); err != nil {
		return geom.Vec3{}, false, fmt.Errorf("bad y value %q", y)
	}
	if v.Z, err = strconv.ParseFloat(z, 64); err != nil {
		return geom.Vec3{}, false, fmt.Errorf("bad z value %q", z)
	}
	return v, true, nil
}

// WriteFile writes the template to path, overwriting any existing file.
func WriteFile(path string, tpl *Template) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create template file: %w", err)
	}
	if err := Write(f, tpl); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

// Write writes the template as CSV with the full canonical column set.
func Write(w io.Writer, tpl *Template) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(fieldNames); err != nil {
		return fmt.Errorf("failed to write template header: %w", err)
	}

	fmtF := func(v float64) string {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}

	for _, e := range tpl.Entries {
		row := make([]string, len(fieldNames))
		row[0] = e.Name
		row[1] = e.Parent
		if e.HasOffset {
			row[2], row[3], row[4] = fmtF(e.Offset.X), fmtF(e.Offset.Y), fmtF(e.Offset.Z)
		}
		bounds := e.Bounds
		if bounds == nil && e.HasOffset && e.Kind == KindBone {
			b := BoundsAround(e.Offset)
			bounds = &b
		}
		if bounds != nil {
			row[5], row[6] = fmtF(bounds.Min.X), fmtF(bounds.Max.X)
			row[7], row[8] = fmtF(bounds.Min.Y), fmtF(bounds.Max.Y)
			row[9], row[10] = fmtF(bounds.Min.Z), fmtF(bounds.Max.Z)
		}
		row[11] = e.Kind
		row[12] = e.RotationMode
		row[13] = e.OptimizeGroup
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write entry %q: %w", e.Name, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
