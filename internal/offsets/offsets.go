// Package offsets reads per-performer offset estimate files and applies
// them to a skeleton template.
//
// An offsets file is a headerless CSV of label,x,y,z rows in meters,
// produced per session by an external estimation step. This tool only
// consumes the estimates; it never computes them.
package offsets

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/perfcap/rigsetup/internal/geom"
	"github.com/perfcap/rigsetup/internal/template"
)

// Set maps joint and marker labels to estimated offsets, preserving file
// order for reporting.
type Set struct {
	byLabel map[string]geom.Vec3
	order   []string
}

// Len returns the number of offset entries.
func (s *Set) Len() int { return len(s.order) }

// Labels returns the labels in file order.
func (s *Set) Labels() []string { return s.order }

// Get returns the offset for label and whether it exists.
func (s *Set) Get(label string) (geom.Vec3, bool) {
	v, ok := s.byLabel[label]
	return v, ok
}

// ReadFile reads the offsets file at path.
func ReadFile(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open offsets file: %w", err)
	}
	defer f.Close()
	set, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// Read parses offset rows of the form label,x,y,z.
func Read(r io.Reader) (*Set, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = 4

	set := &Set{byLabel: make(map[string]geom.Vec3)}
	line := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read offsets row: %w", err)
		}
		line++

		label := row[0]
		if label == "" {
			return nil, fmt.Errorf("line %d: empty label", line)
		}
		var v geom.Vec3
		if v.X, err = strconv.ParseFloat(row[1], 64); err != nil {
			return nil, fmt.Errorf("line %d (%s): bad x value %q", line, label, row[1])
		}
		if v.Y, err = strconv.ParseFloat(row[2], 64); err != nil {
			return nil, fmt.Errorf("line %d (%s): bad y value %q", line, label, row[2])
		}
		if v.Z, err = strconv.ParseFloat(row[3], 64); err != nil {
			return nil, fmt.Errorf("line %d (%s): bad z value %q", line, label, row[3])
		}

		if _, dup := set.byLabel[label]; !dup {
			set.order = append(set.order, label)
		}
		set.byLabel[label] = v // Last occurrence wins.
	}

	if len(set.order) == 0 {
		return nil, fmt.Errorf("offsets file is empty")
	}
	return set, nil
}

// Apply replaces template offsets with matching estimates, in place.
// Labels without a template entry are returned as unmatched; they are
// reported rather than fatal so a shared offsets file can carry entries
// for templates with fewer joints. Applying the same set twice is a
// no-op.
func Apply(tpl *template.Template, set *Set) (unmatched []string) {
	matched := make(map[string]bool, set.Len())
	for i := range tpl.Entries {
		e := &tpl.Entries[i]
		if v, ok := set.Get(e.Name); ok {
			e.Offset = v
			e.HasOffset = true
			matched[e.Name] = true
		}
	}
	for _, label := range set.Labels() {
		if !matched[label] {
			unmatched = append(unmatched, label)
		}
	}
	return unmatched
}
