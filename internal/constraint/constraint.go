// Package constraint wires optical markers to skeleton joints. Each
// joint with marker children gets a Binding whose goal type follows
// from how many markers drive it: one marker can only aim the joint,
// two can rotate it, three or more pin both position and rotation.
package constraint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/perfcap/rigsetup/internal/c3d"
	"github.com/perfcap/rigsetup/internal/template"
)

// Goal is the constraint goal type applied to a driven joint.
type Goal string

const (
	GoalAim            Goal = "aim"
	GoalRotate         Goal = "rotate"
	GoalPositionRotate Goal = "position_rotate"
)

// GoalFor maps a driver count to a goal type. Zero drivers means the
// joint is not marker-driven and gets no binding.
func GoalFor(drivers int) (Goal, bool) {
	switch {
	case drivers <= 0:
		return "", false
	case drivers == 1:
		return GoalAim, true
	case drivers == 2:
		return GoalRotate, true
	default:
		return GoalPositionRotate, true
	}
}

// Binding drives one joint from a set of marker labels.
type Binding struct {
	Joint   string   `json:"joint"`
	Drivers []string `json:"drivers"`
	Goal    Goal     `json:"goal"`
}

// MarkerSet is the full wiring for one performer. Rebuilding a marker
// set replaces any previous one; bindings are never merged.
type MarkerSet struct {
	Name     string    `json:"name"`
	Bindings []Binding `json:"bindings"`
}

// Binding returns the binding driving the named joint, or nil.
func (m *MarkerSet) Binding(joint string) *Binding {
	for i := range m.Bindings {
		if m.Bindings[i].Joint == joint {
			return &m.Bindings[i]
		}
	}
	return nil
}

// DriverLabels returns every driver label in the set, sorted.
func (m *MarkerSet) DriverLabels() []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range m.Bindings {
		for _, d := range b.Drivers {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Options adjusts wiring behavior.
type Options struct {
	// Overrides forces a goal type for specific joints regardless of
	// driver count.
	Overrides map[string]Goal
}

// Build wires a marker set from the template's marker-to-joint map.
// When rec is non-nil, every driver must exist in the recording's
// label set; the missing ones are collected into a single error so
// the operator sees the whole problem at once.
func Build(name string, tpl *template.Template, rec *c3d.Recording, opts Options) (*MarkerSet, error) {
	set := &MarkerSet{Name: name}
	var missing []string

	for _, e := range tpl.Bones() {
		drivers := tpl.MarkersFor(e.Name)
		goal, ok := GoalFor(len(drivers))
		if !ok {
			continue
		}
		if o, found := opts.Overrides[e.Name]; found {
			if err := validGoal(o); err != nil {
				return nil, fmt.Errorf("override for joint %q: %w", e.Name, err)
			}
			goal = o
		}
		if rec != nil {
			for _, d := range drivers {
				if rec.MarkerIndex(d) < 0 {
					missing = append(missing, d)
				}
			}
		}
		set.Bindings = append(set.Bindings, Binding{Joint: e.Name, Drivers: drivers, Goal: goal})
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("recording is missing %d driver markers: %s",
			len(missing), strings.Join(missing, ", "))
	}
	if len(set.Bindings) == 0 {
		return nil, fmt.Errorf("template %q has no marker-driven joints", name)
	}
	return set, nil
}

func validGoal(g Goal) error {
	switch g {
	case GoalAim, GoalRotate, GoalPositionRotate:
		return nil
	}
	return fmt.Errorf("unknown goal type %q", g)
}
