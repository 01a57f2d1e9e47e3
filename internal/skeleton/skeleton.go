// Package skeleton holds the scene model built from a fitted template:
// a joint hierarchy with local translations in centimeters, placement
// from a recording's reference frame, and export back to template rows.
package skeleton

import (
	"fmt"
	"math"

	"github.com/perfcap/rigsetup/internal/geom"
	"github.com/perfcap/rigsetup/internal/template"
	"github.com/perfcap/rigsetup/internal/units"
)

// Joint is one node of the skeleton. Translation is local to the
// parent, in centimeters. Rotation is a local XYZ Euler in degrees.
type Joint struct {
	Name        string // namespaced scene name
	Base        string // template name, no namespace
	Kind        string // template.KindBone, KindEnd or KindMarker
	Parent      *Joint
	Children    []*Joint
	Translation geom.Vec3
	Rotation    geom.Vec3

	// Carried from the template so the skeleton can be written back out.
	RotationMode  string
	OptimizeGroup string
	Bounds        *template.Bounds
}

// IsMarkerDummy reports whether this node stands in for an optical
// marker rather than a bone.
func (j *Joint) IsMarkerDummy() bool { return j.Kind == template.KindMarker }

// ZeroRotations clears the rotation of this joint and every descendant.
func (j *Joint) ZeroRotations() {
	j.Rotation = geom.Vec3{}
	for _, c := range j.Children {
		c.ZeroRotations()
	}
}

// rotate applies the joint's local XYZ Euler rotation to v.
func rotate(r geom.Vec3, v geom.Vec3) geom.Vec3 {
	rx, ry, rz := r.X*math.Pi/180, r.Y*math.Pi/180, r.Z*math.Pi/180

	// X axis
	y := v.Y*math.Cos(rx) - v.Z*math.Sin(rx)
	z := v.Y*math.Sin(rx) + v.Z*math.Cos(rx)
	v.Y, v.Z = y, z
	// Y axis
	x := v.X*math.Cos(ry) + v.Z*math.Sin(ry)
	z = -v.X*math.Sin(ry) + v.Z*math.Cos(ry)
	v.X, v.Z = x, z
	// Z axis
	x = v.X*math.Cos(rz) - v.Y*math.Sin(rz)
	y = v.X*math.Sin(rz) + v.Y*math.Cos(rz)
	v.X, v.Y = x, y
	return v
}

// GlobalPosition accumulates translations and rotations from the root
// down to this joint.
func (j *Joint) GlobalPosition() geom.Vec3 {
	if j.Parent == nil {
		return j.Translation
	}
	offset := j.Translation
	for p := j.Parent; p != nil; p = p.Parent {
		offset = rotate(p.Rotation, offset).Add(p.Translation)
	}
	return offset
}

// Skeleton is an ordered joint hierarchy. Joints are indexed by their
// template base name; scene names carry the namespace prefix.
type Skeleton struct {
	Namespace string
	Root      *Joint

	order  []*Joint
	byBase map[string]*Joint
}

// Options controls skeleton construction.
type Options struct {
	Namespace     string // prefixed to every scene name as "ns:name"
	MarkerDummies bool   // create a dummy node per template marker row
	Units         string // template length unit, default meters
}

// Build constructs a skeleton from a validated template. Template
// offsets are converted to scene centimeters here; nothing downstream
// sees meters again.
func Build(tpl *template.Template, opts Options) (*Skeleton, error) {
	if err := tpl.Validate(); err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}
	unit := opts.Units
	if unit == "" {
		unit = units.Meters
	}
	if !units.IsValid(unit) {
		return nil, fmt.Errorf("unknown unit %q, want one of %s", unit, units.GetValidUnitsString())
	}

	s := &Skeleton{
		Namespace: opts.Namespace,
		byBase:    make(map[string]*Joint, len(tpl.Entries)),
	}
	for _, e := range tpl.Entries {
		if e.Kind == template.KindMarker && !opts.MarkerDummies {
			continue
		}
		j := &Joint{
			Name: sceneName(opts.Namespace, e.Name),
			Base: e.Name,
			Kind: e.Kind,
			Translation: geom.Vec3{
				X: units.ToCentimeters(e.Offset.X, unit),
				Y: units.ToCentimeters(e.Offset.Y, unit),
				Z: units.ToCentimeters(e.Offset.Z, unit),
			},
			RotationMode:  e.RotationMode,
			OptimizeGroup: e.OptimizeGroup,
			Bounds:        e.Bounds,
		}
		if e.Parent == "" {
			s.Root = j
		} else {
			p := s.byBase[e.Parent]
			if p == nil {
				return nil, fmt.Errorf("joint %q: parent %q not built", e.Name, e.Parent)
			}
			j.Parent = p
			p.Children = append(p.Children, j)
		}
		s.order = append(s.order, j)
		s.byBase[e.Name] = j
	}
	return s, nil
}

func sceneName(ns, base string) string {
	if ns == "" {
		return base
	}
	return ns + ":" + base
}

// Joint returns the joint with the given template base name, or nil.
func (s *Skeleton) Joint(base string) *Joint { return s.byBase[base] }

// Joints returns all joints in template order.
func (s *Skeleton) Joints() []*Joint { return s.order }

// Bones returns the non-dummy joints in template order.
func (s *Skeleton) Bones() []*Joint {
	var out []*Joint
	for _, j := range s.order {
		if !j.IsMarkerDummy() {
			out = append(out, j)
		}
	}
	return out
}

// Reparent moves child under newParent. Marker dummies and end
// effectors cannot take children, and the move must not create a
// cycle.
func (s *Skeleton) Reparent(child, newParent string) error {
	c := s.byBase[child]
	if c == nil {
		return fmt.Errorf("no joint %q", child)
	}
	p := s.byBase[newParent]
	if p == nil {
		return fmt.Errorf("no joint %q", newParent)
	}
	if p.Kind != template.KindBone {
		return fmt.Errorf("%q cannot take children", newParent)
	}
	for a := p; a != nil; a = a.Parent {
		if a == c {
			return fmt.Errorf("reparenting %q under %q would create a cycle", child, newParent)
		}
	}
	if c.Parent != nil {
		sibs := c.Parent.Children
		for i, sib := range sibs {
			if sib == c {
				c.Parent.Children = append(sibs[:i], sibs[i+1:]...)
				break
			}
		}
	}
	c.Parent = p
	p.Children = append(p.Children, c)
	return nil
}

// Template exports the skeleton back to template rows in the given
// unit (default meters), preserving rotation modes, optimize groups
// and bounds. This is the inverse of Build for an unrotated skeleton.
func (s *Skeleton) Template(unit string) *template.Template {
	if unit == "" || !units.IsValid(unit) {
		unit = units.Meters
	}
	tpl := &template.Template{Entries: make([]template.Entry, 0, len(s.order))}
	for _, j := range s.order {
		parent := ""
		if j.Parent != nil {
			parent = j.Parent.Base
		}
		tpl.Entries = append(tpl.Entries, template.Entry{
			Name:   j.Base,
			Parent: parent,
			Offset: geom.Vec3{
				X: units.FromCentimeters(j.Translation.X, unit),
				Y: units.FromCentimeters(j.Translation.Y, unit),
				Z: units.FromCentimeters(j.Translation.Z, unit),
			},
			HasOffset:     true,
			Bounds:        j.Bounds,
			Kind:          j.Kind,
			RotationMode:  j.RotationMode,
			OptimizeGroup: j.OptimizeGroup,
		})
	}
	return tpl
}
