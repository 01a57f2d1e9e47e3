// Package rigidbody loads rigid body marker presets and reconstructs
// occluded markers from the visible members of a body.
//
// A preset (.rbs) declares groups of markers that move together as near
// rigid clusters on the suit. When some members of a body drop out, the
// rigid transform from the body's reference cloud to the surviving
// members recovers the missing positions, which keeps constraints fed
// through short occlusions.
package rigidbody

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/perfcap/rigsetup/internal/geom"
)

// MinVisibleMembers is the minimum number of visible markers needed to
// solve a body's rigid transform.
const MinVisibleMembers = 3

// Member is one marker belonging to a rigid body.
type Member struct {
	Label  string  `toml:"label"`
	Weight float64 `toml:"weight"` // Solve weight; defaults to 1
}

// Body is a named rigid cluster of markers.
type Body struct {
	Name    string   `toml:"name"`
	Members []Member `toml:"members"`
}

// Preset is a parsed .rbs rigid body preset file.
type Preset struct {
	Bodies []Body `toml:"bodies"`
}

// LoadFile reads and validates the preset at path.
func LoadFile(path string) (*Preset, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rigid body preset: %w", err)
	}
	var p Preset
	if err := toml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%s: failed to parse rigid body preset: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

// Validate checks body and member invariants. Member weights default to 1.
func (p *Preset) Validate() error {
	if len(p.Bodies) == 0 {
		return fmt.Errorf("preset declares no bodies")
	}
	seen := make(map[string]bool, len(p.Bodies))
	for bi := range p.Bodies {
		b := &p.Bodies[bi]
		if b.Name == "" {
			return fmt.Errorf("body %d has no name", bi)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate body %q", b.Name)
		}
		seen[b.Name] = true
		if len(b.Members) < MinVisibleMembers {
			return fmt.Errorf("body %q has %d members, need at least %d", b.Name, len(b.Members), MinVisibleMembers)
		}
		labels := make(map[string]bool, len(b.Members))
		for mi := range b.Members {
			m := &b.Members[mi]
			if m.Label == "" {
				return fmt.Errorf("body %q member %d has no label", b.Name, mi)
			}
			if labels[m.Label] {
				return fmt.Errorf("body %q lists marker %q twice", b.Name, m.Label)
			}
			labels[m.Label] = true
			if m.Weight == 0 {
				m.Weight = 1
			}
			if m.Weight < 0 {
				return fmt.Errorf("body %q member %q has negative weight", b.Name, m.Label)
			}
		}
	}
	return nil
}

// Find returns the body with the given name.
func (p *Preset) Find(name string) (*Body, bool) {
	for i := range p.Bodies {
		if p.Bodies[i].Name == name {
			return &p.Bodies[i], true
		}
	}
	return nil, false
}

// BodyFor returns the first body containing the given marker label.
func (p *Preset) BodyFor(label string) (*Body, bool) {
	for i := range p.Bodies {
		for _, m := range p.Bodies[i].Members {
			if m.Label == label {
				return &p.Bodies[i], true
			}
		}
	}
	return nil, false
}

// Stabilize fills occluded members of body. reference holds the body's
// full marker cloud at the reference pose; observed holds this frame's
// positions for the visible members only. The returned map carries
// reconstructed positions for every member missing from observed.
func Stabilize(body *Body, reference, observed map[string]geom.Vec3) (map[string]geom.Vec3, error) {
	var refPts, obsPts []geom.Vec3
	var weights []float64
	var missing []string
	for _, m := range body.Members {
		ref, ok := reference[m.Label]
		if !ok {
			return nil, fmt.Errorf("body %q: no reference position for marker %q", body.Name, m.Label)
		}
		if obs, ok := observed[m.Label]; ok {
			refPts = append(refPts, ref)
			obsPts = append(obsPts, obs)
			weights = append(weights, m.Weight)
		} else {
			missing = append(missing, m.Label)
		}
	}

	if len(missing) == 0 {
		return map[string]geom.Vec3{}, nil
	}
	if len(obsPts) < MinVisibleMembers {
		return nil, fmt.Errorf("body %q: only %d of %d members visible, need %d to solve",
			body.Name, len(obsPts), len(body.Members), MinVisibleMembers)
	}

	tr, err := SolveTransform(refPts, obsPts, weights)
	if err != nil {
		return nil, fmt.Errorf("body %q: %w", body.Name, err)
	}

	out := make(map[string]geom.Vec3, len(missing))
	for _, label := range missing {
		out[label] = tr.Apply(reference[label])
	}
	return out, nil
}
