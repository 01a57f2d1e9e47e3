package skeleton

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
)

// CharacterDefinition overrides the name-based humanoid slot mapping
// for skeletons that do not follow the standard naming convention.
// The file is XML:
//
//	<character_definition>
//	  <match slot="Hips" joint="pelvis"/>
//	  <match slot="LeftUpLeg" joint="l_thigh"/>
//	</character_definition>
//
// Slots absent from the file keep the name-based mapping.
type CharacterDefinition struct {
	XMLName xml.Name    `xml:"character_definition"`
	Matches []SlotMatch `xml:"match"`
}

// SlotMatch binds one humanoid slot to a joint base name.
type SlotMatch struct {
	Slot  string `xml:"slot,attr"`
	Joint string `xml:"joint,attr"`
}

// Joint returns the joint base name bound to slot, or "" when the
// definition does not override it.
func (d *CharacterDefinition) Joint(slot string) string {
	for _, m := range d.Matches {
		if m.Slot == slot {
			return m.Joint
		}
	}
	return ""
}

// LoadCharacterDefinition reads and validates the definition at path.
func LoadCharacterDefinition(path string) (*CharacterDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open character definition: %w", err)
	}
	defer f.Close()
	def, err := ReadCharacterDefinition(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// ReadCharacterDefinition parses a definition and checks that every
// match names a known slot exactly once.
func ReadCharacterDefinition(r io.Reader) (*CharacterDefinition, error) {
	var def CharacterDefinition
	if err := xml.NewDecoder(r).Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse character definition: %w", err)
	}
	if len(def.Matches) == 0 {
		return nil, fmt.Errorf("character definition has no matches")
	}

	slotSet := make(map[string]bool, len(requiredSlots)+len(optionalSlots))
	for _, slot := range requiredSlots {
		slotSet[slot] = true
	}
	for _, slot := range optionalSlots {
		slotSet[slot] = true
	}

	seen := make(map[string]bool, len(def.Matches))
	for _, m := range def.Matches {
		if !slotSet[m.Slot] {
			return nil, fmt.Errorf("unknown slot %q", m.Slot)
		}
		if m.Joint == "" {
			return nil, fmt.Errorf("slot %q has an empty joint name", m.Slot)
		}
		if seen[m.Slot] {
			return nil, fmt.Errorf("slot %q matched twice", m.Slot)
		}
		seen[m.Slot] = true
	}
	return &def, nil
}

// CharacterizeWith maps the skeleton onto the humanoid slot set,
// consulting the definition before falling back to base names. A nil
// definition behaves like Characterize.
func (s *Skeleton) CharacterizeWith(def *CharacterDefinition) Characterization {
	if def == nil {
		return s.Characterize()
	}

	resolve := func(slot string) *Joint {
		base := def.Joint(slot)
		if base == "" {
			base = slot
		}
		j := s.byBase[base]
		if j == nil || j.IsMarkerDummy() {
			return nil
		}
		return j
	}

	c := Characterization{Mapped: make(map[string]string)}
	matched := make(map[string]bool)
	for _, slot := range requiredSlots {
		if j := resolve(slot); j != nil {
			c.Mapped[slot] = j.Name
			matched[j.Base] = true
		} else {
			c.MissingRequired = append(c.MissingRequired, slot)
		}
	}
	for _, slot := range optionalSlots {
		if j := resolve(slot); j != nil {
			c.Mapped[slot] = j.Name
			matched[j.Base] = true
		}
	}
	for _, j := range s.Bones() {
		if !matched[j.Base] {
			c.Unmapped = append(c.Unmapped, j.Base)
		}
	}
	return c
}
