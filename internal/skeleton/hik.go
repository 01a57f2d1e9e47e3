package skeleton

// Humanoid characterization slot names. A skeleton characterizes
// cleanly when every required slot has a joint of the same base name.
var (
	requiredSlots = []string{
		"Hips",
		"Spine",
		"Head",
		"LeftUpLeg", "LeftLeg", "LeftFoot",
		"RightUpLeg", "RightLeg", "RightFoot",
		"LeftArm", "LeftForeArm", "LeftHand",
		"RightArm", "RightForeArm", "RightHand",
	}
	optionalSlots = []string{
		"Reference",
		"Neck", "Neck1",
		"Spine1", "Spine2", "Spine3", "Spine4",
		"LeftShoulder", "RightShoulder",
		"LeftToeBase", "RightToeBase",
		"LeftHandThumb1", "RightHandThumb1",
	}
)

// Characterization is the result of mapping a skeleton onto the
// humanoid slot set.
type Characterization struct {
	Mapped          map[string]string `json:"mapped"` // slot -> scene joint name
	MissingRequired []string          `json:"missing_required,omitempty"`
	Unmapped        []string          `json:"unmapped,omitempty"` // bones matching no slot
}

// Complete reports whether every required slot found a joint.
func (c Characterization) Complete() bool { return len(c.MissingRequired) == 0 }

// Characterize maps the skeleton's bones onto the humanoid slot set
// by base name. Marker dummies are ignored; bones matching no slot
// are listed so the operator can spot naming mistakes.
func (s *Skeleton) Characterize() Characterization {
	c := Characterization{Mapped: make(map[string]string)}
	slotSet := make(map[string]bool, len(requiredSlots)+len(optionalSlots))

	for _, slot := range requiredSlots {
		slotSet[slot] = true
		if j := s.byBase[slot]; j != nil && !j.IsMarkerDummy() {
			c.Mapped[slot] = j.Name
		} else {
			c.MissingRequired = append(c.MissingRequired, slot)
		}
	}
	for _, slot := range optionalSlots {
		slotSet[slot] = true
		if j := s.byBase[slot]; j != nil && !j.IsMarkerDummy() {
			c.Mapped[slot] = j.Name
		}
	}
	for _, j := range s.Bones() {
		if !slotSet[j.Base] {
			c.Unmapped = append(c.Unmapped, j.Base)
		}
	}
	return c
}
