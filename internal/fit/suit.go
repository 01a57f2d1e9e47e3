package fit

import (
	"fmt"

	"github.com/perfcap/rigsetup/internal/c3d"
	"github.com/perfcap/rigsetup/internal/constraint"
	"github.com/perfcap/rigsetup/internal/geom"
	"github.com/perfcap/rigsetup/internal/template"
)

// SuitMapping assigns one joint its driver marker indices in the
// 38-marker suit layout.
type SuitMapping struct {
	Joint   string
	Markers []int
}

// SuitMap is the default driver table for the full-body suit, in
// humanoid slot names. A marker index may drive more than one joint;
// the ankle markers also steady the toes.
var SuitMap = []SuitMapping{
	{"Head", []int{0, 1, 2, 3}},
	{"Spine", []int{4, 5, 6, 7}},
	{"Hips", []int{8, 9, 30, 31}},
	{"RightUpLeg", []int{32}},
	{"RightLeg", []int{33, 34}},
	{"RightFoot", []int{35, 36, 37}},
	{"RightToeBase", []int{36, 37}},
	{"LeftUpLeg", []int{29}},
	{"LeftLeg", []int{28, 27}},
	{"LeftFoot", []int{26, 25, 24}},
	{"LeftToeBase", []int{24, 25}},
	{"LeftShoulder", []int{10}},
	{"LeftArm", []int{11}},
	{"LeftForeArm", []int{12, 13}},
	{"LeftHand", []int{14, 15, 16}},
	{"RightShoulder", []int{17}},
	{"RightArm", []int{18}},
	{"RightForeArm", []int{19, 20}},
	{"RightHand", []int{21, 22, 23}},
}

// SuitMarkerSet wires the default driver table against a recording's
// labels, for recordings captured without a custom template.
func SuitMarkerSet(name string, rec *c3d.Recording) (*constraint.MarkerSet, error) {
	if err := rec.CheckMarkerCount(c3d.DefaultSuitMarkerCount); err != nil {
		return nil, err
	}
	set := &constraint.MarkerSet{Name: name}
	for _, m := range SuitMap {
		drivers := make([]string, len(m.Markers))
		for i, idx := range m.Markers {
			drivers[i] = rec.Labels[idx]
		}
		goal, ok := constraint.GoalFor(len(drivers))
		if !ok {
			return nil, fmt.Errorf("suit map joint %q has no drivers", m.Joint)
		}
		set.Bindings = append(set.Bindings, constraint.Binding{
			Joint:   m.Joint,
			Drivers: drivers,
			Goal:    goal,
		})
	}
	return set, nil
}

// suitBone is one row of the default actor's bone chain. Offsets are
// parent-relative meters, proportioned to the default actor height.
type suitBone struct {
	name, parent, mode string
	offset             geom.Vec3
}

var suitBones = []suitBone{
	{"Reference", "", "", geom.Vec3{}},
	{"Hips", "Reference", template.RotationBall, geom.Vec3{Y: 0.95}},
	{"Spine", "Hips", template.RotationBall, geom.Vec3{Y: 0.12}},
	{"Head", "Spine", template.RotationBall, geom.Vec3{Y: 0.48}},
	{"LeftShoulder", "Spine", template.RotationBall, geom.Vec3{X: 0.05, Y: 0.40}},
	{"LeftArm", "LeftShoulder", template.RotationBall, geom.Vec3{X: 0.12}},
	{"LeftForeArm", "LeftArm", template.RotationHinge, geom.Vec3{X: 0.28}},
	{"LeftHand", "LeftForeArm", template.RotationBall, geom.Vec3{X: 0.26}},
	{"RightShoulder", "Spine", template.RotationBall, geom.Vec3{X: -0.05, Y: 0.40}},
	{"RightArm", "RightShoulder", template.RotationBall, geom.Vec3{X: -0.12}},
	{"RightForeArm", "RightArm", template.RotationHinge, geom.Vec3{X: -0.28}},
	{"RightHand", "RightForeArm", template.RotationBall, geom.Vec3{X: -0.26}},
	{"LeftUpLeg", "Hips", template.RotationBall, geom.Vec3{X: 0.09, Y: -0.05}},
	{"LeftLeg", "LeftUpLeg", template.RotationHinge, geom.Vec3{Y: -0.42}},
	{"LeftFoot", "LeftLeg", template.RotationBall, geom.Vec3{Y: -0.43}},
	{"LeftToeBase", "LeftFoot", template.RotationHinge, geom.Vec3{Y: -0.08, Z: 0.12}},
	{"RightUpLeg", "Hips", template.RotationBall, geom.Vec3{X: -0.09, Y: -0.05}},
	{"RightLeg", "RightUpLeg", template.RotationHinge, geom.Vec3{Y: -0.42}},
	{"RightFoot", "RightLeg", template.RotationBall, geom.Vec3{Y: -0.43}},
	{"RightToeBase", "RightFoot", template.RotationHinge, geom.Vec3{Y: -0.08, Z: 0.12}},
}

// SuitTemplate builds the default actor template for a suit recording:
// the standard humanoid bone chain plus one marker row per suit index,
// parented to the first joint that index drives. labels supplies the
// recording's marker names; when nil, generated M000.. names are used.
func SuitTemplate(labels []string) (*template.Template, error) {
	if labels == nil {
		labels = make([]string, c3d.DefaultSuitMarkerCount)
		for i := range labels {
			labels[i] = fmt.Sprintf("M%03d", i)
		}
	}
	if len(labels) < c3d.DefaultSuitMarkerCount {
		return nil, fmt.Errorf("suit template needs %d labels, got %d",
			c3d.DefaultSuitMarkerCount, len(labels))
	}

	tpl := &template.Template{}
	for _, b := range suitBones {
		tpl.Entries = append(tpl.Entries, template.Entry{
			Name:         b.name,
			Parent:       b.parent,
			Offset:       b.offset,
			HasOffset:    b.parent != "",
			Kind:         template.KindBone,
			RotationMode: b.mode,
		})
	}
	assigned := make(map[int]bool, c3d.DefaultSuitMarkerCount)
	for _, m := range SuitMap {
		for _, idx := range m.Markers {
			if assigned[idx] {
				continue
			}
			assigned[idx] = true
			tpl.Entries = append(tpl.Entries, template.Entry{
				Name:   labels[idx],
				Parent: m.Joint,
				Kind:   template.KindMarker,
			})
		}
	}
	if err := tpl.Validate(); err != nil {
		return nil, fmt.Errorf("suit template: %w", err)
	}
	return tpl, nil
}
