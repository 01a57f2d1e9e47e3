package skeleton

import (
	"fmt"

	"github.com/perfcap/rigsetup/internal/c3d"
	"github.com/perfcap/rigsetup/internal/geom"
	"github.com/perfcap/rigsetup/internal/template"
)

// EstimateJoints derives a global position for each joint that has
// estimator markers in the template, from one frame of the recording.
// The position is the centroid of the joint's visible estimators.
// Occluded samples never contribute; a joint whose estimators are all
// occluded is an error, since a partial reference pose would silently
// skew the fit.
//
// The root gets a floor position centered beneath the hips, so the
// reference node stands on the ground under the performer.
func EstimateJoints(tpl *template.Template, rec *c3d.Recording, frameIdx int) (map[string]geom.Vec3, error) {
	frame, err := rec.Frame(frameIdx)
	if err != nil {
		return nil, err
	}

	estimates := make(map[string]geom.Vec3)
	for _, e := range tpl.Bones() {
		markers := tpl.MarkersFor(e.Name)
		if len(markers) == 0 {
			continue
		}
		var pts []geom.Vec3
		for _, label := range markers {
			idx := rec.MarkerIndex(label)
			if idx < 0 {
				return nil, fmt.Errorf("joint %q: estimator %q not in recording", e.Name, label)
			}
			if s := frame[idx]; s.Valid() {
				pts = append(pts, s.Pos)
			}
		}
		if len(pts) == 0 {
			return nil, fmt.Errorf("joint %q: all %d estimators occluded in frame %d",
				e.Name, len(markers), frameIdx)
		}
		estimates[e.Name] = geom.Centroid(pts)
	}

	root, err := tpl.Root()
	if err != nil {
		return nil, err
	}
	if _, ok := estimates[root.Name]; !ok {
		hips, err := hipsEstimate(tpl, root.Name, estimates)
		if err != nil {
			return nil, err
		}
		estimates[root.Name] = geom.Vec3{X: hips.X, Y: 0, Z: hips.Z}
	}
	return estimates, nil
}

// hipsEstimate finds the estimated position of the root's first bone
// child, which is the hips in every humanoid template.
func hipsEstimate(tpl *template.Template, rootName string, estimates map[string]geom.Vec3) (geom.Vec3, error) {
	for _, e := range tpl.Bones() {
		if e.Parent != rootName {
			continue
		}
		if pos, ok := estimates[e.Name]; ok {
			return pos, nil
		}
		return geom.Vec3{}, fmt.Errorf("no estimate for hips joint %q", e.Name)
	}
	return geom.Vec3{}, fmt.Errorf("root %q has no bone children", rootName)
}

// Place moves the skeleton onto the estimated reference pose. Joints
// with an estimate take it as their global position; joints without
// one keep their template-relative translation under the placed
// parent. Rotations are zeroed first so locals and globals agree.
func (s *Skeleton) Place(estimates map[string]geom.Vec3) error {
	if s.Root == nil {
		return fmt.Errorf("skeleton has no root")
	}
	s.Root.ZeroRotations()

	globals := make(map[*Joint]geom.Vec3, len(s.order))
	var place func(j *Joint) error
	place = func(j *Joint) error {
		var parentGlobal geom.Vec3
		if j.Parent != nil {
			parentGlobal = globals[j.Parent]
		}
		global, ok := estimates[j.Base]
		if !ok {
			global = parentGlobal.Add(j.Translation)
		}
		globals[j] = global
		j.Translation = global.Sub(parentGlobal)
		for _, c := range j.Children {
			if err := place(c); err != nil {
				return err
			}
		}
		return nil
	}
	return place(s.Root)
}

// PlaceMarkers snaps marker dummy joints onto their observed positions
// in the given frame. Dummies whose marker is occluded or absent keep
// their template offset and are reported back.
func (s *Skeleton) PlaceMarkers(rec *c3d.Recording, frameIdx int) ([]string, error) {
	frame, err := rec.Frame(frameIdx)
	if err != nil {
		return nil, err
	}
	var skipped []string
	for _, j := range s.order {
		if !j.IsMarkerDummy() {
			continue
		}
		idx := rec.MarkerIndex(j.Base)
		if idx < 0 || !frame[idx].Valid() {
			skipped = append(skipped, j.Base)
			continue
		}
		var parentGlobal geom.Vec3
		if j.Parent != nil {
			parentGlobal = j.Parent.GlobalPosition()
		}
		j.Translation = frame[idx].Pos.Sub(parentGlobal)
	}
	return skipped, nil
}
