// Package fit scales and poses a default actor body onto the marker
// cloud of a reference frame. The suit layout is the 38-marker
// full-body configuration, addressed by marker index; the performer
// is assumed to stand in a T-pose facing +Z.
package fit

import (
	"fmt"
	"math"

	"github.com/perfcap/rigsetup/internal/c3d"
	"github.com/perfcap/rigsetup/internal/geom"
)

// Default actor dimensions, in scene centimeters.
const (
	DefaultActorHeight  = 150.1 // ground to shoulder line
	DefaultActorArmLen  = 62.4  // shoulder to wrist
	DefaultActorFingers = 12.6

	// Offset between the hip marker center and the hip pivot.
	HipsYOffset = 4.5
	HipsZOffset = 10.0

	// Unscaled arm anchor height and forward offset, and the lateral
	// hip pivot offset, used for the limb angle fit.
	armAnchorY       = 149.0
	armAnchorZOffset = 6.5
	legXOffset       = 9.6
)

// Suit marker indices. The suit must follow this exact layout or the
// fit is meaningless.
var (
	hipsMarkers      = []int{8, 9, 30, 31}
	leftFootMarkers  = []int{24, 25, 26}
	rightFootMarkers = []int{35, 36, 37}
	leftHandMarkers  = []int{14, 15, 16}
	rightHandMarkers = []int{21, 22, 23}
)

const (
	leftCollarMarker  = 10
	rightCollarMarker = 17
	leftLegMarker     = 30
	rightLegMarker    = 31
)

// Result is the actor fit for one reference frame. Rotations are XYZ
// Eulers in degrees, applied to the named actor segment.
type Result struct {
	HipsPosition geom.Vec3 `json:"hips_position"` // pivot, not marker center

	PerformerHeight float64 `json:"performer_height"` // ground to shoulder line
	LeftArmLength   float64 `json:"left_arm_length"`
	RightArmLength  float64 `json:"right_arm_length"`

	BodyScale     float64 `json:"body_scale"`
	LeftArmScale  float64 `json:"left_arm_scale"`
	RightArmScale float64 `json:"right_arm_scale"`

	LeftArmRotation  geom.Vec3 `json:"left_arm_rotation"`
	RightArmRotation geom.Vec3 `json:"right_arm_rotation"`
	LeftLegRotation  geom.Vec3 `json:"left_leg_rotation"`
	RightLegRotation geom.Vec3 `json:"right_leg_rotation"`
}

// Autofit fits the default actor to the given frame of the recording.
// Occluded markers never contribute to centers; a group with no
// visible marker fails the fit.
func Autofit(rec *c3d.Recording, frameIdx int) (*Result, error) {
	if err := rec.CheckMarkerCount(c3d.DefaultSuitMarkerCount); err != nil {
		return nil, err
	}
	frame, err := rec.Frame(frameIdx)
	if err != nil {
		return nil, err
	}

	hips, err := center(frame, hipsMarkers, "hips")
	if err != nil {
		return nil, err
	}
	lfoot, err := center(frame, leftFootMarkers, "left foot")
	if err != nil {
		return nil, err
	}
	rfoot, err := center(frame, rightFootMarkers, "right foot")
	if err != nil {
		return nil, err
	}
	lhand, err := center(frame, leftHandMarkers, "left hand")
	if err != nil {
		return nil, err
	}
	rhand, err := center(frame, rightHandMarkers, "right hand")
	if err != nil {
		return nil, err
	}
	ls, err := sample(frame, leftCollarMarker, "left shoulder")
	if err != nil {
		return nil, err
	}
	rs, err := sample(frame, rightCollarMarker, "right shoulder")
	if err != nil {
		return nil, err
	}

	// Hip marker center to hip pivot.
	hips.Y -= HipsYOffset
	hips.Z -= HipsZOffset

	r := &Result{HipsPosition: hips}
	r.PerformerHeight = (ls.Y + rs.Y) / 2
	if r.PerformerHeight <= 0 {
		return nil, fmt.Errorf("shoulder markers at height %.1f, performer is not standing", r.PerformerHeight)
	}
	r.LeftArmLength = lhand.Sub(ls).Norm()
	r.RightArmLength = rhand.Sub(rs).Norm()

	r.BodyScale = r.PerformerHeight / DefaultActorHeight
	r.LeftArmScale = r.LeftArmLength / DefaultActorArmLen
	r.RightArmScale = r.RightArmLength / DefaultActorArmLen

	// Arm angular offsets, measured from the scaled arm anchor.
	armY := armAnchorY * r.BodyScale
	armZ := hips.Z + armAnchorZOffset*r.BodyScale
	r.RightArmRotation = geom.Vec3{
		Y: deg(math.Atan2(rhand.Z-armZ, rs.X-rhand.X)),
		Z: deg(math.Atan2(armY-rhand.Y, rs.X-rhand.X)),
	}
	r.LeftArmRotation = geom.Vec3{
		Y: -deg(math.Atan2(lhand.Z-armZ, lhand.X-ls.X)),
		Z: deg(math.Atan2(lhand.Y-armY, lhand.X-ls.X)),
	}

	// Leg angular offsets, measured from the scaled hip pivots.
	legX := legXOffset * r.BodyScale
	rleg, err := sample(frame, rightLegMarker, "right hip")
	if err != nil {
		return nil, err
	}
	lleg, err := sample(frame, leftLegMarker, "left hip")
	if err != nil {
		return nil, err
	}
	r.RightLegRotation = geom.Vec3{
		Z: deg(math.Atan2(rfoot.X-(hips.X-legX), rleg.Y-rfoot.Y)),
	}
	r.LeftLegRotation = geom.Vec3{
		Z: deg(math.Atan2(lfoot.X-(hips.X+legX), lleg.Y-lfoot.Y)),
	}
	return r, nil
}

func deg(rad float64) float64 { return rad * 180 / math.Pi }

// center averages the visible markers of a group.
func center(frame c3d.Frame, ids []int, what string) (geom.Vec3, error) {
	var pts []geom.Vec3
	for _, i := range ids {
		if i >= len(frame) {
			return geom.Vec3{}, fmt.Errorf("%s marker %d out of range", what, i)
		}
		if frame[i].Valid() {
			pts = append(pts, frame[i].Pos)
		}
	}
	if len(pts) == 0 {
		return geom.Vec3{}, fmt.Errorf("all %s markers occluded", what)
	}
	return geom.Centroid(pts), nil
}

// sample returns one marker's position, which must be visible.
func sample(frame c3d.Frame, id int, what string) (geom.Vec3, error) {
	if id >= len(frame) {
		return geom.Vec3{}, fmt.Errorf("%s marker %d out of range", what, id)
	}
	if !frame[id].Valid() {
		return geom.Vec3{}, fmt.Errorf("%s marker %d occluded", what, id)
	}
	return frame[id].Pos, nil
}
