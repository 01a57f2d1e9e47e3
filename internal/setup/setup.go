// Package setup runs the character setup pipeline: recording in,
// fitted skeleton with wired markers out. The whole flow runs from
// Run, and every step is callable on its own for manual use.
package setup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perfcap/rigsetup/internal/c3d"
	"github.com/perfcap/rigsetup/internal/constraint"
	"github.com/perfcap/rigsetup/internal/db"
	"github.com/perfcap/rigsetup/internal/fit"
	"github.com/perfcap/rigsetup/internal/geom"
	"github.com/perfcap/rigsetup/internal/labels"
	"github.com/perfcap/rigsetup/internal/offsets"
	"github.com/perfcap/rigsetup/internal/rigidbody"
	"github.com/perfcap/rigsetup/internal/skeleton"
	"github.com/perfcap/rigsetup/internal/template"
	"github.com/perfcap/rigsetup/internal/units"
)

// Inputs names the source files for one setup run. Only the recording
// is mandatory; a missing template falls back to the default suit
// layout.
type Inputs struct {
	RecordingPath  string
	TemplatePath   string
	OffsetsPath    string
	LabelsPath     string
	RigidBodyPath  string
	DefinitionPath string
	Performer      string
}

// Options tunes the pipeline.
type Options struct {
	Namespace      string // defaults to the performer name
	Units          string // template unit, defaults to meters
	MinMarkers     int    // defaults to the suit marker count
	ReferenceFrame int
	MarkerDummies  bool
}

// Result is everything one run produced.
type Result struct {
	Session          db.Session
	Recording        *c3d.Recording
	Template         *template.Template
	Skeleton         *skeleton.Skeleton
	MarkerSet        *constraint.MarkerSet
	Characterization skeleton.Characterization
	Fit              *fit.Result
	Preset           *rigidbody.Preset
	UnmatchedOffsets []string
}

// Run executes the automatic flow end to end. It does not persist;
// pass the result to Persist for that.
func Run(in Inputs, opts Options) (*Result, error) {
	if in.Performer == "" {
		return nil, fmt.Errorf("performer name is required")
	}
	if opts.Namespace == "" {
		opts.Namespace = in.Performer
	}
	if opts.Units == "" {
		opts.Units = units.Meters
	}
	if opts.MinMarkers <= 0 {
		opts.MinMarkers = c3d.DefaultSuitMarkerCount
	}

	res := &Result{}
	var err error

	res.Recording, err = LoadRecording(in.RecordingPath, in.LabelsPath, opts.MinMarkers)
	if err != nil {
		return nil, err
	}
	res.Template, err = LoadTemplate(in.TemplatePath, res.Recording)
	if err != nil {
		return nil, err
	}
	if in.OffsetsPath != "" {
		res.UnmatchedOffsets, err = ApplyOffsets(res.Template, in.OffsetsPath)
		if err != nil {
			return nil, err
		}
	}
	if in.RigidBodyPath != "" {
		res.Preset, err = rigidbody.LoadFile(in.RigidBodyPath)
		if err != nil {
			return nil, err
		}
		recovered, err := StabilizeReference(res.Recording, opts.ReferenceFrame, res.Preset)
		if err != nil {
			return nil, err
		}
		if len(recovered) > 0 {
			log.Info().
				Strs("markers", recovered).
				Msg("reconstructed occluded markers at the reference frame")
		}
	}

	res.Skeleton, err = BuildSkeleton(res.Template, res.Recording, opts)
	if err != nil {
		return nil, err
	}

	var def *skeleton.CharacterDefinition
	if in.DefinitionPath != "" {
		if def, err = skeleton.LoadCharacterDefinition(in.DefinitionPath); err != nil {
			return nil, err
		}
	}
	res.Characterization = res.Skeleton.CharacterizeWith(def)
	if !res.Characterization.Complete() {
		log.Warn().
			Strs("missing", res.Characterization.MissingRequired).
			Msg("skeleton does not characterize cleanly")
	}

	// The suit map assigns shared drivers (the ankle markers steady
	// the toes too), which single-parent template marker rows cannot
	// express, so the no-template path wires from the map directly.
	if in.TemplatePath == "" {
		res.MarkerSet, err = fit.SuitMarkerSet(opts.Namespace, res.Recording)
	} else {
		res.MarkerSet, err = constraint.Build(opts.Namespace, res.Template, res.Recording, constraint.Options{})
	}
	if err != nil {
		return nil, err
	}

	// The actor autofit only means something for the standard suit
	// layout, which a custom template does not follow.
	if in.TemplatePath == "" {
		res.Fit, err = fit.Autofit(res.Recording, opts.ReferenceFrame)
		if err != nil {
			return nil, fmt.Errorf("actor autofit failed: %w", err)
		}
	}

	res.Session, err = newSession(in, opts)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// LoadRecording reads a C3D file, optionally renames its markers from
// a label list, and enforces the marker count floor.
func LoadRecording(path, labelsPath string, minMarkers int) (*c3d.Recording, error) {
	rec, err := c3d.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if labelsPath != "" {
		names, err := labels.ReadFile(labelsPath)
		if err != nil {
			return nil, err
		}
		renamed, err := labels.Rename(rec.Labels, names)
		if err != nil {
			return nil, err
		}
		rec.Labels = renamed
	}
	if err := rec.CheckMarkerCount(minMarkers); err != nil {
		return nil, err
	}
	return rec, nil
}

// LoadTemplate reads the template file, or derives the default suit
// template from the recording's labels when no file is named.
func LoadTemplate(path string, rec *c3d.Recording) (*template.Template, error) {
	if path == "" {
		log.Info().Msg("no template supplied, using default suit layout")
		return fit.SuitTemplate(rec.Labels)
	}
	return template.ReadFile(path)
}

// ApplyOffsets loads an offsets file onto the template. Unknown
// labels are logged and returned, not fatal.
func ApplyOffsets(tpl *template.Template, path string) ([]string, error) {
	set, err := offsets.ReadFile(path)
	if err != nil {
		return nil, err
	}
	unmatched := offsets.Apply(tpl, set)
	if len(unmatched) > 0 {
		log.Warn().Strs("labels", unmatched).Msg("offset labels not in template")
	}
	return unmatched, nil
}

// BuildSkeleton builds the scene skeleton and places it on the
// recording's reference frame.
func BuildSkeleton(tpl *template.Template, rec *c3d.Recording, opts Options) (*skeleton.Skeleton, error) {
	sk, err := skeleton.Build(tpl, skeleton.Options{
		Namespace:     opts.Namespace,
		MarkerDummies: opts.MarkerDummies,
		Units:         opts.Units,
	})
	if err != nil {
		return nil, err
	}
	est, err := skeleton.EstimateJoints(tpl, rec, opts.ReferenceFrame)
	if err != nil {
		return nil, err
	}
	if err := sk.Place(est); err != nil {
		return nil, err
	}
	if opts.MarkerDummies {
		skipped, err := sk.PlaceMarkers(rec, opts.ReferenceFrame)
		if err != nil {
			return nil, err
		}
		if len(skipped) > 0 {
			log.Warn().Strs("markers", skipped).Msg("marker dummies left at template offsets")
		}
	}
	return sk, nil
}

func newSession(in Inputs, opts Options) (db.Session, error) {
	s := db.Session{
		ID:            uuid.NewString(),
		Performer:     in.Performer,
		Namespace:     opts.Namespace,
		RecordingPath: in.RecordingPath,
		TemplatePath:  in.TemplatePath,
		OffsetsPath:   in.OffsetsPath,
		State:         db.StateDraft,
	}
	var err error
	if s.RecordingSHA256, err = fileDigest(in.RecordingPath); err != nil {
		return s, err
	}
	if in.TemplatePath != "" {
		if s.TemplateSHA256, err = fileDigest(in.TemplatePath); err != nil {
			return s, err
		}
	}
	if in.OffsetsPath != "" {
		if s.OffsetsSHA256, err = fileDigest(in.OffsetsPath); err != nil {
			return s, err
		}
	}
	return s, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for digest: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to digest %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Persist stores the run's session and draft skeleton. Only bones are
// reviewable; marker dummies stay in memory.
func Persist(database *db.DB, res *Result) error {
	if err := database.CreateSession(res.Session); err != nil {
		return err
	}
	var joints []db.Joint
	for _, j := range res.Skeleton.Bones() {
		joints = append(joints, db.Joint{
			Name:         j.Base,
			Parent:       parentBase(j),
			Kind:         j.Kind,
			RotationMode: j.RotationMode,
			Offset:       j.Translation,
			Original:     j.Translation,
			Bounds:       jointBounds(j),
		})
	}
	return database.PutJoints(res.Session.ID, joints)
}

func parentBase(j *skeleton.Joint) string {
	if j.Parent == nil {
		return ""
	}
	return j.Parent.Base
}

// jointBounds converts the template bounds to scene centimeters, or
// derives the default margin around the placed offset.
func jointBounds(j *skeleton.Joint) template.Bounds {
	if j.Bounds != nil {
		return template.Bounds{
			Min: j.Bounds.Min.Scale(100),
			Max: j.Bounds.Max.Scale(100),
		}
	}
	m := geom.Vec3{
		X: 100 * template.DefaultBoundMargin,
		Y: 100 * template.DefaultBoundMargin,
		Z: 100 * template.DefaultBoundMargin,
	}
	return template.Bounds{
		Min: j.Translation.Sub(m),
		Max: j.Translation.Add(m),
	}
}

// StabilizeReference reconstructs occluded markers at the reference
// frame from rigid body presets. Each body's reference cloud is taken
// from the first frame where every member is visible; the solved
// transform then places the missing members. The recording frame is
// patched in place and the reconstructed labels are returned.
func StabilizeReference(rec *c3d.Recording, frameIdx int, preset *rigidbody.Preset) ([]string, error) {
	frame, err := rec.Frame(frameIdx)
	if err != nil {
		return nil, err
	}

	var recovered []string
	for i := range preset.Bodies {
		body := &preset.Bodies[i]

		idx := make(map[string]int, len(body.Members))
		for _, m := range body.Members {
			j := rec.MarkerIndex(m.Label)
			if j < 0 {
				return nil, fmt.Errorf("rigid body %q: marker %q not in recording", body.Name, m.Label)
			}
			idx[m.Label] = j
		}

		observed := make(map[string]geom.Vec3, len(idx))
		for label, j := range idx {
			if frame[j].Valid() {
				observed[label] = frame[j].Pos
			}
		}
		if len(observed) == len(idx) {
			continue
		}

		reference, ok := referenceCloud(rec, idx)
		if !ok {
			log.Warn().
				Str("body", body.Name).
				Msg("no fully visible frame for rigid body, cannot stabilize")
			continue
		}
		rebuilt, err := rigidbody.Stabilize(body, reference, observed)
		if err != nil {
			log.Warn().Err(err).Str("body", body.Name).Msg("rigid body stabilization failed")
			continue
		}
		for label, pos := range rebuilt {
			s := &rec.Frames[frameIdx][idx[label]]
			s.Pos = pos
			s.Residual = 0
			recovered = append(recovered, label)
		}
	}
	sort.Strings(recovered)
	return recovered, nil
}

// referenceCloud finds the first frame where every body member is
// visible and returns their positions.
func referenceCloud(rec *c3d.Recording, idx map[string]int) (map[string]geom.Vec3, bool) {
	for f := range rec.Frames {
		cloud := make(map[string]geom.Vec3, len(idx))
		for label, j := range idx {
			s := rec.Frames[f][j]
			if !s.Valid() {
				cloud = nil
				break
			}
			cloud[label] = s.Pos
		}
		if cloud != nil {
			return cloud, true
		}
	}
	return nil, false
}

// ReapplyOffsets pushes fresh offset estimates from the file at path
// into a stored draft session. Offset files are in meters, stored
// joints in scene centimeters. Labels without a stored joint are
// skipped, estimates outside a joint's bounds are skipped with a
// warning, and a finalized session rejects the whole reload.
func ReapplyOffsets(database *db.DB, sessionID, path string) error {
	set, err := offsets.ReadFile(path)
	if err != nil {
		return err
	}
	joints, err := database.Joints(sessionID)
	if err != nil {
		return err
	}
	byName := make(map[string]db.Joint, len(joints))
	for _, j := range joints {
		byName[j.Name] = j
	}

	applied := 0
	for _, label := range set.Labels() {
		j, ok := byName[label]
		if !ok {
			continue
		}
		v, _ := set.Get(label)
		cm := geom.Vec3{
			X: units.ToCentimeters(v.X, units.Meters),
			Y: units.ToCentimeters(v.Y, units.Meters),
			Z: units.ToCentimeters(v.Z, units.Meters),
		}
		if cm == j.Offset {
			continue
		}
		if !j.Bounds.Contains(cm) {
			log.Warn().
				Str("joint", label).
				Floats64("offset_cm", []float64{cm.X, cm.Y, cm.Z}).
				Msg("offset estimate outside joint bounds, skipped")
			continue
		}
		if err := database.UpdateJointOffset(sessionID, label, cm, "offsets reload"); err != nil {
			return fmt.Errorf("failed to update %s: %w", label, err)
		}
		applied++
	}

	log.Info().
		Str("session", sessionID).
		Int("applied", applied).
		Msg("reapplied offset estimates")
	return nil
}
