// Package api serves the interactive review step over HTTP: a single
// operator inspects the draft skeleton, nudges joint offsets inside
// their bounds, and finalizes the session.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perfcap/rigsetup/internal/db"
	"github.com/perfcap/rigsetup/internal/geom"
	"github.com/perfcap/rigsetup/internal/quality"
	"github.com/perfcap/rigsetup/internal/skeleton"
	"github.com/perfcap/rigsetup/internal/template"
	"github.com/perfcap/rigsetup/internal/units"
)

type Server struct {
	db      *db.DB
	quality *quality.Report // nil when no recording was evaluated
}

// NewServer builds a review server over the session store. report may
// be nil; the quality endpoints then answer 404.
func NewServer(database *db.DB, report *quality.Report) *Server {
	return &Server{db: database, quality: report}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Info().
			Int("status", lrw.statusCode).
			Str("method", r.Method).
			Str("path", r.RequestURI).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.showSession)
	mux.HandleFunc("GET /api/sessions/{id}/joints", s.listJoints)
	mux.HandleFunc("POST /api/sessions/{id}/joints/{joint}", s.adjustJoint)
	mux.HandleFunc("POST /api/sessions/{id}/joints/{joint}/reset", s.resetJoint)
	mux.HandleFunc("POST /api/sessions/{id}/joints/{joint}/reparent", s.reparentJoint)
	mux.HandleFunc("GET /api/sessions/{id}/adjustments", s.listAdjustments)
	mux.HandleFunc("POST /api/sessions/{id}/finalize", s.finalizeSession)
	mux.HandleFunc("GET /api/sessions/{id}/snapshot", s.showSnapshot)
	mux.HandleFunc("GET /api/quality", s.showQuality)
	mux.HandleFunc("GET /charts/quality", s.qualityChart)
	mux.HandleFunc("GET /plots/quality.png", s.qualityPlot)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// storeError maps sentinel store errors onto status codes. A
// finalized session answers 409 to any further change.
func (s *Server) storeError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		s.writeJSONError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, db.ErrFinalized):
		s.writeJSONError(w, http.StatusConflict, "session is finalized")
	default:
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to access %s: %v", what, err))
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.db.Sessions(50)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	s.writeJSON(w, sessions)
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.db.Session(r.PathValue("id"))
	if err != nil {
		s.storeError(w, err, "session")
		return
	}
	s.writeJSON(w, session)
}

func (s *Server) listJoints(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.db.Session(id); err != nil {
		s.storeError(w, err, "session")
		return
	}
	joints, err := s.db.Joints(id)
	if err != nil {
		s.storeError(w, err, "joints")
		return
	}
	s.writeJSON(w, joints)
}

type adjustRequest struct {
	Offset geom.Vec3 `json:"offset"`
	Note   string    `json:"note"`
}

func (s *Server) adjustJoint(w http.ResponseWriter, r *http.Request) {
	id, name := r.PathValue("id"), r.PathValue("joint")

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := s.db.Session(id)
	if err != nil {
		s.storeError(w, err, "session")
		return
	}
	if session.Finalized() {
		s.writeJSONError(w, http.StatusConflict, "session is finalized")
		return
	}

	joint, err := s.db.Joint(id, name)
	if err != nil {
		s.storeError(w, err, "joint")
		return
	}
	if !joint.Bounds.Contains(req.Offset) {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf(
			"offset out of bounds for %s: allowed x [%.1f, %.1f] y [%.1f, %.1f] z [%.1f, %.1f] cm",
			name,
			joint.Bounds.Min.X, joint.Bounds.Max.X,
			joint.Bounds.Min.Y, joint.Bounds.Max.Y,
			joint.Bounds.Min.Z, joint.Bounds.Max.Z))
		return
	}

	if err := s.db.UpdateJointOffset(id, name, req.Offset, req.Note); err != nil {
		s.storeError(w, err, "joint")
		return
	}
	joint, err = s.db.Joint(id, name)
	if err != nil {
		s.storeError(w, err, "joint")
		return
	}
	s.writeJSON(w, joint)
}

func (s *Server) resetJoint(w http.ResponseWriter, r *http.Request) {
	id, name := r.PathValue("id"), r.PathValue("joint")

	joint, err := s.db.Joint(id, name)
	if err != nil {
		s.storeError(w, err, "joint")
		return
	}
	if err := s.db.UpdateJointOffset(id, name, joint.Original, "reset"); err != nil {
		s.storeError(w, err, "joint")
		return
	}
	joint, err = s.db.Joint(id, name)
	if err != nil {
		s.storeError(w, err, "joint")
		return
	}
	s.writeJSON(w, joint)
}

type reparentRequest struct {
	Parent string `json:"parent"`
}

func (s *Server) reparentJoint(w http.ResponseWriter, r *http.Request) {
	id, name := r.PathValue("id"), r.PathValue("joint")

	var req reparentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Parent == "" {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := s.db.Session(id)
	if err != nil {
		s.storeError(w, err, "session")
		return
	}
	if session.Finalized() {
		s.writeJSONError(w, http.StatusConflict, "session is finalized")
		return
	}

	if _, err := s.db.Joint(id, name); err != nil {
		s.storeError(w, err, "joint")
		return
	}
	joints, err := s.db.Joints(id)
	if err != nil {
		s.storeError(w, err, "joints")
		return
	}
	sk, err := draftSkeleton(joints)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to rebuild skeleton: %v", err))
		return
	}
	if err := sk.Reparent(name, req.Parent); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.db.UpdateJointParent(id, name, req.Parent); err != nil {
		s.storeError(w, err, "joint")
		return
	}
	joint, err := s.db.Joint(id, name)
	if err != nil {
		s.storeError(w, err, "joint")
		return
	}
	s.writeJSON(w, joint)
}

// draftSkeleton rebuilds the draft hierarchy from the stored rows so
// structural edits are validated against the live tree. Rows are
// emitted parent first, since earlier reparents can leave the stored
// order unbuildable.
func draftSkeleton(joints []db.Joint) (*skeleton.Skeleton, error) {
	byParent := make(map[string][]db.Joint, len(joints))
	for _, j := range joints {
		byParent[j.Parent] = append(byParent[j.Parent], j)
	}

	tpl := &template.Template{Entries: make([]template.Entry, 0, len(joints))}
	var add func(parent string)
	add = func(parent string) {
		for _, j := range byParent[parent] {
			bounds := j.Bounds
			tpl.Entries = append(tpl.Entries, template.Entry{
				Name:         j.Name,
				Parent:       j.Parent,
				Offset:       j.Offset,
				HasOffset:    true,
				Bounds:       &bounds,
				Kind:         j.Kind,
				RotationMode: j.RotationMode,
			})
			add(j.Name)
		}
	}
	add("")
	if len(tpl.Entries) != len(joints) {
		return nil, fmt.Errorf("draft hierarchy has unreachable joints")
	}
	return skeleton.Build(tpl, skeleton.Options{Units: units.Centimeters, MarkerDummies: true})
}

func (s *Server) listAdjustments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.db.Session(id); err != nil {
		s.storeError(w, err, "session")
		return
	}
	adjs, err := s.db.Adjustments(id)
	if err != nil {
		s.storeError(w, err, "adjustments")
		return
	}
	if adjs == nil {
		adjs = []db.Adjustment{}
	}
	s.writeJSON(w, adjs)
}

func (s *Server) finalizeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	joints, err := s.db.Joints(id)
	if err != nil {
		s.storeError(w, err, "joints")
		return
	}
	if len(joints) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "session has no joints")
		return
	}

	csv, err := snapshotCSV(joints)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to snapshot skeleton: %v", err))
		return
	}
	snapshotID := uuid.NewString()
	if err := s.db.FinalizeSession(id, snapshotID, csv); err != nil {
		s.storeError(w, err, "session")
		return
	}
	s.writeJSON(w, map[string]string{"snapshot_id": snapshotID})
}

func (s *Server) showSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshotID, csv, err := s.db.Snapshot(r.PathValue("id"))
	if err != nil {
		s.storeError(w, err, "snapshot")
		return
	}
	s.writeJSON(w, map[string]string{"snapshot_id": snapshotID, "template_csv": csv})
}

func (s *Server) showQuality(w http.ResponseWriter, r *http.Request) {
	if s.quality == nil {
		s.writeJSONError(w, http.StatusNotFound, "no quality report loaded")
		return
	}
	s.writeJSON(w, s.quality)
}

// snapshotCSV renders the reviewed joints back to template rows in
// meters.
func snapshotCSV(joints []db.Joint) (string, error) {
	tpl := &template.Template{}
	for _, j := range joints {
		bounds := template.Bounds{
			Min: geom.Vec3{
				X: units.FromCentimeters(j.Bounds.Min.X, units.Meters),
				Y: units.FromCentimeters(j.Bounds.Min.Y, units.Meters),
				Z: units.FromCentimeters(j.Bounds.Min.Z, units.Meters),
			},
			Max: geom.Vec3{
				X: units.FromCentimeters(j.Bounds.Max.X, units.Meters),
				Y: units.FromCentimeters(j.Bounds.Max.Y, units.Meters),
				Z: units.FromCentimeters(j.Bounds.Max.Z, units.Meters),
			},
		}
		tpl.Entries = append(tpl.Entries, template.Entry{
			Name:   j.Name,
			Parent: j.Parent,
			Offset: geom.Vec3{
				X: units.FromCentimeters(j.Offset.X, units.Meters),
				Y: units.FromCentimeters(j.Offset.Y, units.Meters),
				Z: units.FromCentimeters(j.Offset.Z, units.Meters),
			},
			HasOffset:    true,
			Bounds:       &bounds,
			Kind:         j.Kind,
			RotationMode: j.RotationMode,
		})
	}

	var buf bytes.Buffer
	if err := template.Write(&buf, tpl); err != nil {
		return "", err
	}
	return buf.String(), nil
}
