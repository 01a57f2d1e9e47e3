// Package db persists review sessions: the draft skeleton under
// adjustment, every adjustment made to it, and the finalized
// snapshot. Storage is a single sqlite file.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/perfcap/rigsetup/internal/geom"
	"github.com/perfcap/rigsetup/internal/template"
)

var (
	// ErrNotFound is returned when a session or joint does not exist.
	ErrNotFound = errors.New("not found")
	// ErrFinalized is returned when a finalized session is modified.
	ErrFinalized = errors.New("session is finalized")
)

// Session states.
const (
	StateDraft     = "draft"
	StateFinalized = "finalized"
)

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id        TEXT PRIMARY KEY,
			performer         TEXT,
			namespace         TEXT,
			recording_path    TEXT,
			recording_sha256  TEXT,
			template_path     TEXT,
			template_sha256   TEXT,
			offsets_path      TEXT,
			offsets_sha256    TEXT,
			state             TEXT DEFAULT 'draft',
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			finalized_at      TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS joints (
			session_id        TEXT,
			name              TEXT,
			parent            TEXT,
			kind              TEXT,
			rotation_mode     TEXT,
			offset_x          DOUBLE,
			offset_y          DOUBLE,
			offset_z          DOUBLE,
			orig_x            DOUBLE,
			orig_y            DOUBLE,
			orig_z            DOUBLE,
			min_x             DOUBLE,
			min_y             DOUBLE,
			min_z             DOUBLE,
			max_x             DOUBLE,
			max_y             DOUBLE,
			max_z             DOUBLE,
			PRIMARY KEY(session_id, name),
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
		CREATE TABLE IF NOT EXISTS adjustments (
			adjustment_id     INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id        TEXT,
			joint             TEXT,
			prev_x            DOUBLE,
			prev_y            DOUBLE,
			prev_z            DOUBLE,
			new_x             DOUBLE,
			new_y             DOUBLE,
			new_z             DOUBLE,
			note              TEXT,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
		CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id       TEXT PRIMARY KEY,
			session_id        TEXT,
			template_csv      TEXT,
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// Session is one character setup run under review.
type Session struct {
	ID              string     `json:"id"`
	Performer       string     `json:"performer"`
	Namespace       string     `json:"namespace"`
	RecordingPath   string     `json:"recording_path"`
	RecordingSHA256 string     `json:"recording_sha256"`
	TemplatePath    string     `json:"template_path,omitempty"`
	TemplateSHA256  string     `json:"template_sha256,omitempty"`
	OffsetsPath     string     `json:"offsets_path,omitempty"`
	OffsetsSHA256   string     `json:"offsets_sha256,omitempty"`
	State           string     `json:"state"`
	CreatedAt       time.Time  `json:"created_at"`
	FinalizedAt     *time.Time `json:"finalized_at,omitempty"`
}

// Finalized reports whether the session accepts no further changes.
func (s Session) Finalized() bool { return s.State == StateFinalized }

// Joint is one row of a session's draft skeleton. Offsets and bounds
// are local to the parent, in scene centimeters.
type Joint struct {
	Name         string          `json:"name"`
	Parent       string          `json:"parent"`
	Kind         string          `json:"kind"`
	RotationMode string          `json:"rotation_mode,omitempty"`
	Offset       geom.Vec3       `json:"offset"`
	Original     geom.Vec3       `json:"original"`
	Bounds       template.Bounds `json:"bounds"`
}

// Adjustment is one audit trail entry.
type Adjustment struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Joint     string    `json:"joint"`
	Prev      geom.Vec3 `json:"prev"`
	New       geom.Vec3 `json:"new"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateSession stores a new draft session.
func (db *DB) CreateSession(s Session) error {
	_, err := db.Exec(
		`INSERT INTO sessions (
			session_id, performer, namespace,
			recording_path, recording_sha256,
			template_path, template_sha256,
			offsets_path, offsets_sha256, state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Performer, s.Namespace,
		s.RecordingPath, s.RecordingSHA256,
		s.TemplatePath, s.TemplateSHA256,
		s.OffsetsPath, s.OffsetsSHA256, StateDraft,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Session returns one session by id.
func (db *DB) Session(id string) (Session, error) {
	row := db.QueryRow(
		`SELECT session_id, performer, namespace,
			recording_path, recording_sha256,
			template_path, template_sha256,
			offsets_path, offsets_sha256,
			state, created_at, finalized_at
		FROM sessions WHERE session_id = ?`, id)
	return scanSession(row)
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT session_id, performer, namespace,
			recording_path, recording_sha256,
			template_path, template_sha256,
			offsets_path, offsets_sha256,
			state, created_at, finalized_at
		FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var s Session
	var finalized sql.NullTime
	err := row.Scan(
		&s.ID, &s.Performer, &s.Namespace,
		&s.RecordingPath, &s.RecordingSHA256,
		&s.TemplatePath, &s.TemplateSHA256,
		&s.OffsetsPath, &s.OffsetsSHA256,
		&s.State, &s.CreatedAt, &finalized,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if finalized.Valid {
		s.FinalizedAt = &finalized.Time
	}
	return s, nil
}

// PutJoints replaces the session's draft skeleton rows.
func (db *DB) PutJoints(sessionID string, joints []Joint) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM joints WHERE session_id = ?", sessionID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(
		`INSERT INTO joints (
			session_id, name, parent, kind, rotation_mode,
			offset_x, offset_y, offset_z,
			orig_x, orig_y, orig_z,
			min_x, min_y, min_z, max_x, max_y, max_z
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, j := range joints {
		_, err := stmt.Exec(
			sessionID, j.Name, j.Parent, j.Kind, j.RotationMode,
			j.Offset.X, j.Offset.Y, j.Offset.Z,
			j.Original.X, j.Original.Y, j.Original.Z,
			j.Bounds.Min.X, j.Bounds.Min.Y, j.Bounds.Min.Z,
			j.Bounds.Max.X, j.Bounds.Max.Y, j.Bounds.Max.Z,
		)
		if err != nil {
			return fmt.Errorf("failed to store joint %q: %w", j.Name, err)
		}
	}
	return tx.Commit()
}

// Joints returns the session's draft skeleton rows in name order.
func (db *DB) Joints(sessionID string) ([]Joint, error) {
	rows, err := db.Query(
		`SELECT name, parent, kind, rotation_mode,
			offset_x, offset_y, offset_z,
			orig_x, orig_y, orig_z,
			min_x, min_y, min_z, max_x, max_y, max_z
		FROM joints WHERE session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var joints []Joint
	for rows.Next() {
		var j Joint
		if err := rows.Scan(
			&j.Name, &j.Parent, &j.Kind, &j.RotationMode,
			&j.Offset.X, &j.Offset.Y, &j.Offset.Z,
			&j.Original.X, &j.Original.Y, &j.Original.Z,
			&j.Bounds.Min.X, &j.Bounds.Min.Y, &j.Bounds.Min.Z,
			&j.Bounds.Max.X, &j.Bounds.Max.Y, &j.Bounds.Max.Z,
		); err != nil {
			return nil, err
		}
		joints = append(joints, j)
	}
	return joints, rows.Err()
}

// Joint returns one draft joint of a session.
func (db *DB) Joint(sessionID, name string) (Joint, error) {
	joints, err := db.Joints(sessionID)
	if err != nil {
		return Joint{}, err
	}
	for _, j := range joints {
		if j.Name == name {
			return j, nil
		}
	}
	return Joint{}, ErrNotFound
}

// UpdateJointOffset sets a joint's offset and records the change in
// the audit trail, in one transaction. The caller has already bounds
// checked the new offset; finalized sessions are rejected here as the
// last line of defense against a racing finalize.
func (db *DB) UpdateJointOffset(sessionID, joint string, offset geom.Vec3, note string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRow("SELECT state FROM sessions WHERE session_id = ?", sessionID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if state == StateFinalized {
		return ErrFinalized
	}

	var prev geom.Vec3
	err = tx.QueryRow(
		"SELECT offset_x, offset_y, offset_z FROM joints WHERE session_id = ? AND name = ?",
		sessionID, joint).Scan(&prev.X, &prev.Y, &prev.Z)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		"UPDATE joints SET offset_x = ?, offset_y = ?, offset_z = ? WHERE session_id = ? AND name = ?",
		offset.X, offset.Y, offset.Z, sessionID, joint)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO adjustments (session_id, joint, prev_x, prev_y, prev_z, new_x, new_y, new_z, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, joint, prev.X, prev.Y, prev.Z, offset.X, offset.Y, offset.Z, note)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateJointParent moves a joint under a new parent and records the
// change in the audit trail. The caller has already validated the new
// hierarchy against the live tree; only the session state is checked
// here.
func (db *DB) UpdateJointParent(sessionID, joint, parent string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRow("SELECT state FROM sessions WHERE session_id = ?", sessionID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if state == StateFinalized {
		return ErrFinalized
	}

	var cur geom.Vec3
	err = tx.QueryRow(
		"SELECT offset_x, offset_y, offset_z FROM joints WHERE session_id = ? AND name = ?",
		sessionID, joint).Scan(&cur.X, &cur.Y, &cur.Z)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		"UPDATE joints SET parent = ? WHERE session_id = ? AND name = ?",
		parent, sessionID, joint)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO adjustments (session_id, joint, prev_x, prev_y, prev_z, new_x, new_y, new_z, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, joint, cur.X, cur.Y, cur.Z, cur.X, cur.Y, cur.Z, "reparented under "+parent)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Adjustments returns the session's audit trail, oldest first.
func (db *DB) Adjustments(sessionID string) ([]Adjustment, error) {
	rows, err := db.Query(
		`SELECT adjustment_id, session_id, joint,
			prev_x, prev_y, prev_z, new_x, new_y, new_z, note, timestamp
		FROM adjustments WHERE session_id = ? ORDER BY adjustment_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var adjs []Adjustment
	for rows.Next() {
		var a Adjustment
		if err := rows.Scan(
			&a.ID, &a.SessionID, &a.Joint,
			&a.Prev.X, &a.Prev.Y, &a.Prev.Z,
			&a.New.X, &a.New.Y, &a.New.Z,
			&a.Note, &a.Timestamp,
		); err != nil {
			return nil, err
		}
		adjs = append(adjs, a)
	}
	return adjs, rows.Err()
}

// FinalizeSession freezes the session and stores the fitted skeleton
// snapshot. Finalizing twice fails with ErrFinalized.
func (db *DB) FinalizeSession(sessionID, snapshotID, templateCSV string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRow("SELECT state FROM sessions WHERE session_id = ?", sessionID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if state == StateFinalized {
		return ErrFinalized
	}

	_, err = tx.Exec(
		"UPDATE sessions SET state = ?, finalized_at = CURRENT_TIMESTAMP WHERE session_id = ?",
		StateFinalized, sessionID)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		"INSERT INTO snapshots (snapshot_id, session_id, template_csv) VALUES (?, ?, ?)",
		snapshotID, sessionID, templateCSV)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Snapshot returns the session's finalized skeleton as template CSV.
func (db *DB) Snapshot(sessionID string) (snapshotID, templateCSV string, err error) {
	err = db.QueryRow(
		`SELECT snapshot_id, template_csv FROM snapshots
		WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID).
		Scan(&snapshotID, &templateCSV)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	return snapshotID, templateCSV, err
}
