// Package sessionstore persists capture-session bookkeeping: which shots
// were taken, which master calibration files exist, and what the
// dark-library build has produced so far. It is a queryable cache over the
// on-disk naming convention, not the source of truth (the files are).
package sessionstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for sessions, shots and masters.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
            id TEXT PRIMARY KEY,
            mode_type TEXT NOT NULL,
            status TEXT NOT NULL,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS shots (
            id TEXT PRIMARY KEY,
            session_id TEXT,
            frame_type TEXT,
            exposure REAL,
            gain INTEGER,
            offset_val INTEGER,
            bin_x INTEGER,
            bin_y INTEGER,
            stars INTEGER,
            hfd REAL,
            ovality REAL,
            file_path TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS master_files (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            kind TEXT NOT NULL,
            file_path TEXT NOT NULL,
            temperature REAL,
            exposure REAL,
            gain INTEGER,
            offset_val INTEGER,
            bin_x INTEGER,
            bin_y INTEGER,
            frame_count INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_shots_session ON shots(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_master_kind ON master_files(kind);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// SessionRecord captures a persisted mode run.
type SessionRecord struct {
	ID          string
	ModeType    string
	Status      string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ShotRecord captures one processed frame.
type ShotRecord struct {
	ID        string
	SessionID string
	FrameType string
	Exposure  float64
	Gain      int
	Offset    int
	BinX, BinY int
	Stars     int
	HFD       float64
	Ovality   float64
	FilePath  string
}

// MasterFileRecord describes a produced master calibration file.
type MasterFileRecord struct {
	Kind        string // "dark", "bias", "flat", "defect_map"
	FilePath    string
	Temperature float64
	Exposure    float64
	Gain        int
	Offset      int
	BinX, BinY  int
	FrameCount  int
}

// RecordSessionQueued inserts a pending session.
func (s *Store) RecordSessionQueued(rec SessionRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO sessions (id, mode_type, status, options_json) VALUES (?, ?, ?, ?);`,
		rec.ID, rec.ModeType, rec.Status, rec.OptionsJSON)
	return err
}

// RecordSessionStart marks a session as running.
func (s *Store) RecordSessionStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE sessions SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordSessionResult finalizes a session with status and error (if any).
func (s *Store) RecordSessionResult(id, status, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE sessions SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	return err
}

// RecordShot persists one processed frame's result.
func (s *Store) RecordShot(rec ShotRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO shots
        (id, session_id, frame_type, exposure, gain, offset_val, bin_x, bin_y, stars, hfd, ovality, file_path)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.SessionID, rec.FrameType, rec.Exposure, rec.Gain, rec.Offset, rec.BinX, rec.BinY, rec.Stars, rec.HFD, rec.Ovality, rec.FilePath)
	return err
}

// RecordMasterFile persists a produced master calibration file.
func (s *Store) RecordMasterFile(rec MasterFileRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO master_files
        (kind, file_path, temperature, exposure, gain, offset_val, bin_x, bin_y, frame_count)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.Kind, rec.FilePath, rec.Temperature, rec.Exposure, rec.Gain, rec.Offset, rec.BinX, rec.BinY, rec.FrameCount)
	return err
}

// FindMasterFile looks for a master of kind matching the given capture
// settings within a small temperature tolerance, answering "is there
// already a matching master for these settings" without re-deriving it
// from filenames.
func (s *Store) FindMasterFile(kind string, exposure, temperature float64, gain, offset, binX, binY int, tempTolerance float64) (*MasterFileRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT file_path, temperature, exposure, gain, offset_val, bin_x, bin_y, frame_count
        FROM master_files WHERE kind=? AND exposure=? AND gain=? AND offset_val=? AND bin_x=? AND bin_y=?
        ORDER BY created_at DESC;`, kind, exposure, gain, offset, binX, binY)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var rec MasterFileRecord
		if err := rows.Scan(&rec.FilePath, &rec.Temperature, &rec.Exposure, &rec.Gain, &rec.Offset, &rec.BinX, &rec.BinY, &rec.FrameCount); err != nil {
			return nil, err
		}
		rec.Kind = kind
		if rec.Temperature-temperature <= tempTolerance && temperature-rec.Temperature <= tempTolerance {
			return &rec, nil
		}
	}
	return nil, nil
}

// RecentShots returns the latest shots for a session, newest first.
func (s *Store) RecentShots(sessionID string, limit int) ([]ShotRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, session_id, frame_type, exposure, gain, offset_val, bin_x, bin_y, stars, hfd, ovality, file_path
        FROM shots WHERE session_id=? ORDER BY created_at DESC LIMIT ?;`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ShotRecord
	for rows.Next() {
		var rec ShotRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.FrameType, &rec.Exposure, &rec.Gain, &rec.Offset, &rec.BinX, &rec.BinY, &rec.Stars, &rec.HFD, &rec.Ovality, &rec.FilePath); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// marshalOptions is a convenience used by callers building SessionRecord.OptionsJSON.
func marshalOptions(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// MarshalOptions exposes marshalOptions to other packages.
func MarshalOptions(v any) string { return marshalOptions(v) }
