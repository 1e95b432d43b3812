package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for settings, positions and jobs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; the worker pool and the HTTP API share this handle
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS settings (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS positions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            list TEXT NOT NULL,
            name TEXT NOT NULL,
            lat REAL NOT NULL,
            lon REAL NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS frame_metadata (
            file_path TEXT PRIMARY KEY,
            camera_make TEXT,
            camera_model TEXT,
            focal_length REAL,
            iso INTEGER,
            exposure_time TEXT,
            gps_lat REAL,
            gps_lon REAL,
            timestamp TEXT,
            width INTEGER,
            height INTEGER
        );`,
		`CREATE INDEX IF NOT EXISTS idx_positions_list ON positions(list);`,
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

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	OptionsJSON string     `json:"options,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FrameMetadata captures the EXIF fields recorded for a frame.
type FrameMetadata struct {
	FilePath     string
	CameraMake   string
	CameraModel  string
	FocalLength  float64
	ISO          int
	ExposureTime string
	GPSLat       float64
	GPSLon       float64
	Timestamp    string
	Width        int
	Height       int
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// DeleteJob removes a job row that never reached a worker.
func (s *Store) DeleteJob(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`DELETE FROM processing_jobs WHERE id=?;`, id)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if _, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id); err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var input, output, options, errorMsg sql.NullString
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &options, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.InputPath, rec.OutputPath, rec.OptionsJSON, rec.Error = input.String, output.String, options.String, errorMsg.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordFrameMetadata stores EXIF/GPS details for a frame.
func (s *Store) RecordFrameMetadata(meta FrameMetadata) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO frame_metadata (file_path, camera_make, camera_model, focal_length, iso, exposure_time, gps_lat, gps_lon, timestamp, width, height)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		meta.FilePath, meta.CameraMake, meta.CameraModel, meta.FocalLength, meta.ISO, meta.ExposureTime, meta.GPSLat, meta.GPSLon, meta.Timestamp, meta.Width, meta.Height)
	return err
}

// FrameMetadataFor returns what was recorded for path.
func (s *Store) FrameMetadataFor(path string) (FrameMetadata, error) {
	var m FrameMetadata
	if s == nil {
		return m, errors.New("store not initialized")
	}
	var cameraMake, model, exposure, ts sql.NullString
	err := s.DB.QueryRow(`SELECT file_path, camera_make, camera_model, focal_length, iso, exposure_time, gps_lat, gps_lon, timestamp, width, height FROM frame_metadata WHERE file_path=?;`, path).
		Scan(&m.FilePath, &cameraMake, &model, &m.FocalLength, &m.ISO, &exposure, &m.GPSLat, &m.GPSLon, &ts, &m.Width, &m.Height)
	if err != nil {
		return m, err
	}
	m.CameraMake, m.CameraModel, m.ExposureTime, m.Timestamp = cameraMake.String, model.String, exposure.String, ts.String
	return m, nil
}
