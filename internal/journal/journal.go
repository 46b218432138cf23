// Package journal persists an audit trail of setup activity in a
// SQLite database under the service account's runtime directory. Every
// setup run and every configuration snapshot lands here, so an operator
// can reconstruct what happened on a host long after the terminal
// scrollback is gone.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Run is one recorded setup invocation.
type Run struct {
	ID            int64
	StartedAt     time.Time
	FinishedAt    time.Time
	DetectedState string
	Mode          string
	Outcome       string
	Error         string
}

// Snapshot is one recorded configuration backup.
type Snapshot struct {
	ID           int64
	ConfigPath   string
	SnapshotPath string
	TakenAt      time.Time
	Reason       string
	RolledBack   bool
}

type Journal struct {
	db *sql.DB
}

func Open(path string) (*Journal, error) {
	// The runtime directory also stages credentials; keep it private.
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS setup_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	detected_state TEXT NOT NULL,
	mode TEXT NOT NULL,
	outcome TEXT,
	error TEXT
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize setup runs schema: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS config_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	config_path TEXT NOT NULL,
	snapshot_path TEXT NOT NULL,
	taken_at TEXT NOT NULL,
	reason TEXT NOT NULL,
	rolled_back INTEGER NOT NULL DEFAULT 0
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize config snapshots schema: %w", err)
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// BeginRun records the start of a setup run and returns its id for the
// matching FinishRun call.
func (j *Journal) BeginRun(detectedState, mode string) (int64, error) {
	res, err := j.db.Exec(
		`INSERT INTO setup_runs (started_at, detected_state, mode) VALUES (?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339),
		detectedState,
		mode,
	)
	if err != nil {
		return 0, fmt.Errorf("record setup run start: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read setup run id: %w", err)
	}
	return id, nil
}

// FinishRun closes a run with its outcome. A nil runErr records a clean
// finish; otherwise the error text is kept for the history view.
func (j *Journal) FinishRun(id int64, outcome string, runErr error) error {
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	_, err := j.db.Exec(
		`UPDATE setup_runs SET finished_at = ?, outcome = ?, error = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339),
		outcome,
		errText,
		id,
	)
	if err != nil {
		return fmt.Errorf("record setup run finish: %w", err)
	}
	return nil
}

// RecentRuns lists the newest runs first, at most limit of them.
func (j *Journal) RecentRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.Query(
		`SELECT id, started_at, finished_at, detected_state, mode, outcome, error
		 FROM setup_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list setup runs: %w", err)
	}
	defer rows.Close()

	out := make([]Run, 0, limit)
	for rows.Next() {
		var run Run
		var started string
		var finished, outcome, errText sql.NullString
		if err := rows.Scan(&run.ID, &started, &finished, &run.DetectedState, &run.Mode, &outcome, &errText); err != nil {
			return nil, fmt.Errorf("scan setup run row: %w", err)
		}
		run.StartedAt, err = time.Parse(time.RFC3339, started)
		if err != nil {
			return nil, fmt.Errorf("parse setup run start time: %w", err)
		}
		if finished.Valid && finished.String != "" {
			run.FinishedAt, err = time.Parse(time.RFC3339, finished.String)
			if err != nil {
				return nil, fmt.Errorf("parse setup run finish time: %w", err)
			}
		}
		run.Outcome = outcome.String
		run.Error = errText.String
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate setup run rows: %w", err)
	}
	return out, nil
}

// RecordSnapshot notes a configuration backup taken by the rollback
// guard and returns its id.
func (j *Journal) RecordSnapshot(configPath, snapshotPath, reason string) (int64, error) {
	res, err := j.db.Exec(
		`INSERT INTO config_snapshots (config_path, snapshot_path, taken_at, reason) VALUES (?, ?, ?, ?)`,
		configPath,
		snapshotPath,
		time.Now().UTC().Format(time.RFC3339),
		reason,
	)
	if err != nil {
		return 0, fmt.Errorf("record config snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read config snapshot id: %w", err)
	}
	return id, nil
}

// MarkRolledBack flags a snapshot as having been restored over its
// config file.
func (j *Journal) MarkRolledBack(snapshotID int64) error {
	res, err := j.db.Exec(`UPDATE config_snapshots SET rolled_back = 1 WHERE id = ?`, snapshotID)
	if err != nil {
		return fmt.Errorf("mark snapshot rolled back: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("confirm snapshot update: %w", err)
	}
	if n == 0 {
		return errors.New("mark snapshot rolled back: no such snapshot")
	}
	return nil
}

// Snapshots lists recorded backups for a config path, newest first.
func (j *Journal) Snapshots(configPath string) ([]Snapshot, error) {
	rows, err := j.db.Query(
		`SELECT id, config_path, snapshot_path, taken_at, reason, rolled_back
		 FROM config_snapshots WHERE config_path = ? ORDER BY id DESC`, configPath)
	if err != nil {
		return nil, fmt.Errorf("list config snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var taken string
		var rolledBack int
		if err := rows.Scan(&snap.ID, &snap.ConfigPath, &snap.SnapshotPath, &taken, &snap.Reason, &rolledBack); err != nil {
			return nil, fmt.Errorf("scan config snapshot row: %w", err)
		}
		snap.TakenAt, err = time.Parse(time.RFC3339, taken)
		if err != nil {
			return nil, fmt.Errorf("parse config snapshot time: %w", err)
		}
		snap.RolledBack = rolledBack != 0
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate config snapshot rows: %w", err)
	}
	return out, nil
}
