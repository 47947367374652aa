package sqlite

import (
	"database/sql"
	"time"

	"github.com/xibo-players/xiboplayer-sub005/internal/storage"
)

// LedgerRepository is the SQLite implementation of storage.Ledger.
type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(dbConn *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: dbConn}
}

func (r *LedgerRepository) GetDownloads() ([]storage.DownloadRecord, error) {
	rows, err := r.db.Query(`SELECT content_key, status, resume_attempts, updated_at FROM downloads`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		var record storage.DownloadRecord

		var updatedAt sql.NullString

		if err := rows.Scan(&record.Key, &record.Status, &record.ResumeAttempts, &updatedAt); err != nil {
			return nil, err
		}

		if updatedAt.Valid {
			record.UpdatedAt = updatedAt.String
		}

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}

func (r *LedgerRepository) GetRecord(key string) (*storage.DownloadRecord, error) {
	var record storage.DownloadRecord

	var updatedAt sql.NullString

	err := r.db.QueryRow(
		`SELECT content_key, status, resume_attempts, updated_at FROM downloads WHERE content_key = ?`, key,
	).Scan(&record.Key, &record.Status, &record.ResumeAttempts, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if updatedAt.Valid {
		record.UpdatedAt = updatedAt.String
	}

	return &record, nil
}

// UpdateStatus upserts the status for a content key.
func (r *LedgerRepository) UpdateStatus(key, status string) error {
	_, err := r.db.Exec(`
		INSERT INTO downloads (content_key, status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(content_key) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`, key, status, time.Now().Format(time.RFC3339))

	return err
}

// RecordResumeAttempt increments and returns the resume counter for a key.
func (r *LedgerRepository) RecordResumeAttempt(key string) (int, error) {
	_, err := r.db.Exec(`
		INSERT INTO downloads (content_key, status, resume_attempts, updated_at)
		VALUES (?, 'abandoned', 1, ?)
		ON CONFLICT(content_key) DO UPDATE SET
			status = 'abandoned',
			resume_attempts = downloads.resume_attempts + 1,
			updated_at = excluded.updated_at
	`, key, time.Now().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}

	var attempts int
	if err := r.db.QueryRow(`SELECT resume_attempts FROM downloads WHERE content_key = ?`, key).Scan(&attempts); err != nil {
		return 0, err
	}

	return attempts, nil
}

// Forget drops the record for a key, resetting its resume history.
func (r *LedgerRepository) Forget(key string) error {
	_, err := r.db.Exec(`DELETE FROM downloads WHERE content_key = ?`, key)

	return err
}
