package sqlite

import (
	"context"
	"database/sql"

	"github.com/xibo-players/xiboplayer-sub005/internal/storage"
	"github.com/xibo-players/xiboplayer-sub005/internal/telemetry"
)

// InstrumentedLedgerRepository wraps LedgerRepository with telemetry.
type InstrumentedLedgerRepository struct {
	repo      *LedgerRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedLedgerRepository creates a new instrumented ledger repository.
func NewInstrumentedLedgerRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedLedgerRepository {
	return &InstrumentedLedgerRepository{
		repo:      NewLedgerRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedLedgerRepository) GetDownloads() ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentLedgerOperation(context.Background(), "get_downloads", func(ctx context.Context) error {
		result, err = r.repo.GetDownloads()

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedLedgerRepository) GetRecord(key string) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentLedgerOperation(context.Background(), "get_record", func(ctx context.Context) error {
		result, err = r.repo.GetRecord(key)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedLedgerRepository) UpdateStatus(key, status string) error {
	return r.telemetry.InstrumentLedgerOperation(context.Background(), "update_status", func(ctx context.Context) error {
		return r.repo.UpdateStatus(key, status)
	})
}

func (r *InstrumentedLedgerRepository) RecordResumeAttempt(key string) (int, error) {
	var result int

	var err error

	instrumentedErr := r.telemetry.InstrumentLedgerOperation(context.Background(), "record_resume_attempt", func(ctx context.Context) error {
		result, err = r.repo.RecordResumeAttempt(key)

		return err
	})

	if instrumentedErr != nil {
		return 0, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedLedgerRepository) Forget(key string) error {
	return r.telemetry.InstrumentLedgerOperation(context.Background(), "forget", func(ctx context.Context) error {
		return r.repo.Forget(key)
	})
}
