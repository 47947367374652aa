package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

func TestGetRecordMissingKey(t *testing.T) {
	repo := NewLedgerRepository(newTestDB(t))

	record, err := repo.GetRecord("media/none")
	require.NoError(t, err)
	require.Nil(t, record)
}

func TestUpdateStatusUpserts(t *testing.T) {
	repo := NewLedgerRepository(newTestDB(t))

	require.NoError(t, repo.UpdateStatus("media/1", "failed"))

	record, err := repo.GetRecord("media/1")
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, "failed", record.Status)
	require.Equal(t, 0, record.ResumeAttempts)

	require.NoError(t, repo.UpdateStatus("media/1", "complete"))

	record, err = repo.GetRecord("media/1")
	require.NoError(t, err)
	require.Equal(t, "complete", record.Status)

	downloads, err := repo.GetDownloads()
	require.NoError(t, err)
	require.Len(t, downloads, 1, "upsert must not create duplicate rows")
}

// TestRecordResumeAttemptCounts verifies the resume counter grows by one per
// abandonment and marks the record abandoned.
func TestRecordResumeAttemptCounts(t *testing.T) {
	repo := NewLedgerRepository(newTestDB(t))

	attempts, err := repo.RecordResumeAttempt("media/1")
	require.NoError(t, err)
	require.Equal(t, 1, attempts)

	attempts, err = repo.RecordResumeAttempt("media/1")
	require.NoError(t, err)
	require.Equal(t, 2, attempts)

	record, err := repo.GetRecord("media/1")
	require.NoError(t, err)
	require.Equal(t, "abandoned", record.Status)
	require.Equal(t, 2, record.ResumeAttempts)
}

// TestForgetResetsHistory verifies Forget drops the row so the next resume
// attempt starts counting from one again.
func TestForgetResetsHistory(t *testing.T) {
	repo := NewLedgerRepository(newTestDB(t))

	_, err := repo.RecordResumeAttempt("media/1")
	require.NoError(t, err)

	require.NoError(t, repo.Forget("media/1"))

	record, err := repo.GetRecord("media/1")
	require.NoError(t, err)
	require.Nil(t, record)

	attempts, err := repo.RecordResumeAttempt("media/1")
	require.NoError(t, err)
	require.Equal(t, 1, attempts)
}

func TestGetDownloads(t *testing.T) {
	repo := NewLedgerRepository(newTestDB(t))

	require.NoError(t, repo.UpdateStatus("media/1", "complete"))
	require.NoError(t, repo.UpdateStatus("layout/2", "failed"))

	downloads, err := repo.GetDownloads()
	require.NoError(t, err)
	require.Len(t, downloads, 2)

	byKey := make(map[string]string, len(downloads))
	for _, d := range downloads {
		byKey[d.Key] = d.Status
	}

	require.Equal(t, "complete", byKey["media/1"])
	require.Equal(t, "failed", byKey["layout/2"])
}
