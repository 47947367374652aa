package storage

// DownloadRecord tracks one content key's download history across restarts.
// ResumeAttempts backs the bounded link-expiry resume policy.
type DownloadRecord struct {
	Key            string
	Status         string
	ResumeAttempts int
	UpdatedAt      string
}

// Ledger persists per-key download status and resume-attempt counts.
type Ledger interface {
	GetDownloads() ([]DownloadRecord, error)
	GetRecord(key string) (*DownloadRecord, error)
	UpdateStatus(key, status string) error
	RecordResumeAttempt(key string) (int, error)
	Forget(key string) error
}
