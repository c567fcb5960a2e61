// Package storage defines the persisted records and repository contracts.
package storage

import (
	"context"
	"errors"
	"time"
)

// BookRequest statuses, mutated by admin action and by the orchestrator.
const (
	RequestPending         = "pending"
	RequestApproved        = "approved"
	RequestRejected        = "rejected"
	RequestCompleted       = "completed"
	RequestDownloadProblem = "download_problem"
)

// Download lifecycle statuses. Transitions are forward-only except the
// explicit failed -> pending retry; cancelled is reachable from any
// non-terminal status.
const (
	DownloadPending        = "pending"
	DownloadSearching      = "searching"
	DownloadFound          = "found"
	DownloadQueued         = "queued"
	DownloadDownloading    = "downloading"
	DownloadPostProcessing = "post_processing"
	DownloadCompleted      = "completed"
	DownloadFailed         = "failed"
	DownloadCancelled      = "cancelled"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrActiveDownloadExists guards the one-active-download-per-request invariant.
	ErrActiveDownloadExists = errors.New("request already has an active download")
	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid download status transition")
)

// IsTerminalDownloadStatus reports whether no further transitions are
// expected from the status (retry excepted).
func IsTerminalDownloadStatus(status string) bool {
	return status == DownloadCompleted || status == DownloadFailed || status == DownloadCancelled
}

// BookRequest is the read-mostly view of a requested book. The metadata
// fields come from the upstream request provider; only Status is written
// back by the orchestrator.
type BookRequest struct {
	ID          int64
	Title       string
	Author      string
	ISBN10      string
	ISBN13      string
	PublishYear int
	Language    string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Download is one attempt at acquiring a file for a request. Rows are never
// hard-deleted; they form the audit trail even after file cleanup.
type Download struct {
	ID            string
	RequestID     int64
	Source        string // marketplace | aggregator
	ExternalID    string // content hash or queue job id
	SearchMethod  string // isbn | title_author | manual
	FileType      string
	Status        string
	FilePath      string
	FileSize      int64
	ErrorMessage  string
	CandidateJSON string // selected candidate, kept for retry without re-search
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DailyStats is the per-day completed-download counter backing the quota.
type DailyStats struct {
	Date      string // YYYY-MM-DD
	Completed int
}

// RequestRepository reads request metadata and writes status changes.
type RequestRepository interface {
	GetRequest(ctx context.Context, id int64) (*BookRequest, error)
	UpdateRequestStatus(ctx context.Context, id int64, status string) error
}

// DownloadRepository persists download attempts.
type DownloadRepository interface {
	CreateDownload(ctx context.Context, d *Download) error
	GetDownload(ctx context.Context, id string) (*Download, error)
	ListDownloads(ctx context.Context, statuses ...string) ([]Download, error)
	ListActiveBySource(ctx context.Context, src string) ([]Download, error)
	UpdateDownloadStatus(ctx context.Context, id, status string) error
	SetExternalID(ctx context.Context, id, externalID string) error
	MarkDownloadCompleted(ctx context.Context, id, filePath string, fileSize int64) error
	MarkDownloadFailed(ctx context.Context, id, errorMessage string) error
	ResetDownloadForRetry(ctx context.Context, id string) error
	HasActiveDownload(ctx context.Context, requestID int64) (bool, error)
}

// StatsRepository maintains the daily quota counter.
type StatsRepository interface {
	CompletedOn(ctx context.Context, date string) (int, error)
	IncrementCompleted(ctx context.Context, date string) error
}
