package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bookhoundapp/bookhound/internal/storage"
)

type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

const downloadColumns = `id, request_id, source, external_id, search_method, file_type,
	status, file_path, file_size, error_message, candidate_json, created_at, updated_at`

func (r *DownloadRepository) CreateDownload(ctx context.Context, d *storage.Download) error {
	active, err := r.HasActiveDownload(ctx, d.RequestID)
	if err != nil {
		return err
	}

	if active {
		return storage.ErrActiveDownloadExists
	}

	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `INSERT INTO downloads
		(id, request_id, source, external_id, search_method, file_type, status,
		 file_path, file_size, error_message, candidate_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RequestID, d.Source, d.ExternalID, d.SearchMethod, d.FileType, d.Status,
		d.FilePath, d.FileSize, d.ErrorMessage, d.CandidateJSON,
		d.CreatedAt.Format(time.RFC3339), d.UpdatedAt.Format(time.RFC3339),
	)

	return err
}

func (r *DownloadRepository) GetDownload(ctx context.Context, id string) (*storage.Download, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)

	d, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return d, nil
}

func (r *DownloadRepository) ListDownloads(ctx context.Context, statuses ...string) ([]storage.Download, error) {
	query := `SELECT ` + downloadColumns + ` FROM downloads`

	var args []any

	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}

	query += ` ORDER BY created_at DESC`

	return r.queryDownloads(ctx, query, args...)
}

// ListActiveBySource returns the downloads the reconciliation poller cares
// about: submitted to the given source and not yet terminal.
func (r *DownloadRepository) ListActiveBySource(ctx context.Context, src string) ([]storage.Download, error) {
	return r.queryDownloads(ctx, `SELECT `+downloadColumns+` FROM downloads
		WHERE source = ? AND status IN ('pending', 'queued', 'downloading')`, src)
}

func (r *DownloadRepository) UpdateDownloadStatus(ctx context.Context, id, status string) error {
	return r.exec(ctx, `UPDATE downloads SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), id)
}

// SetExternalID stores the downstream job id assigned on submission.
func (r *DownloadRepository) SetExternalID(ctx context.Context, id, externalID string) error {
	return r.exec(ctx, `UPDATE downloads SET external_id = ?, updated_at = ? WHERE id = ?`,
		externalID, time.Now().UTC().Format(time.RFC3339), id)
}

func (r *DownloadRepository) MarkDownloadCompleted(ctx context.Context, id, filePath string, fileSize int64) error {
	return r.exec(ctx, `UPDATE downloads
		SET status = 'completed', file_path = ?, file_size = ?, error_message = '', updated_at = ?
		WHERE id = ?`,
		filePath, fileSize, time.Now().UTC().Format(time.RFC3339), id)
}

func (r *DownloadRepository) MarkDownloadFailed(ctx context.Context, id, errorMessage string) error {
	return r.exec(ctx, `UPDATE downloads SET status = 'failed', error_message = ?, updated_at = ? WHERE id = ?`,
		errorMessage, time.Now().UTC().Format(time.RFC3339), id)
}

// ResetDownloadForRetry moves a failed download back to pending and clears
// its error. The status guard keeps the transition legal only from failed.
func (r *DownloadRepository) ResetDownloadForRetry(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE downloads
		SET status = 'pending', error_message = '', updated_at = ?
		WHERE id = ? AND status = 'failed'`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrInvalidTransition
	}

	return nil
}

// HasActiveDownload reports whether the request already has a download that
// is neither failed nor cancelled nor completed.
func (r *DownloadRepository) HasActiveDownload(ctx context.Context, requestID int64) (bool, error) {
	var count int

	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM downloads
		WHERE request_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`, requestID).Scan(&count)
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

func (r *DownloadRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *DownloadRepository) queryDownloads(ctx context.Context, query string, args ...any) ([]storage.Download, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.Download

	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, *d)
	}

	return downloads, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (*storage.Download, error) {
	var (
		d                  storage.Download
		extID, method      sql.NullString
		fileType, filePath sql.NullString
		errMsg, candJSON   sql.NullString
		createdAt, updated sql.NullString
	)

	err := row.Scan(&d.ID, &d.RequestID, &d.Source, &extID, &method, &fileType,
		&d.Status, &filePath, &d.FileSize, &errMsg, &candJSON, &createdAt, &updated)
	if err != nil {
		return nil, err
	}

	d.ExternalID = extID.String
	d.SearchMethod = method.String
	d.FileType = fileType.String
	d.FilePath = filePath.String
	d.ErrorMessage = errMsg.String
	d.CandidateJSON = candJSON.String

	if createdAt.Valid {
		d.CreatedAt, err = time.Parse(time.RFC3339, createdAt.String)
		if err != nil {
			return nil, fmt.Errorf("invalid created_at for download %s: %w", d.ID, err)
		}
	}

	if updated.Valid {
		d.UpdatedAt, err = time.Parse(time.RFC3339, updated.String)
		if err != nil {
			return nil, fmt.Errorf("invalid updated_at for download %s: %w", d.ID, err)
		}
	}

	return &d, nil
}
