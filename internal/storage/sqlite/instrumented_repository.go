package sqlite

import (
	"context"
	"database/sql"

	"github.com/bookhoundapp/bookhound/internal/storage"
	"github.com/bookhoundapp/bookhound/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedDownloadRepository) CreateDownload(ctx context.Context, d *storage.Download) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_download", func(ctx context.Context) error {
		return r.repo.CreateDownload(ctx, d)
	})
}

func (r *InstrumentedDownloadRepository) GetDownload(ctx context.Context, id string) (*storage.Download, error) {
	var result *storage.Download

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		result, err = r.repo.GetDownload(ctx, id)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedDownloadRepository) ListDownloads(ctx context.Context, statuses ...string) ([]storage.Download, error) {
	var result []storage.Download

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_downloads", func(ctx context.Context) error {
		result, err = r.repo.ListDownloads(ctx, statuses...)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedDownloadRepository) ListActiveBySource(ctx context.Context, src string) ([]storage.Download, error) {
	var result []storage.Download

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_active_by_source", func(ctx context.Context) error {
		result, err = r.repo.ListActiveBySource(ctx, src)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedDownloadRepository) UpdateDownloadStatus(ctx context.Context, id, status string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download_status", func(ctx context.Context) error {
		return r.repo.UpdateDownloadStatus(ctx, id, status)
	})
}

func (r *InstrumentedDownloadRepository) SetExternalID(ctx context.Context, id, externalID string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "set_external_id", func(ctx context.Context) error {
		return r.repo.SetExternalID(ctx, id, externalID)
	})
}

func (r *InstrumentedDownloadRepository) MarkDownloadCompleted(ctx context.Context, id, filePath string, fileSize int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_download_completed", func(ctx context.Context) error {
		return r.repo.MarkDownloadCompleted(ctx, id, filePath, fileSize)
	})
}

func (r *InstrumentedDownloadRepository) MarkDownloadFailed(ctx context.Context, id, errorMessage string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_download_failed", func(ctx context.Context) error {
		return r.repo.MarkDownloadFailed(ctx, id, errorMessage)
	})
}

func (r *InstrumentedDownloadRepository) ResetDownloadForRetry(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "reset_download_for_retry", func(ctx context.Context) error {
		return r.repo.ResetDownloadForRetry(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) HasActiveDownload(ctx context.Context, requestID int64) (bool, error) {
	var result bool

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "has_active_download", func(ctx context.Context) error {
		result, err = r.repo.HasActiveDownload(ctx, requestID)

		return err
	})

	if instrumentedErr != nil {
		return false, instrumentedErr
	}

	return result, nil
}
