package sqlite

import (
	"context"
	"database/sql"

	"github.com/bookhoundapp/bookhound/internal/storage"
)

// StatsRepository maintains the per-day completed-download counter.
type StatsRepository struct {
	db *sql.DB
}

func NewStatsRepository(dbConn *sql.DB) *StatsRepository {
	return &StatsRepository{db: dbConn}
}

var _ storage.StatsRepository = (*StatsRepository)(nil)

func (r *StatsRepository) CompletedOn(ctx context.Context, date string) (int, error) {
	var completed int

	err := r.db.QueryRowContext(ctx, `SELECT completed FROM download_stats WHERE date = ?`, date).Scan(&completed)
	if err == sql.ErrNoRows {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return completed, nil
}

// IncrementCompleted bumps the counter for the date with a single atomic
// upsert, so concurrent completion paths cannot lose increments.
func (r *StatsRepository) IncrementCompleted(ctx context.Context, date string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO download_stats (date, completed) VALUES (?, 1)
		ON CONFLICT(date) DO UPDATE SET completed = completed + 1`, date)

	return err
}
