package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/bookhoundapp/bookhound/internal/storage"
)

// RequestRepository reads book-request metadata and writes status changes.
// Request rows are created upstream; this process only consumes them.
type RequestRepository struct {
	db *sql.DB
}

func NewRequestRepository(dbConn *sql.DB) *RequestRepository {
	return &RequestRepository{db: dbConn}
}

func (r *RequestRepository) GetRequest(ctx context.Context, id int64) (*storage.BookRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, title, author, isbn10, isbn13,
		publish_year, language, status, created_at, updated_at
		FROM book_requests WHERE id = ?`, id)

	var (
		req                storage.BookRequest
		author, isbn10     sql.NullString
		isbn13, language   sql.NullString
		year               sql.NullInt64
		createdAt, updated sql.NullString
	)

	err := row.Scan(&req.ID, &req.Title, &author, &isbn10, &isbn13, &year, &language,
		&req.Status, &createdAt, &updated)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	req.Author = author.String
	req.ISBN10 = isbn10.String
	req.ISBN13 = isbn13.String
	req.Language = language.String
	req.PublishYear = int(year.Int64)

	if createdAt.Valid {
		req.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
	}

	if updated.Valid {
		req.UpdatedAt, _ = time.Parse(time.RFC3339, updated.String)
	}

	return &req, nil
}

func (r *RequestRepository) UpdateRequestStatus(ctx context.Context, id int64, status string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE book_requests SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), id)
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
