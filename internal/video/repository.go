package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pseudotube/pseudotube/internal/database"
)

var errHandleTaken = errors.New("video handle already exists")

// Repository persists Video rows. Status changes out of processing are
// conditional updates so that only one caller ever wins a transition.
type Repository interface {
	Create(ctx context.Context, nv NewVideo) (*Video, error)
	AttachJob(ctx context.Context, handle, jobRef string, sourceDuration float64) error
	GetByHandle(ctx context.Context, handle string) (*Video, error)
	GetByJobRef(ctx context.Context, jobRef string) (*Video, error)
	MarkReady(ctx context.Context, handle, thumbnailURL string) (bool, error)
	MarkFailed(ctx context.Context, handle, reason string) (bool, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]Video, error)
	MarkChecked(ctx context.Context, handle string) error
	FailOrphaned(ctx context.Context, before time.Time, reason string) (int64, error)
	Delete(ctx context.Context, handle string) error
	InsertView(ctx context.Context, rec ViewRecord) error
	CountViews(ctx context.Context, videoID int64) (int64, error)
}

const videoColumns = `id, hash, owner_id, title, description, hidden, status, job_ref, completed_job_ref,
	source_duration, duration, thumbnail_url, failure_reason, created_at, updated_at`

type PostgresRepository struct {
	db database.DBTX
}

func NewPostgresRepository(db database.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanVideo(row pgx.Row) (*Video, error) {
	var v Video
	var status string
	var sourceDuration, duration *float64
	var thumbnailURL, failureReason *string
	if err := row.Scan(&v.ID, &v.Handle, &v.OwnerID, &v.Title, &v.Description, &v.Hidden, &status,
		&v.JobRef, &v.CompletedJobRef, &sourceDuration, &duration, &thumbnailURL, &failureReason,
		&v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	v.Status = Status(status)
	if sourceDuration != nil {
		v.SourceDuration = *sourceDuration
	}
	if duration != nil {
		v.Duration = *duration
	}
	if thumbnailURL != nil {
		v.ThumbnailURL = *thumbnailURL
	}
	if failureReason != nil {
		v.FailureReason = *failureReason
	}
	return &v, nil
}

func (r *PostgresRepository) Create(ctx context.Context, nv NewVideo) (*Video, error) {
	v, err := scanVideo(r.db.QueryRow(ctx,
		`INSERT INTO videos (hash, owner_id, title, description) VALUES ($1, $2, $3, $4)
		 RETURNING `+videoColumns,
		nv.Handle, nv.OwnerID, nv.Title, nv.Description,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, errHandleTaken
		}
		return nil, fmt.Errorf("insert video: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) AttachJob(ctx context.Context, handle, jobRef string, sourceDuration float64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE videos SET job_ref = $2, source_duration = $3, updated_at = now()
		 WHERE hash = $1 AND status = 'processing' AND job_ref IS NULL`,
		handle, jobRef, sourceDuration,
	)
	if err != nil {
		return fmt.Errorf("attach job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidJobState
	}
	return nil
}

func (r *PostgresRepository) GetByHandle(ctx context.Context, handle string) (*Video, error) {
	v, err := scanVideo(r.db.QueryRow(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE hash = $1`, handle))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVideoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get video: %w", err)
	}
	return v, nil
}

// GetByJobRef also matches the job that already moved the record to a
// terminal state, so redelivered notifications resolve to a no-op.
func (r *PostgresRepository) GetByJobRef(ctx context.Context, jobRef string) (*Video, error) {
	v, err := scanVideo(r.db.QueryRow(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE job_ref = $1 OR completed_job_ref = $1 LIMIT 1`, jobRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get video by job: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) MarkReady(ctx context.Context, handle, thumbnailURL string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE videos SET status = 'ready', completed_job_ref = COALESCE(job_ref, completed_job_ref), job_ref = NULL,
		 duration = source_duration, thumbnail_url = $2, updated_at = now()
		 WHERE hash = $1 AND status = 'processing'`,
		handle, thumbnailURL,
	)
	if err != nil {
		return false, fmt.Errorf("mark ready: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, handle, reason string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE videos SET status = 'failed', completed_job_ref = COALESCE(job_ref, completed_job_ref), job_ref = NULL,
		 failure_reason = $2, updated_at = now()
		 WHERE hash = $1 AND status = 'processing'`,
		handle, reason,
	)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]Video, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+videoColumns+` FROM videos
		 WHERE status = 'processing' AND job_ref IS NOT NULL AND updated_at < $1
		 ORDER BY updated_at LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale videos: %w", err)
	}
	defer rows.Close()

	var videos []Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale video: %w", err)
		}
		videos = append(videos, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale videos: %w", err)
	}
	return videos, nil
}

// MarkChecked moves a still-running job to the back of the stale queue.
func (r *PostgresRepository) MarkChecked(ctx context.Context, handle string) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE videos SET updated_at = now() WHERE hash = $1 AND status = 'processing'`,
		handle,
	); err != nil {
		return fmt.Errorf("mark video checked: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FailOrphaned(ctx context.Context, before time.Time, reason string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE videos SET status = 'failed', failure_reason = $2, updated_at = now()
		 WHERE status = 'processing' AND job_ref IS NULL AND updated_at < $1`,
		before, reason,
	)
	if err != nil {
		return 0, fmt.Errorf("fail orphaned videos: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) Delete(ctx context.Context, handle string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM videos WHERE hash = $1`, handle)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVideoNotFound
	}
	return nil
}

func (r *PostgresRepository) InsertView(ctx context.Context, rec ViewRecord) error {
	var userID *string
	if rec.UserID != "" {
		userID = &rec.UserID
	}
	if _, err := r.db.Exec(ctx,
		`INSERT INTO video_views (video_id, user_id, browser, device, country) VALUES ($1, $2, $3, $4, $5)`,
		rec.VideoID, userID, rec.Browser, rec.Device, rec.Country,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrVideoNotFound
		}
		return fmt.Errorf("insert view: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CountViews(ctx context.Context, videoID int64) (int64, error) {
	var count int64
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM video_views WHERE video_id = $1`, videoID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count views: %w", err)
	}
	return count, nil
}
