package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"posting-video-pipeline/config"
	"posting-video-pipeline/types"
)

//go:embed schema.sql
var schemaSQL string

const postingColumns = `id, title, body, processing_status, script_text, heygen_video_id, s3_video_url,
	youtube_video_id, youtube_embed_url, error_message, created_at, updated_at`

// bumpUpdatedAt always moves updated_at strictly forward so it can serve as the claim version.
const bumpUpdatedAt = `updated_at = GREATEST(clock_timestamp(), updated_at + interval '1 microsecond')`

// Postgres is the RecordStore backed by a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a connection pool to cfg.URL.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool; the caller keeps ownership.
func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Close() { s.pool.Close() }

func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Migrate creates the postings table if it does not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Create inserts a pending posting. Ingestion normally happens elsewhere; this exists for seeding.
func (s *Postgres) Create(ctx context.Context, title, body string) (*types.Posting, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO postings (title, body) VALUES ($1, $2) RETURNING `+postingColumns, title, body)
	return scanPosting(row)
}

// Get returns the posting with id, or ErrPostingNotFound.
func (s *Postgres) Get(ctx context.Context, id int64) (*types.Posting, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postingColumns+` FROM postings WHERE id = $1`, id)
	p, err := scanPosting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("posting %d: %w", id, types.ErrPostingNotFound)
	}
	return p, err
}

// List returns every posting, newest first.
func (s *Postgres) List(ctx context.Context) ([]types.Posting, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+postingColumns+` FROM postings ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list postings: %w", err)
	}
	defer rows.Close()

	var out []types.Posting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// FetchNextEligible returns the oldest pending posting, or ErrNoEligiblePosting.
func (s *Postgres) FetchNextEligible(ctx context.Context) (*types.Posting, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postingColumns+` FROM postings
		WHERE processing_status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT 1`)
	p, err := scanPosting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNoEligiblePosting
	}
	return p, err
}

// Claim moves p to next only if the row still has the status and updated_at the
// caller observed. Zero rows changed means another execution got there first.
func (s *Postgres) Claim(ctx context.Context, p *types.Posting, next types.Status) (*types.Posting, error) {
	if !types.CanTransition(p.Status, next) {
		return nil, fmt.Errorf("claim posting %d %s -> %s: %w", p.ID, p.Status, next, types.ErrTransitionRejected)
	}
	row := s.pool.QueryRow(ctx, `UPDATE postings SET
			processing_status = $3,
			error_message = CASE WHEN processing_status = 'failed' THEN NULL ELSE error_message END,
			`+bumpUpdatedAt+`
		WHERE id = $1 AND processing_status = $2 AND updated_at = $4
		RETURNING `+postingColumns,
		p.ID, string(p.Status), string(next), p.UpdatedAt)
	claimed, err := scanPosting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("posting %d: %w", p.ID, types.ErrClaimLost)
	}
	if err != nil {
		return nil, fmt.Errorf("claim posting %d: %w", p.ID, err)
	}
	return claimed, nil
}

// UpdateStatus validates and writes the transition inside one transaction.
func (s *Postgres) UpdateStatus(ctx context.Context, id int64, status types.Status, errMsg *string) error {
	if status == types.StatusFailed && errMsg == nil {
		return fmt.Errorf("posting %d: failed status requires an error message", id)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			current       string
			stored, embed *string
		)
		err := tx.QueryRow(ctx, `SELECT processing_status, s3_video_url, youtube_embed_url
			FROM postings WHERE id = $1 FOR UPDATE`, id).Scan(&current, &stored, &embed)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("posting %d: %w", id, types.ErrPostingNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock posting %d: %w", id, err)
		}
		from, err := types.ParseStatus(current)
		if err != nil {
			return fmt.Errorf("posting %d: %w", id, err)
		}
		if !types.CanTransition(from, status) {
			return fmt.Errorf("posting %d %s -> %s: %w", id, from, status, types.ErrTransitionRejected)
		}
		if status == types.StatusCompleted && (stored == nil || embed == nil) {
			return fmt.Errorf("posting %d: completed requires stored and published urls: %w", id, types.ErrTransitionRejected)
		}
		_, err = tx.Exec(ctx, `UPDATE postings SET
				processing_status = $2,
				error_message = COALESCE($3, error_message),
				`+bumpUpdatedAt+`
			WHERE id = $1`, id, string(status), errMsg)
		if err != nil {
			return fmt.Errorf("update status of posting %d: %w", id, err)
		}
		return nil
	})
}

// UpdateResult writes every non-nil field; nil fields keep their stored value.
func (s *Postgres) UpdateResult(ctx context.Context, id int64, fields types.ResultFields) error {
	if fields.Empty() {
		return nil
	}
	tag, err := s.pool.Exec(ctx, `UPDATE postings SET
			script_text = COALESCE($2, script_text),
			heygen_video_id = COALESCE($3, heygen_video_id),
			s3_video_url = COALESCE($4, s3_video_url),
			youtube_video_id = COALESCE($5, youtube_video_id),
			youtube_embed_url = COALESCE($6, youtube_embed_url),
			`+bumpUpdatedAt+`
		WHERE id = $1`,
		id, fields.ScriptText, fields.HeygenVideoID, fields.S3VideoURL, fields.YouTubeVideoID, fields.YouTubeEmbedURL)
	if err != nil {
		return fmt.Errorf("update result of posting %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("posting %d: %w", id, types.ErrPostingNotFound)
	}
	return nil
}

func scanPosting(row pgx.Row) (*types.Posting, error) {
	var (
		p      types.Posting
		status string
	)
	err := row.Scan(&p.ID, &p.Title, &p.Body, &status, &p.ScriptText, &p.HeygenVideoID, &p.S3VideoURL,
		&p.YouTubeVideoID, &p.YouTubeEmbedURL, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if p.Status, err = types.ParseStatus(status); err != nil {
		return nil, fmt.Errorf("posting %d: %w", p.ID, err)
	}
	return &p, nil
}
