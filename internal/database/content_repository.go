package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/curator/internal/domain"
	"github.com/jonesrussell/curator/internal/fingerprint"
)

var contentFields = []string{
	"id", "url_hash", "url", "source_platform", "status", "content_category", "save_count",
	"title", "caption", "description", "thumbnail_url", "duration_seconds", "content_text",
	"topic_main", "subcategories", "locations", "entities", "intent", "summary", "embedding_id",
	"created_at", "updated_at",
}

var contentSelectColumns = columns("c", contentFields)

// ContentRepository is the registry of shared content records, one per
// unique URL fingerprint.
type ContentRepository struct {
	db *sqlx.DB
}

// NewContentRepository creates a new content repository.
func NewContentRepository(db *sqlx.DB) *ContentRepository {
	return &ContentRepository{db: db}
}

// NewContent is the identity of a record to resolve or create.
type NewContent struct {
	Fingerprint string
	URL         string
	Platform    domain.Platform
}

// ResolveOrCreate inserts a PENDING record for the fingerprint, or returns
// the existing one with created=false. Concurrent callers racing on the same
// fingerprint all receive the single row the unique constraint admits.
func (r *ContentRepository) ResolveOrCreate(
	ctx context.Context, nc NewContent,
) (*domain.ContentRecord, bool, error) {
	if !fingerprint.Valid(nc.Fingerprint) {
		return nil, false, domain.ErrInvalidFingerprint
	}
	if nc.Platform == "" {
		nc.Platform = domain.PlatformUnknown
	}

	query := `
		INSERT INTO shared_content AS c (url_hash, url, source_platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (url_hash) DO NOTHING
		RETURNING ` + contentSelectColumns

	var rec domain.ContentRecord
	err := r.db.GetContext(ctx, &rec, query, nc.Fingerprint, nc.URL, nc.Platform)
	if err == nil {
		return &rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert shared content: %w", err)
	}

	existing, getErr := r.GetByFingerprint(ctx, nc.Fingerprint)
	if getErr != nil {
		return nil, false, getErr
	}
	return existing, false, nil
}

// TransitionStatus moves a record from one status to another only if its
// current status equals from. PROCESSING→READY is reserved for
// CompleteProcessing, which writes the category in the same statement.
func (r *ContentRepository) TransitionStatus(
	ctx context.Context, id string, from, to domain.Status,
) (bool, error) {
	if err := domain.ValidateStatusTransition(from, to); err != nil {
		return false, err
	}
	if to == domain.StatusReady {
		return false, fmt.Errorf("%w: READY requires CompleteProcessing", domain.ErrInvalidTransition)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE shared_content
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	ok, casErr := casApplied(result, err)
	if casErr != nil {
		return false, fmt.Errorf("failed to transition content status: %w", casErr)
	}
	return ok, nil
}

// CompleteProcessing moves a PROCESSING record to READY and writes its
// category and analysis in one statement. The category is only ever written
// here and only while it is still unset.
func (r *ContentRepository) CompleteProcessing(
	ctx context.Context, id string, a domain.Analysis,
) (bool, error) {
	if !a.Category.IsValid() {
		return false, fmt.Errorf("%w: %q", domain.ErrInvalidCategory, a.Category)
	}

	query := `
		UPDATE shared_content SET
			status = 'READY',
			content_category = $2,
			title = $3,
			caption = $4,
			description = $5,
			thumbnail_url = $6,
			duration_seconds = NULLIF($7, 0),
			content_text = $8,
			topic_main = $9,
			subcategories = $10,
			locations = $11,
			entities = $12,
			intent = $13,
			summary = $14,
			embedding_id = $15,
			updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING' AND content_category IS NULL
	`

	m := a.Metadata
	result, err := r.db.ExecContext(ctx, query,
		id, a.Category,
		nullIfEmpty(m.Title), nullIfEmpty(m.Caption), nullIfEmpty(m.Description),
		nullIfEmpty(m.ThumbnailURL), m.DurationSeconds,
		nullIfEmpty(a.ContentText), nullIfEmpty(a.Topic),
		domain.StringList(a.Subcategories), domain.StringList(a.Locations), domain.StringList(a.Entities),
		nullIfEmpty(string(a.Intent)), nullIfEmpty(a.Summary), nullIfEmpty(a.EmbeddingID),
	)
	ok, casErr := casApplied(result, err)
	if casErr != nil {
		if isCheckViolation(casErr) {
			return false, domain.ErrCategoryImmutable
		}
		return false, fmt.Errorf("failed to complete processing: %w", casErr)
	}
	return ok, nil
}

// AdjustSaveCount applies delta to the record's save counter inside the
// caller's transaction, next to the save insert or delete it accounts for.
func (r *ContentRepository) AdjustSaveCount(ctx context.Context, tx *sqlx.Tx, id string, delta int) error {
	return adjustSaveCount(ctx, tx, id, delta)
}

func adjustSaveCount(ctx context.Context, tx *sqlx.Tx, id string, delta int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE shared_content
		SET save_count = save_count + $2, updated_at = NOW()
		WHERE id = $1
	`, id, delta)
	if reqErr := execRequireRows(result, err, domain.ErrNotFound); reqErr != nil {
		if errors.Is(reqErr, domain.ErrNotFound) {
			return reqErr
		}
		return fmt.Errorf("failed to adjust save count: %w", reqErr)
	}
	return nil
}

// Get returns the record by id.
func (r *ContentRepository) Get(ctx context.Context, id string) (*domain.ContentRecord, error) {
	return r.getBy(ctx, "c.id", id)
}

// GetByFingerprint returns the record for a URL fingerprint.
func (r *ContentRepository) GetByFingerprint(ctx context.Context, fp string) (*domain.ContentRecord, error) {
	return r.getBy(ctx, "c.url_hash", fp)
}

func (r *ContentRepository) getBy(ctx context.Context, column, value string) (*domain.ContentRecord, error) {
	query := `SELECT ` + contentSelectColumns + ` FROM shared_content c WHERE ` + column + ` = $1`

	var rec domain.ContentRecord
	if err := r.db.GetContext(ctx, &rec, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get shared content: %w", err)
	}
	return &rec, nil
}
