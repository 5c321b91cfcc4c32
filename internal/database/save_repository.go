package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/curator/internal/domain"
)

const (
	defaultSavePageSize = 20
	maxSavePageSize     = 100
)

var saveFields = []string{
	"id", "user_id", "shared_content_id", "raw_share_text", "is_favorited", "is_archived",
	"last_viewed_at", "created_at", "updated_at",
}

var (
	saveReturningColumns  = strings.Join(saveFields, ", ")
	saveWithContentColumn = columns("s", saveFields) + ", " + nestedColumns("c", "content", contentFields)
)

// SaveRepository stores per-user saves and keeps each record's save counter
// in step with them.
type SaveRepository struct {
	db *sqlx.DB
}

// NewSaveRepository creates a new save repository.
func NewSaveRepository(db *sqlx.DB) *SaveRepository {
	return &SaveRepository{db: db}
}

// NewSave holds the fields of a save being created.
type NewSave struct {
	UserID    string
	ContentID string
	Note      string
}

// SaveFilter selects a page of a user's saves.
type SaveFilter struct {
	Category        *domain.Category
	Status          *domain.Status
	IncludeArchived bool
	Page            int
	PageSize        int
}

// Normalize clamps paging to sane bounds.
func (f *SaveFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = defaultSavePageSize
	}
	if f.PageSize > maxSavePageSize {
		f.PageSize = maxSavePageSize
	}
}

// SaveUpdate patches a save. Nil fields are left unchanged.
type SaveUpdate struct {
	Note      *string
	Favorited *bool
	Archived  *bool
}

// CategoryCount is the number of a user's saves in one category.
type CategoryCount struct {
	Category domain.Category `db:"content_category" json:"category"`
	Count    int             `db:"count"            json:"count"`
}

// Exists reports whether the user already saved the content.
func (r *SaveRepository) Exists(ctx context.Context, userID, contentID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM user_content_saves WHERE user_id = $1 AND shared_content_id = $2
		)
	`, userID, contentID)
	if err != nil {
		return false, fmt.Errorf("failed to check save existence: %w", err)
	}
	return exists, nil
}

// Create inserts the save and increments the content's save counter in one
// transaction. A save that already exists yields domain.ErrDuplicateSave.
func (r *SaveRepository) Create(ctx context.Context, ns NewSave) (*domain.UserSave, error) {
	var save domain.UserSave

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, ns.UserID,
		); err != nil {
			return fmt.Errorf("failed to ensure user: %w", err)
		}

		insertErr := tx.GetContext(ctx, &save, `
			INSERT INTO user_content_saves (user_id, shared_content_id, raw_share_text)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, shared_content_id) DO NOTHING
			RETURNING `+saveReturningColumns,
			ns.UserID, ns.ContentID, nullIfEmpty(ns.Note),
		)
		if insertErr != nil {
			if errors.Is(insertErr, sql.ErrNoRows) || isUniqueViolation(insertErr) {
				return domain.ErrDuplicateSave
			}
			return fmt.Errorf("failed to insert save: %w", insertErr)
		}

		return adjustSaveCount(ctx, tx, ns.ContentID, 1)
	})
	if err != nil {
		return nil, err
	}
	return &save, nil
}

// Delete removes the user's save and decrements the content's save counter
// in one transaction. Cluster memberships cascade with the save.
func (r *SaveRepository) Delete(ctx context.Context, userID, saveID string) (*domain.UserSave, error) {
	var save domain.UserSave

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		delErr := tx.GetContext(ctx, &save, `
			DELETE FROM user_content_saves
			WHERE id = $1 AND user_id = $2
			RETURNING `+saveReturningColumns,
			saveID, userID,
		)
		if delErr != nil {
			if errors.Is(delErr, sql.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("failed to delete save: %w", delErr)
		}

		return adjustSaveCount(ctx, tx, save.ContentID, -1)
	})
	if err != nil {
		return nil, err
	}
	return &save, nil
}

// Get returns one of the user's saves joined to its content.
func (r *SaveRepository) Get(ctx context.Context, userID, saveID string) (*domain.SaveWithContent, error) {
	query := `
		SELECT ` + saveWithContentColumn + `
		FROM user_content_saves s
		JOIN shared_content c ON c.id = s.shared_content_id
		WHERE s.id = $1 AND s.user_id = $2
	`

	var item domain.SaveWithContent
	if err := r.db.GetContext(ctx, &item, query, saveID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get save: %w", err)
	}
	return &item, nil
}

// ListForUser returns one page of the user's saves, newest first, and the
// total number matching the filter.
func (r *SaveRepository) ListForUser(
	ctx context.Context, userID string, filter SaveFilter,
) ([]domain.SaveWithContent, int, error) {
	filter.Normalize()

	conditions := []string{"s.user_id = $1"}
	args := []any{userID}

	if filter.Category != nil {
		args = append(args, *filter.Category)
		conditions = append(conditions, fmt.Sprintf("c.content_category = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		conditions = append(conditions, fmt.Sprintf("c.status = $%d", len(args)))
	}
	if !filter.IncludeArchived {
		conditions = append(conditions, "s.is_archived = FALSE")
	}

	from := `
		FROM user_content_saves s
		JOIN shared_content c ON c.id = s.shared_content_id
		WHERE ` + strings.Join(conditions, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) `+from, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count saves: %w", err)
	}

	limitPos := len(args) + 1
	pageQuery := `SELECT ` + saveWithContentColumn + from +
		fmt.Sprintf(` ORDER BY s.created_at DESC, s.id LIMIT $%d OFFSET $%d`, limitPos, limitPos+1)
	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)

	items := make([]domain.SaveWithContent, 0, filter.PageSize)
	if err := r.db.SelectContext(ctx, &items, pageQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list saves: %w", err)
	}
	return items, total, nil
}

// Update patches the note and flags of one of the user's saves.
func (r *SaveRepository) Update(
	ctx context.Context, userID, saveID string, upd SaveUpdate,
) (*domain.UserSave, error) {
	var save domain.UserSave
	err := r.db.GetContext(ctx, &save, `
		UPDATE user_content_saves SET
			raw_share_text = COALESCE($3, raw_share_text),
			is_favorited = COALESCE($4, is_favorited),
			is_archived = COALESCE($5, is_archived),
			updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING `+saveReturningColumns,
		saveID, userID, upd.Note, upd.Favorited, upd.Archived,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update save: %w", err)
	}
	return &save, nil
}

// ToggleFavorite flips the favorite flag.
func (r *SaveRepository) ToggleFavorite(ctx context.Context, userID, saveID string) (*domain.UserSave, error) {
	return r.toggle(ctx, userID, saveID, "is_favorited")
}

// ToggleArchive flips the archive flag.
func (r *SaveRepository) ToggleArchive(ctx context.Context, userID, saveID string) (*domain.UserSave, error) {
	return r.toggle(ctx, userID, saveID, "is_archived")
}

// toggle only receives column names from the methods above.
func (r *SaveRepository) toggle(ctx context.Context, userID, saveID, column string) (*domain.UserSave, error) {
	query := `
		UPDATE user_content_saves
		SET ` + column + ` = NOT ` + column + `, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING ` + saveReturningColumns

	var save domain.UserSave
	if err := r.db.GetContext(ctx, &save, query, saveID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to toggle %s: %w", column, err)
	}
	return &save, nil
}

// MarkViewed records that the user opened the save.
func (r *SaveRepository) MarkViewed(ctx context.Context, userID, saveID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE user_content_saves SET last_viewed_at = NOW()
		WHERE id = $1 AND user_id = $2
	`, saveID, userID)
	if reqErr := execRequireRows(result, err, domain.ErrNotFound); reqErr != nil {
		if errors.Is(reqErr, domain.ErrNotFound) {
			return reqErr
		}
		return fmt.Errorf("failed to mark save viewed: %w", reqErr)
	}
	return nil
}

// CategoryCounts returns how many unarchived saves the user has per
// assigned category.
func (r *SaveRepository) CategoryCounts(ctx context.Context, userID string) ([]CategoryCount, error) {
	counts := make([]CategoryCount, 0, len(domain.AllCategories()))
	err := r.db.SelectContext(ctx, &counts, `
		SELECT c.content_category, COUNT(*) AS count
		FROM user_content_saves s
		JOIN shared_content c ON c.id = s.shared_content_id
		WHERE s.user_id = $1 AND c.content_category IS NOT NULL AND s.is_archived = FALSE
		GROUP BY c.content_category
		ORDER BY count DESC, c.content_category
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count categories: %w", err)
	}
	return counts, nil
}

// ListPartition returns the user's READY saves in one category, ordered by
// save id so that every run sees the same item order.
func (r *SaveRepository) ListPartition(
	ctx context.Context, userID string, category domain.Category,
) ([]domain.PartitionItem, error) {
	items := make([]domain.PartitionItem, 0)
	err := r.db.SelectContext(ctx, &items, `
		SELECT s.id AS save_id, c.id AS content_id, c.title, c.topic_main, c.locations, c.summary
		FROM user_content_saves s
		JOIN shared_content c ON c.id = s.shared_content_id
		WHERE s.user_id = $1 AND c.status = 'READY' AND c.content_category = $2
		ORDER BY s.id
	`, userID, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list partition: %w", err)
	}
	return items, nil
}

// UserIDsForContent returns every user holding a save of the content.
func (r *SaveRepository) UserIDsForContent(ctx context.Context, contentID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT user_id FROM user_content_saves
		WHERE shared_content_id = $1
		ORDER BY user_id
	`, contentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list savers: %w", err)
	}
	return ids, nil
}
