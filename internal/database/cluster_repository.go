package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jonesrussell/curator/internal/domain"
)

const clusterSelectColumns = `cl.id, cl.user_id, cl.content_category, cl.label, cl.short_description,
	cl.created_at, cl.updated_at, COUNT(m.user_save_id) AS item_count`

// ClusterRepository stores the clusters of each (user, category) partition.
// A partition is only ever written wholesale by ReplacePartition.
type ClusterRepository struct {
	db *sqlx.DB
}

// NewClusterRepository creates a new cluster repository.
func NewClusterRepository(db *sqlx.DB) *ClusterRepository {
	return &ClusterRepository{db: db}
}

// ReplacePartition deletes every cluster of the partition and inserts the
// given ones in a single transaction. Every member save must belong to the
// user, carry the partition's category, and appear in at most one cluster.
func (r *ClusterRepository) ReplacePartition(
	ctx context.Context, userID string, category domain.Category, clusters []domain.NewCluster,
) error {
	if !category.IsValid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidCategory, category)
	}

	saveIDs, err := partitionMembers(clusters)
	if err != nil {
		return err
	}

	key := domain.PartitionKey{UserID: userID, Category: category}.String()

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, lockErr := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); lockErr != nil {
			return fmt.Errorf("failed to lock partition: %w", lockErr)
		}

		if len(saveIDs) > 0 {
			if checkErr := checkPartitionMembers(ctx, tx, userID, category, saveIDs); checkErr != nil {
				return checkErr
			}
		}

		if _, delErr := tx.ExecContext(ctx,
			`DELETE FROM clusters WHERE user_id = $1 AND content_category = $2`, userID, category,
		); delErr != nil {
			return fmt.Errorf("failed to clear partition: %w", delErr)
		}

		for i := range clusters {
			if insErr := insertCluster(ctx, tx, userID, category, &clusters[i]); insErr != nil {
				return insErr
			}
		}
		return nil
	})
}

func partitionMembers(clusters []domain.NewCluster) ([]string, error) {
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, c := range clusters {
		if len(c.SaveIDs) == 0 {
			return nil, errors.New("cluster has no members")
		}
		for _, id := range c.SaveIDs {
			if _, dup := seen[id]; dup {
				return nil, fmt.Errorf("save %s assigned to more than one cluster", id)
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func checkPartitionMembers(
	ctx context.Context, tx *sqlx.Tx, userID string, category domain.Category, saveIDs []string,
) error {
	var matched int
	err := tx.GetContext(ctx, &matched, `
		SELECT COUNT(*)
		FROM user_content_saves s
		JOIN shared_content c ON c.id = s.shared_content_id
		WHERE s.id = ANY($1::uuid[]) AND s.user_id = $2 AND c.content_category = $3
	`, pq.Array(saveIDs), userID, category)
	if err != nil {
		return fmt.Errorf("failed to verify partition members: %w", err)
	}
	if matched != len(saveIDs) {
		return fmt.Errorf("%w: %d of %d saves match %s", domain.ErrCategoryMismatch, matched, len(saveIDs), category)
	}
	return nil
}

func insertCluster(
	ctx context.Context, tx *sqlx.Tx, userID string, category domain.Category, c *domain.NewCluster,
) error {
	var clusterID string
	err := tx.GetContext(ctx, &clusterID, `
		INSERT INTO clusters (user_id, content_category, label, short_description)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, userID, category, c.Label, nullIfEmpty(c.Description))
	if err != nil {
		return fmt.Errorf("failed to insert cluster: %w", err)
	}

	if _, memErr := tx.ExecContext(ctx, `
		INSERT INTO cluster_memberships (cluster_id, user_save_id)
		SELECT $1, unnest($2::uuid[])
	`, clusterID, pq.Array(c.SaveIDs)); memErr != nil {
		return fmt.Errorf("failed to insert cluster memberships: %w", memErr)
	}
	return nil
}

// ListForUser returns the user's clusters with their member counts, largest
// first. A nil category lists every partition.
func (r *ClusterRepository) ListForUser(
	ctx context.Context, userID string, category *domain.Category,
) ([]domain.Cluster, error) {
	args := []any{userID}
	where := "cl.user_id = $1"
	if category != nil {
		args = append(args, *category)
		where += " AND cl.content_category = $2"
	}

	query := `
		SELECT ` + clusterSelectColumns + `
		FROM clusters cl
		LEFT JOIN cluster_memberships m ON m.cluster_id = cl.id
		WHERE ` + where + `
		GROUP BY cl.id
		ORDER BY item_count DESC, cl.label, cl.id
	`

	clusters := make([]domain.Cluster, 0)
	if err := r.db.SelectContext(ctx, &clusters, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	return clusters, nil
}

// Get returns one of the user's clusters with its member saves.
func (r *ClusterRepository) Get(ctx context.Context, userID, clusterID string) (*domain.ClusterDetail, error) {
	var detail domain.ClusterDetail
	err := r.db.GetContext(ctx, &detail.Cluster, `
		SELECT `+clusterSelectColumns+`
		FROM clusters cl
		LEFT JOIN cluster_memberships m ON m.cluster_id = cl.id
		WHERE cl.id = $1 AND cl.user_id = $2
		GROUP BY cl.id
	`, clusterID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}

	detail.Items = make([]domain.SaveWithContent, 0, detail.ItemCount)
	err = r.db.SelectContext(ctx, &detail.Items, `
		SELECT `+saveWithContentColumn+`
		FROM cluster_memberships m
		JOIN user_content_saves s ON s.id = m.user_save_id
		JOIN shared_content c ON c.id = s.shared_content_id
		WHERE m.cluster_id = $1
		ORDER BY s.created_at DESC, s.id
	`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster members: %w", err)
	}
	return &detail, nil
}

// Delete removes one of the user's clusters. Members stay saved, unclustered
// until the next recompute.
func (r *ClusterRepository) Delete(ctx context.Context, userID, clusterID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM clusters WHERE id = $1 AND user_id = $2`, clusterID, userID)
	if reqErr := execRequireRows(result, err, domain.ErrNotFound); reqErr != nil {
		if errors.Is(reqErr, domain.ErrNotFound) {
			return reqErr
		}
		return fmt.Errorf("failed to delete cluster: %w", reqErr)
	}
	return nil
}
