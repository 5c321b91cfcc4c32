package domain

import "time"

// Cluster is a thematic group inside one (user, category) partition.
type Cluster struct {
	ID               string    `db:"id"                json:"id"`
	UserID           string    `db:"user_id"           json:"user_id"`
	Category         Category  `db:"content_category"  json:"category"`
	Label            string    `db:"label"             json:"label"`
	ShortDescription *string   `db:"short_description" json:"short_description,omitempty"`
	ItemCount        int       `db:"item_count"        json:"item_count"`
	CreatedAt        time.Time `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"        json:"updated_at"`
}

// ClusterDetail is a cluster with its member saves.
type ClusterDetail struct {
	Cluster
	Items []SaveWithContent `json:"items"`
}

// ClusterLabel is produced by a labeler for one cluster.
type ClusterLabel struct {
	Label       string
	Description string
}

// NewCluster is a freshly computed cluster awaiting persistence.
type NewCluster struct {
	Label       string
	Description string
	SaveIDs     []string
}

// PartitionKey identifies a (user, category) partition.
type PartitionKey struct {
	UserID   string
	Category Category
}

func (k PartitionKey) String() string {
	return k.UserID + ":" + string(k.Category)
}
