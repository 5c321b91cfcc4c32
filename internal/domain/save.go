package domain

import "time"

// UserSave is one user's association with a ContentRecord.
type UserSave struct {
	ID           string     `db:"id"                json:"id"`
	UserID       string     `db:"user_id"           json:"user_id"`
	ContentID    string     `db:"shared_content_id" json:"content_id"`
	Note         *string    `db:"raw_share_text"    json:"note,omitempty"`
	Favorited    bool       `db:"is_favorited"      json:"is_favorited"`
	Archived     bool       `db:"is_archived"       json:"is_archived"`
	LastViewedAt *time.Time `db:"last_viewed_at"    json:"last_viewed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"        json:"updated_at"`
}

// SaveWithContent is a save joined to its shared record, used by list views.
type SaveWithContent struct {
	UserSave
	Content ContentRecord `db:"content" json:"content"`
}

// PartitionItem is one READY save inside a (user, category) partition.
type PartitionItem struct {
	SaveID    string     `db:"save_id"`
	ContentID string     `db:"content_id"`
	Title     *string    `db:"title"`
	TopicMain *string    `db:"topic_main"`
	Locations StringList `db:"locations"`
	Summary   *string    `db:"summary"`
}
