// Package domain contains curator's core types: shared content records,
// per-user saves, processing jobs and clusters.
package domain

import (
	"fmt"
	"time"
)

// Status is the processing state of a ContentRecord.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusReady      Status = "READY"
	StatusFailed     Status = "FAILED"
)

// statusTransitions is the complete content state machine.
var statusTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusReady, StatusFailed},
	StatusFailed:     {StatusPending},
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReady, StatusFailed:
		return true
	default:
		return false
	}
}

// ValidateStatusTransition returns ErrInvalidTransition unless from→to is an
// edge of the state machine. READY is terminal.
func ValidateStatusTransition(from, to Status) error {
	for _, next := range statusTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Platform is the social platform a URL points at.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformYouTube   Platform = "youtube"
	PlatformUnknown   Platform = "unknown"
)

// ContentRecord is the single shared record for a unique URL fingerprint.
type ContentRecord struct {
	ID              string     `db:"id"               json:"id"`
	Fingerprint     string     `db:"url_hash"         json:"fingerprint"`
	URL             string     `db:"url"              json:"url"`
	Platform        Platform   `db:"source_platform"  json:"platform"`
	Status          Status     `db:"status"           json:"status"`
	Category        *Category  `db:"content_category" json:"category,omitempty"`
	SaveCount       int        `db:"save_count"       json:"save_count"`
	Title           *string    `db:"title"            json:"title,omitempty"`
	Caption         *string    `db:"caption"          json:"caption,omitempty"`
	Description     *string    `db:"description"      json:"description,omitempty"`
	ThumbnailURL    *string    `db:"thumbnail_url"    json:"thumbnail_url,omitempty"`
	DurationSeconds *int       `db:"duration_seconds" json:"duration_seconds,omitempty"`
	ContentText     *string    `db:"content_text"     json:"-"`
	TopicMain       *string    `db:"topic_main"       json:"topic_main,omitempty"`
	Subcategories   StringList `db:"subcategories"    json:"subcategories"`
	Locations       StringList `db:"locations"        json:"locations"`
	Entities        StringList `db:"entities"         json:"entities"`
	Intent          *Intent    `db:"intent"           json:"intent,omitempty"`
	Summary         *string    `db:"summary"          json:"summary,omitempty"`
	EmbeddingID     *string    `db:"embedding_id"     json:"-"`
	CreatedAt       time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"       json:"updated_at"`
}

// Analysis is everything a successful processing run writes back onto the
// record together with the READY transition.
type Analysis struct {
	Category      Category
	Metadata      FetchedMetadata
	ContentText   string
	Topic         string
	Subcategories []string
	Locations     []string
	Entities      []string
	Intent        Intent
	Summary       string
	EmbeddingID   string
}

// FetchedMetadata is what the fetch stage extracts from the source page.
type FetchedMetadata struct {
	Title           string
	Caption         string
	Description     string
	ThumbnailURL    string
	DurationSeconds int
}
