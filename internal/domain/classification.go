package domain

// Classification is the raw output of the classify stage. Category is
// unvalidated text from the model; callers map it onto the closed set.
type Classification struct {
	Category      string   `json:"category"`
	Topic         string   `json:"topic"`
	Subcategories []string `json:"subcategories"`
	Locations     []string `json:"locations"`
	Entities      []string `json:"entities"`
	Intent        string   `json:"intent"`
	Summary       string   `json:"summary"`
}

// ItemSummary is the compact view of a cluster member handed to a labeler.
type ItemSummary struct {
	Title     string
	Topic     string
	Locations []string
	Summary   string
}
