package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jonesrussell/curator/internal/domain"
)

const labelSystemPrompt = `You are naming a cluster of saved content for a user.
Generate a short, catchy label (3-5 words) and a one-sentence description.

Output JSON with exactly these fields:
{
  "label": "Short catchy name",
  "description": "One sentence describing what this cluster contains."
}

Guidelines:
- Label should be specific and memorable
- Use location names if items share a location
- Use activity or theme if items share a common theme
- Avoid generic names like "Food Collection"`

// Labeler implements clustering.Labeler. The engine falls back to
// rule-based labels when it errors.
type Labeler struct {
	client *Client
}

// NewLabeler creates a labeler over client.
func NewLabeler(client *Client) *Labeler {
	return &Labeler{client: client}
}

type labelItem struct {
	Title     string   `json:"title,omitempty"`
	Topic     string   `json:"topic,omitempty"`
	Locations []string `json:"locations,omitempty"`
	Summary   string   `json:"summary,omitempty"`
}

// Label names one cluster from its representative items.
func (l *Labeler) Label(
	ctx context.Context, category domain.Category, items []domain.ItemSummary,
) (domain.ClusterLabel, error) {
	ctxItems := make([]labelItem, len(items))
	for i, it := range items {
		ctxItems[i] = labelItem(it)
	}
	listing, err := json.MarshalIndent(ctxItems, "", "  ")
	if err != nil {
		return domain.ClusterLabel{}, fmt.Errorf("marshal items: %w", err)
	}
	prompt := fmt.Sprintf("Category: %s\n\nItems in this cluster:\n%s\n\nGenerate a label and description for this cluster.",
		category, listing)

	var out struct {
		Label       string `json:"label"`
		Description string `json:"description"`
	}
	if err := l.client.completeJSON(ctx, labelSystemPrompt, prompt, &out); err != nil {
		return domain.ClusterLabel{}, err
	}
	return domain.ClusterLabel{
		Label:       strings.TrimSpace(out.Label),
		Description: strings.TrimSpace(out.Description),
	}, nil
}
