package anthropic

import (
	"context"
	"errors"
	"strings"

	"github.com/jonesrussell/curator/internal/collaborators"
	"github.com/jonesrussell/curator/internal/domain"
)

// Classifier implements processing.Classifier.
type Classifier struct {
	client *Client
	system string
}

// NewClassifier creates a classifier over client.
func NewClassifier(client *Client) *Classifier {
	return &Classifier{client: client, system: classifySystemPrompt()}
}

func classifySystemPrompt() string {
	cats := domain.AllCategories()
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = string(c)
	}
	return `You analyze a piece of saved social media content.

Output a single JSON object with exactly these fields:
{
  "category": "one of: ` + strings.Join(names, ", ") + `",
  "topic": "the main topic in a few words",
  "subcategories": ["up to 5 short tags"],
  "locations": ["places mentioned or shown"],
  "entities": ["named people, brands or venues"],
  "intent": "one of: learn, visit, buy, try, watch, misc",
  "summary": "one sentence"
}

Pick exactly one category. Use empty arrays when nothing applies.`
}

// Classify asks the model for a classification of text. The category is
// returned as written; callers validate it.
func (c *Classifier) Classify(ctx context.Context, text string) (*domain.Classification, error) {
	if strings.TrimSpace(text) == "" {
		return nil, collaborators.Permanent(errors.New("nothing to classify"))
	}
	var out domain.Classification
	if err := c.client.completeJSON(ctx, c.system, "Content:\n"+text, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
