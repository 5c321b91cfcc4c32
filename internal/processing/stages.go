package processing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/collaborators"
	"github.com/jonesrussell/curator/internal/domain"
)

var errEmptyEmbedding = errors.New("embedder returned an empty vector")

func (c *Coordinator) fetch(ctx context.Context, at *attempt) error {
	meta, err := c.collab.Fetcher.Fetch(ctx, at.content.URL, at.content.Platform)
	if err != nil {
		return err
	}
	at.metadata = *meta
	return nil
}

// enrich unifies the fetched fields into the text that classification and
// embedding work from.
func (c *Coordinator) enrich(at *attempt) {
	at.text = ContentText(at.metadata, at.content.URL)
}

// ContentText joins the non-empty metadata fields as labelled lines. With
// nothing fetched, the URL stands in so later stages have some input.
func ContentText(meta domain.FetchedMetadata, url string) string {
	var parts []string
	if t := strings.TrimSpace(meta.Title); t != "" {
		parts = append(parts, "Title: "+t)
	}
	if t := strings.TrimSpace(meta.Caption); t != "" {
		parts = append(parts, "Caption: "+t)
	}
	if t := strings.TrimSpace(meta.Description); t != "" {
		parts = append(parts, "Description: "+t)
	}
	if len(parts) == 0 {
		return "URL: " + url
	}
	return strings.Join(parts, "\n")
}

func (c *Coordinator) classify(ctx context.Context, at *attempt) error {
	result, err := c.collab.Classifier.Classify(ctx, at.text)
	if err != nil {
		return err
	}
	if result == nil {
		return collaborators.Transient(errors.New("classifier returned no result"))
	}

	category, ok := domain.ParseCategory(result.Category)
	if !ok {
		at.log.Warn("classification outside closed set, using Misc",
			logger.String("returned_category", result.Category))
		c.telemetry.RecordCategoryFallback()
		category = domain.CategoryMisc
	}
	at.classification = result
	at.category = category
	return nil
}

func (c *Coordinator) vectorize(ctx context.Context, at *attempt) error {
	vec, err := c.collab.Embedder.Embed(ctx, embeddingInput(at))
	if err != nil {
		return err
	}
	if len(vec) == 0 {
		return collaborators.Transient(errEmptyEmbedding)
	}
	id, err := c.collab.Vectors.Put(ctx, at.content.ID, vec)
	if err != nil {
		return fmt.Errorf("store vector: %w", err)
	}
	at.embeddingID = id
	return nil
}

func embeddingInput(at *attempt) string {
	var b strings.Builder
	b.WriteString(at.text)
	if cl := at.classification; cl != nil {
		if cl.Topic != "" {
			b.WriteString("\nTopic: " + cl.Topic)
		}
		if cl.Summary != "" {
			b.WriteString("\nSummary: " + cl.Summary)
		}
	}
	return b.String()
}

func (at *attempt) analysis() domain.Analysis {
	a := domain.Analysis{
		Category:    at.category,
		Metadata:    at.metadata,
		ContentText: at.text,
		EmbeddingID: at.embeddingID,
		Intent:      domain.IntentMisc,
	}
	if cl := at.classification; cl != nil {
		a.Topic = cl.Topic
		a.Subcategories = cl.Subcategories
		a.Locations = cl.Locations
		a.Entities = cl.Entities
		a.Intent = domain.ParseIntent(cl.Intent)
		a.Summary = cl.Summary
	}
	return a
}
