// Package vectorstore keeps content embeddings in an Elasticsearch index
// with a dense_vector field.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	infraerrors "github.com/jonesrussell/curator/infrastructure/errors"
	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/collaborators"
)

const (
	defaultIndex = "curator_embeddings"
	idPrefix     = "shared:"
	maxErrorBody = 4 << 10
)

// Config names the index and its vector width.
type Config struct {
	Index      string `env:"VECTOR_INDEX" yaml:"vector_index"`
	Dimensions int    `env:"EMBEDDING_DIMENSIONS" yaml:"dimensions"`
}

type document struct {
	ContentID string    `json:"content_id"`
	Embedding []float64 `json:"embedding"`
}

// Store implements processing.VectorStore and clustering.EmbeddingLookup.
type Store struct {
	client *es.Client
	cfg    Config
	log    logger.Logger
}

// New creates a Store over an existing client.
func New(client *es.Client, cfg Config, log logger.Logger) *Store {
	if cfg.Index == "" {
		cfg.Index = defaultIndex
	}
	return &Store{client: client, cfg: cfg, log: log.With(logger.Component("vectorstore"))}
}

// DocumentID is the index id of a content record's embedding.
func DocumentID(contentID string) string {
	return idPrefix + contentID
}

// EnsureIndex creates the index with its vector mapping if it is missing.
func (s *Store) EnsureIndex(ctx context.Context) error {
	res, err := s.client.Indices.Exists([]string{s.cfg.Index}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index: %w", err)
	}
	if res.Body != nil {
		res.Body.Close()
	}
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("check index %s: %s", s.cfg.Index, res.Status())
	}

	vector := map[string]any{"type": "dense_vector", "index": true, "similarity": "cosine"}
	if s.cfg.Dimensions > 0 {
		vector["dims"] = s.cfg.Dimensions
	}
	mapping := map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"content_id": map[string]any{"type": "keyword"},
				"embedding":  vector,
			},
		},
	}
	var buf bytes.Buffer
	if encodeErr := json.NewEncoder(&buf).Encode(mapping); encodeErr != nil {
		return fmt.Errorf("encode mapping: %w", encodeErr)
	}

	res, err = s.client.Indices.Create(
		s.cfg.Index,
		s.client.Indices.Create.WithContext(ctx),
		s.client.Indices.Create.WithBody(&buf),
	)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() && !strings.Contains(readBody(res), "resource_already_exists_exception") {
		return fmt.Errorf("create index %s: %s", s.cfg.Index, res.Status())
	}
	s.log.Info("created vector index", logger.String("index", s.cfg.Index))
	return nil
}

// Put stores vec for contentID, replacing any previous vector, and returns
// the embedding id. Errors are collaborators.StageError.
func (s *Store) Put(ctx context.Context, contentID string, vec []float64) (string, error) {
	if len(vec) == 0 {
		return "", collaborators.Permanent(errors.New("empty vector"))
	}
	body, err := json.Marshal(document{ContentID: contentID, Embedding: vec})
	if err != nil {
		return "", collaborators.Permanent(fmt.Errorf("marshal document: %w", err))
	}

	id := DocumentID(contentID)
	res, err := s.client.Index(
		s.cfg.Index,
		bytes.NewReader(body),
		s.client.Index.WithContext(ctx),
		s.client.Index.WithDocumentID(id),
	)
	if err != nil {
		return "", collaborators.Transient(fmt.Errorf("index embedding: %w", err))
	}
	defer res.Body.Close()
	if res.IsError() {
		return "", collaborators.FromHTTP(fmt.Errorf("index embedding: %w", responseError(res)))
	}
	return id, nil
}

// Lookup fetches the stored vectors for the given content ids. Ids with no
// stored vector are absent from the result.
func (s *Store) Lookup(ctx context.Context, contentIDs []string) (map[string][]float64, error) {
	out := make(map[string][]float64, len(contentIDs))
	if len(contentIDs) == 0 {
		return out, nil
	}
	ids := make([]string, len(contentIDs))
	for i, id := range contentIDs {
		ids[i] = DocumentID(id)
	}
	body, err := json.Marshal(map[string]any{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("marshal mget: %w", err)
	}

	res, err := s.client.Mget(
		bytes.NewReader(body),
		s.client.Mget.WithContext(ctx),
		s.client.Mget.WithIndex(s.cfg.Index),
	)
	if err != nil {
		return nil, fmt.Errorf("mget embeddings: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("mget embeddings: %w", responseError(res))
	}

	var payload struct {
		Docs []struct {
			Found  bool     `json:"found"`
			Source document `json:"_source"`
		} `json:"docs"`
	}
	if decodeErr := json.NewDecoder(res.Body).Decode(&payload); decodeErr != nil {
		return nil, fmt.Errorf("decode mget: %w", decodeErr)
	}
	for _, doc := range payload.Docs {
		if doc.Found && len(doc.Source.Embedding) > 0 {
			out[doc.Source.ContentID] = doc.Source.Embedding
		}
	}
	return out, nil
}

func responseError(res *esapi.Response) error {
	return &infraerrors.HTTPError{StatusCode: res.StatusCode, Status: res.Status(), Body: readBody(res)}
}

func readBody(res *esapi.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	return string(raw)
}
