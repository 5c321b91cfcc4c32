package anthropic

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/collaborators"
	"github.com/jonesrussell/curator/internal/domain"
)

type recorded struct {
	path   string
	apiKey string
	body   map[string]any
}

func replyWith(text string) string {
	reply := map[string]any{
		"id":            "msg_01",
		"type":          "message",
		"role":          "assistant",
		"model":         "claude-haiku-4-5",
		"content":       []map[string]any{{"type": "text", "text": text}},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage":         map[string]any{"input_tokens": 12, "output_tokens": 30},
	}
	raw, _ := json.Marshal(reply)
	return string(raw)
}

func newTestClient(t *testing.T, status int, body string) (*Client, *recorded) {
	t.Helper()

	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.path = r.URL.Path
		rec.apiKey = r.Header.Get("X-Api-Key")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &rec.body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL + "/", RPS: 100}, logger.NewNop())
	require.NoError(t, err)
	return client, rec
}

func TestClassifier_ParsesReply(t *testing.T) {
	client, rec := newTestClient(t, http.StatusOK, replyWith("```json\n"+`{
		"category": "Food",
		"topic": "ramen",
		"subcategories": ["noodles"],
		"locations": ["Tokyo"],
		"entities": ["Ichiran"],
		"intent": "visit",
		"summary": "A ramen shop tour."
	}`+"\n```"))

	got, err := NewClassifier(client).Classify(t.Context(), "Title: ramen")
	require.NoError(t, err)

	assert.Equal(t, "/v1/messages", rec.path)
	assert.Equal(t, "test-key", rec.apiKey)
	assert.Equal(t, "claude-haiku-4-5", rec.body["model"])
	assert.Equal(t, &domain.Classification{
		Category:      "Food",
		Topic:         "ramen",
		Subcategories: []string{"noodles"},
		Locations:     []string{"Tokyo"},
		Entities:      []string{"Ichiran"},
		Intent:        "visit",
		Summary:       "A ramen shop tour.",
	}, got)
}

func TestClassifier_PromptListsCategories(t *testing.T) {
	prompt := classifySystemPrompt()
	for _, c := range domain.AllCategories() {
		assert.Contains(t, prompt, string(c))
	}
}

func TestClassifier_Failures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{name: "prose reply", status: http.StatusOK, body: replyWith("I cannot help with that."), permanent: false},
		{name: "bad request", status: http.StatusBadRequest, body: `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`, permanent: true},
		{name: "overloaded", status: 529, body: `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`, permanent: false},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"type":"error","error":{"type":"rate_limit_error","message":"slow"}}`, permanent: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, tt.status, tt.body)

			_, err := NewClassifier(client).Classify(t.Context(), "Title: x")
			require.Error(t, err)
			assert.Equal(t, tt.permanent, collaborators.IsPermanent(err))
		})
	}
}

func TestClassifier_EmptyTextIsPermanent(t *testing.T) {
	client, _ := newTestClient(t, http.StatusOK, replyWith("{}"))

	_, err := NewClassifier(client).Classify(t.Context(), "  ")
	assert.True(t, collaborators.IsPermanent(err))
}

func TestLabeler_ParsesReply(t *testing.T) {
	client, rec := newTestClient(t, http.StatusOK,
		replyWith(`Here you go: {"label": " Tokyo Noodle Crawl ", "description": "Ramen spots around Tokyo."}`))

	label, err := NewLabeler(client).Label(t.Context(), domain.CategoryFood, []domain.ItemSummary{
		{Title: "Ichiran", Topic: "ramen", Locations: []string{"Tokyo"}},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.ClusterLabel{Label: "Tokyo Noodle Crawl", Description: "Ramen spots around Tokyo."}, label)
	messages, ok := rec.body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 1)
	raw, _ := json.Marshal(messages[0])
	assert.Contains(t, string(raw), "Category: Food")
	assert.Contains(t, string(raw), "Ichiran")
}

func TestExtractJSON(t *testing.T) {
	got, err := extractJSON("noise {\"a\": {\"b\": 1}} trailing")
	require.NoError(t, err)
	assert.Equal(t, `{"a": {"b": 1}}`, got)

	_, err = extractJSON("no braces")
	require.ErrorIs(t, err, ErrNoJSON)
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(Config{}, logger.NewNop())
	require.Error(t, err)
}
