// Package anthropic classifies content and names clusters through the
// Anthropic Messages API. Both calls ask for a single JSON object.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"

	infraerrors "github.com/jonesrussell/curator/infrastructure/errors"
	infrahttp "github.com/jonesrussell/curator/infrastructure/http"
	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/collaborators"
)

const (
	defaultModel     = "claude-haiku-4-5"
	defaultMaxTokens = 1024
	defaultRPS       = 2
	defaultTimeout   = 60 * time.Second
)

// ErrNoJSON is returned when a reply holds no JSON object.
var ErrNoJSON = errors.New("model reply contained no json object")

// Config configures the Messages API client.
type Config struct {
	APIKey    string        `env:"ANTHROPIC_API_KEY"  yaml:"api_key"`
	Model     string        `env:"ANTHROPIC_MODEL"    yaml:"model"`
	BaseURL   string        `env:"ANTHROPIC_BASE_URL" yaml:"base_url"`
	MaxTokens int           `yaml:"max_tokens"`
	RPS       float64       `yaml:"rps"`
	Timeout   time.Duration `yaml:"timeout"`
	// MaxRetries is the SDK's own retry budget per call; the job retry
	// policy sits on top of it.
	MaxRetries int `yaml:"max_retries"`
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.RPS <= 0 {
		c.RPS = defaultRPS
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

// Client is shared by Classifier and Labeler so both draw on one rate limit.
type Client struct {
	api     sdk.Client
	limiter *rate.Limiter
	cfg     Config
	log     logger.Logger
}

// NewClient creates a Messages API client.
func NewClient(cfg Config, log logger.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	cfg.SetDefaults()

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(infrahttp.NewClient(infrahttp.ClientConfig{Timeout: cfg.Timeout})),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		api:     sdk.NewClient(opts...),
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), max(1, int(cfg.RPS))),
		cfg:     cfg,
		log:     log.With(logger.Component("anthropic")),
	}, nil
}

// completeJSON sends one user turn and decodes the first JSON object in the
// reply into out. Errors are collaborators.StageError.
func (c *Client) completeJSON(ctx context.Context, system, prompt string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return collaborators.Transient(fmt.Errorf("rate limit wait: %w", err))
	}

	msg, err := c.api.Messages.New(ctx, sdk.MessageNewParams{
		Model:       sdk.Model(c.cfg.Model),
		MaxTokens:   int64(c.cfg.MaxTokens),
		Temperature: sdk.Float(0.2),
		System:      []sdk.TextBlockParam{{Text: system}},
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	})
	if err != nil {
		return classify(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	raw, err := extractJSON(text.String())
	if err != nil {
		return collaborators.Transient(err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return collaborators.Transient(fmt.Errorf("decode model reply: %w", err))
	}
	return nil
}

// classify maps SDK errors onto the stage taxonomy by status code.
func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return collaborators.FromHTTP(fmt.Errorf("messages api: %w", &infraerrors.HTTPError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
		}))
	}
	return collaborators.FromHTTP(fmt.Errorf("messages api: %w", err))
}

// extractJSON returns the outermost {...} span, tolerating code fences and
// surrounding prose.
func extractJSON(s string) (string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", ErrNoJSON
	}
	return s[start : end+1], nil
}
