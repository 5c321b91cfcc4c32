// Package fetch retrieves public page metadata for a saved URL by reading
// its Open Graph and standard meta tags.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/jonesrussell/curator/infrastructure/circuitbreaker"
	infraerrors "github.com/jonesrussell/curator/infrastructure/errors"
	infrahttp "github.com/jonesrussell/curator/infrastructure/http"
	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/collaborators"
	"github.com/jonesrussell/curator/internal/domain"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultRPS          = 5
	defaultUserAgent    = "Mozilla/5.0 (compatible; curator/1.0)"
	defaultMaxBodyBytes = 2 << 20
)

// ErrNotHTML is returned for responses that carry no page to read.
var ErrNotHTML = errors.New("response is not html")

// Config configures the fetcher.
type Config struct {
	Timeout      time.Duration         `env:"FETCH_TIMEOUT"    yaml:"timeout"`
	RPS          float64               `env:"FETCH_RPS"        yaml:"rps"`
	Burst        int                   `yaml:"burst"`
	UserAgent    string                `env:"FETCH_USER_AGENT" yaml:"user_agent"`
	MaxBodyBytes int64                 `yaml:"max_body_bytes"`
	Breaker      circuitbreaker.Config `yaml:"breaker"`
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.RPS <= 0 {
		c.RPS = defaultRPS
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.RPS))
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
}

// Fetcher implements processing.Fetcher over plain HTTP.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	cfg     Config
	log     logger.Logger
}

// New creates a Fetcher. A nil client gets one from infrastructure/http.
func New(client *http.Client, cfg Config, log logger.Logger) *Fetcher {
	cfg.SetDefaults()
	if client == nil {
		client = infrahttp.NewClient(infrahttp.ClientConfig{Timeout: cfg.Timeout, MaxRedirects: 5})
	}
	log = log.With(logger.Component("fetcher"))

	breakerCfg := cfg.Breaker
	// Only failures that say something about the remote's health count.
	breakerCfg.IsFailure = func(err error) bool { return !collaborators.IsPermanent(err) }
	breakerCfg.OnStateChange = func(from, to circuitbreaker.State) {
		log.Warn("fetch circuit changed state",
			logger.String("from", from.String()), logger.String("to", to.String()))
	}

	return &Fetcher{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		breaker: circuitbreaker.New(breakerCfg),
		cfg:     cfg,
		log:     log,
	}
}

// Fetch downloads url and extracts its metadata. Every returned error is a
// collaborators.StageError.
func (f *Fetcher) Fetch(ctx context.Context, url string, platform domain.Platform) (*domain.FetchedMetadata, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, collaborators.Transient(fmt.Errorf("rate limit wait: %w", err))
	}

	var meta *domain.FetchedMetadata
	err := f.breaker.Execute(func() error {
		var fetchErr error
		meta, fetchErr = f.fetch(ctx, url, platform)
		return fetchErr
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, collaborators.Transient(err)
	}
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (f *Fetcher) fetch(ctx context.Context, url string, platform domain.Platform) (*domain.FetchedMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, collaborators.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, collaborators.Transient(fmt.Errorf("fetch url: %w", err))
	}
	defer resp.Body.Close()

	if httpErr := infraerrors.ParseHTTPError(resp); httpErr != nil {
		return nil, collaborators.FromHTTP(httpErr)
	}
	if !isHTML(resp.Header.Get("Content-Type")) {
		return nil, collaborators.Permanent(fmt.Errorf("%w: %q", ErrNotHTML, resp.Header.Get("Content-Type")))
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return nil, collaborators.Transient(fmt.Errorf("parse html: %w", err))
	}
	return Extract(doc, platform), nil
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// Extract reads metadata from a parsed page. Instagram carries the post
// caption in og:description, so for that platform it lands in Caption and
// the plain meta description, when different, in Description.
func Extract(doc *goquery.Document, platform domain.Platform) *domain.FetchedMetadata {
	meta := &domain.FetchedMetadata{
		Title:        firstNonEmpty(metaProperty(doc, "og:title"), metaName(doc, "twitter:title"), strings.TrimSpace(doc.Find("title").First().Text())),
		ThumbnailURL: firstNonEmpty(metaProperty(doc, "og:image"), metaName(doc, "twitter:image")),
	}

	ogDescription := metaProperty(doc, "og:description")
	plainDescription := metaName(doc, "description")
	if platform == domain.PlatformInstagram {
		meta.Caption = ogDescription
		if plainDescription != ogDescription {
			meta.Description = plainDescription
		}
	} else {
		meta.Description = firstNonEmpty(ogDescription, plainDescription)
	}

	if secs, err := strconv.Atoi(metaProperty(doc, "og:video:duration")); err == nil && secs > 0 {
		meta.DurationSeconds = secs
	} else if d, ok := doc.Find("meta[itemprop='duration']").Attr("content"); ok {
		meta.DurationSeconds = parseISODuration(d)
	}
	return meta
}

func metaProperty(doc *goquery.Document, property string) string {
	v, _ := doc.Find("meta[property='" + property + "']").First().Attr("content")
	return strings.TrimSpace(v)
}

func metaName(doc *goquery.Document, name string) string {
	v, _ := doc.Find("meta[name='" + name + "']").First().Attr("content")
	return strings.TrimSpace(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseISODuration handles the PT#H#M#S form used in schema.org markup.
// Anything else yields zero.
func parseISODuration(s string) int {
	rest, ok := strings.CutPrefix(strings.ToUpper(strings.TrimSpace(s)), "PT")
	if !ok {
		return 0
	}
	total := 0
	num := 0
	digits := false
	for _, r := range rest {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			digits = true
		case digits && r == 'H':
			total += num * 3600
		case digits && r == 'M':
			total += num * 60
		case digits && r == 'S':
			total += num
		default:
			return 0
		}
		if r < '0' || r > '9' {
			num, digits = 0, false
		}
	}
	return total
}
