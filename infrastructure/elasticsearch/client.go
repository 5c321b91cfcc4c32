// Package elasticsearch builds go-elasticsearch clients and verifies the
// cluster is reachable before handing them out.
package elasticsearch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"

	es "github.com/elastic/go-elasticsearch/v8"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/infrastructure/retry"
)

// NewClient creates a client and pings it with backoff until it answers or
// the connect attempts run out.
func NewClient(ctx context.Context, cfg Config, log logger.Logger) (*es.Client, error) {
	cfg.SetDefaults()
	addr := normalizeURL(cfg.URL)

	esCfg := es.Config{
		Addresses:  []string{addr},
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.InsecureSkipVerify {
		esCfg.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec // opt-in for local clusters
	}
	switch {
	case cfg.APIKey != "":
		esCfg.APIKey = cfg.APIKey
	case cfg.Username != "":
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}

	client, err := es.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	log.Info("verifying elasticsearch connection", logger.String("url", addr))
	if err := retry.Do(ctx, cfg.ConnectBackoff, cfg.ConnectAttempts, nil, func(ctx context.Context) error {
		return ping(ctx, client, cfg)
	}); err != nil {
		return nil, fmt.Errorf("connect elasticsearch %s: %w", addr, err)
	}
	return client, nil
}

func normalizeURL(u string) string {
	if u == "" {
		return "http://localhost:9200"
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return "http://" + u
	}
	return u
}

func ping(ctx context.Context, client *es.Client, cfg Config) error {
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()

	res, err := client.Ping(client.Ping.WithContext(pingCtx))
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("ping returned %s: %s", res.Status(), body)
	}
	return nil
}
