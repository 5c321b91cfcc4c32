package elasticsearch

import (
	"time"

	"github.com/jonesrussell/curator/infrastructure/retry"
)

// Config holds Elasticsearch connection settings.
type Config struct {
	URL                string        `env:"ELASTICSEARCH_URL"      yaml:"url"`
	Username           string        `env:"ELASTICSEARCH_USERNAME" yaml:"username"`
	Password           string        `env:"ELASTICSEARCH_PASSWORD" yaml:"password"`
	APIKey             string        `env:"ELASTICSEARCH_API_KEY"  yaml:"api_key"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	MaxRetries         int           `yaml:"max_retries"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	ConnectAttempts    int           `yaml:"connect_attempts"`
	ConnectBackoff     retry.Policy  `yaml:"connect_backoff"`
}

func (c *Config) SetDefaults() {
	if c.URL == "" {
		c.URL = "http://localhost:9200"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 5
	}
	if c.ConnectBackoff.InitialDelay == 0 {
		c.ConnectBackoff = retry.Policy{InitialDelay: 2 * time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
	}
}
