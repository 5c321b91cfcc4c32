package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/curator/infrastructure/config"
)

type sample struct {
	Name    string        `env:"CURATOR_TEST_NAME" yaml:"name"`
	Workers int           `env:"CURATOR_TEST_WORKERS" yaml:"workers"`
	Timeout time.Duration `env:"CURATOR_TEST_TIMEOUT" yaml:"timeout"`
	Hosts   []string      `env:"CURATOR_TEST_HOSTS" yaml:"hosts"`
	Nested  struct {
		Enabled bool `env:"CURATOR_TEST_ENABLED" yaml:"enabled"`
	} `yaml:"nested"`
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, "name: file\nworkers: 2\ntimeout: 5s\nnested:\n  enabled: false\n")
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	t.Setenv("CURATOR_TEST_WORKERS", "8")
	t.Setenv("CURATOR_TEST_HOSTS", "a, b")
	t.Setenv("CURATOR_TEST_ENABLED", "yes")

	cfg, err := config.Load[sample](path, false)
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Name)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"a", "b"}, cfg.Hosts)
	assert.True(t, cfg.Nested.Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	missing := filepath.Join(t.TempDir(), "nope.yml")

	_, err := config.Load[sample](missing, false)
	require.Error(t, err)

	cfg, err := config.Load[sample](missing, true)
	require.NoError(t, err)
	assert.Empty(t, cfg.Name)
}

func TestLoadWithDefaults_EnvWinsOverDefaults(t *testing.T) {
	path := writeYAML(t, "{}\n")
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	t.Setenv("CURATOR_TEST_TIMEOUT", "90s")

	cfg, err := config.LoadWithDefaults[sample](path, false, func(s *sample) {
		s.Name = "defaulted"
		s.Timeout = time.Second
	})
	require.NoError(t, err)
	assert.Equal(t, "defaulted", cfg.Name)
	assert.Equal(t, 90*time.Second, cfg.Timeout)
}

func TestDatabaseConfig_Rendering(t *testing.T) {
	t.Parallel()

	c := config.DatabaseConfig{User: "u", Password: "p", Database: "curator"}
	c.SetDefaults()
	assert.Equal(t, "host=localhost port=5432 user=u password=p dbname=curator sslmode=disable", c.DSN())
	assert.Equal(t, "postgres://u:p@localhost:5432/curator?sslmode=disable", c.URL())
}

func TestValidators(t *testing.T) {
	t.Parallel()

	require.NoError(t, config.Port("p", 8080))
	var ferr *config.FieldError
	require.ErrorAs(t, config.Port("server.port", 0), &ferr)
	assert.Equal(t, "server.port", ferr.Field)
	assert.Equal(t, "server.port: 0 is not a valid port", ferr.Error())

	require.Error(t, config.Required("x", "  "))
	require.Error(t, config.Positive("n", 0))
	require.NoError(t, config.LogLevel("warn"))
	require.EqualError(t, config.OneOf("mode", "loud", "quiet", "normal"), `mode: "loud" is not one of quiet, normal`)
}
