package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/curator/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "none.env"))

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)

	assert.Equal(t, "curator", cfg.Service.Name)
	assert.Equal(t, 8080, cfg.Service.Port)
	assert.Equal(t, ":8080", cfg.Server.Address(cfg.Service.Port))
	assert.Equal(t, 9091, cfg.Workers.MetricsPort)
	assert.Equal(t, "curator", cfg.Database.Database)
	assert.Equal(t, "curator", cfg.Queue.Prefix)
	assert.Equal(t, 8, cfg.Workers.ProcessPool)
	assert.Equal(t, 2, cfg.Workers.ClusterPool)
	assert.Equal(t, 5, cfg.Processing.MaxAttempts)
	assert.Equal(t, 10, cfg.Clustering.MaxClusters)
	assert.Equal(t, "@every 1m", cfg.Maintenance.Reclaim)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "curator_embeddings", cfg.Collaborators.VectorIndex)
}

func TestLoad_FileAndEnv(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "none.env"))
	t.Setenv("WORKERS_PROCESS_POOL", "3")
	t.Setenv("AUTH_JWT_SECRET", "from-env")

	path := writeConfig(t, `
service:
  port: 9090
auth:
  jwt_secret: from-file
processing:
  max_attempts: 7
  initial_backoff: 1s
clustering:
  min_items: 4
collaborators:
  embedding:
    url: http://embed:8000
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Service.Port)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 3, cfg.Workers.ProcessPool)
	assert.Equal(t, 7, cfg.Processing.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Processing.InitialBackoff)
	assert.Equal(t, 4, cfg.Clustering.MinItems)
	assert.Equal(t, "http://embed:8000", cfg.Collaborators.Embedding.URL)
}

func TestValidate(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "none.env"))

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)

	require.Error(t, cfg.ValidateAPI(), "jwt secret is required")
	cfg.Auth.JWTSecret = "s"
	require.NoError(t, cfg.ValidateAPI())

	require.Error(t, cfg.ValidateWorker())
	cfg.Collaborators.Embedding.URL = "http://embed"
	cfg.Collaborators.Anthropic.APIKey = "k"
	require.NoError(t, cfg.ValidateWorker())

	jobTimeout := cfg.Workers.JobTimeout
	cfg.Workers.JobTimeout = cfg.Processing.LeaseTimeout + time.Minute
	require.Error(t, cfg.ValidateWorker())
	cfg.Workers.JobTimeout = jobTimeout

	cfg.Queue.ClaimMinIdle = jobTimeout
	err = cfg.ValidateWorker()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.claim_min_idle")
	cfg.Queue.ClaimMinIdle = jobTimeout + time.Minute
	require.NoError(t, cfg.ValidateWorker())

	cfg.Clustering.HeartbeatInterval = cfg.Processing.LeaseTimeout
	err = cfg.ValidateWorker()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clustering.heartbeat_interval")
}
