// Package profiling starts the optional pprof listener and Pyroscope agent.
package profiling

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	"time"

	"github.com/grafana/pyroscope-go"

	"github.com/jonesrussell/curator/infrastructure/logger"
)

// Config is read from the environment only.
type Config struct {
	PprofEnabled     bool   `env:"ENABLE_PROFILING"`
	PprofPort        string `env:"PPROF_PORT"`
	PyroscopeEnabled bool   `env:"ENABLE_CONTINUOUS_PROFILING"`
	PyroscopeURL     string `env:"PYROSCOPE_SERVER_URL"`
	Environment      string `env:"PYROSCOPE_ENVIRONMENT"`
	Version          string `env:"APP_VERSION"`
}

// StartPprof serves /debug/pprof on localhost when enabled. It never blocks.
func StartPprof(cfg Config, log logger.Logger) {
	if !cfg.PprofEnabled {
		return
	}
	port := cfg.PprofPort
	if port == "" {
		port = "6060"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: "localhost:" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("pprof listening", logger.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("pprof server stopped", logger.Error(err))
		}
	}()
}

// Profiler wraps a running Pyroscope agent. A nil *Profiler is valid.
type Profiler struct {
	p *pyroscope.Profiler
}

// StartPyroscope returns (nil, nil) when continuous profiling is disabled.
func StartPyroscope(service string, cfg Config, log logger.Logger) (*Profiler, error) {
	if !cfg.PyroscopeEnabled {
		return nil, nil
	}
	server := cfg.PyroscopeURL
	if server == "" {
		server = "http://pyroscope:4040"
	}
	env := cfg.Environment
	if env == "" {
		env = "development"
	}
	version := cfg.Version
	if version == "" {
		version = "unknown"
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "curator." + service,
		ServerAddress:   server,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
		Tags: map[string]string{
			"environment": env,
			"version":     version,
			"hostname":    host,
			"go_version":  runtime.Version(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start pyroscope: %w", err)
	}
	log.Info("pyroscope profiling started", logger.String("server", server), logger.String("environment", env))
	return &Profiler{p: p}, nil
}

// Stop flushes and stops the agent.
func (p *Profiler) Stop() error {
	if p == nil || p.p == nil {
		return nil
	}
	return p.p.Stop()
}
