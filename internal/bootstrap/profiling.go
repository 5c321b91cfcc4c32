package bootstrap

import (
	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/infrastructure/profiling"
)

// startProfiling starts pprof and Pyroscope when they are enabled. The
// returned stop func is always safe to call.
func startProfiling(service string, cfg profiling.Config, log logger.Logger) func() {
	profiling.StartPprof(cfg, log)

	profiler, err := profiling.StartPyroscope(service, cfg, log)
	if err != nil {
		log.Warn("continuous profiling disabled", logger.Error(err))
		return func() {}
	}
	return func() {
		if stopErr := profiler.Stop(); stopErr != nil {
			log.Warn("stop profiler", logger.Error(stopErr))
		}
	}
}
