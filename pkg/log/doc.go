/*
Package log provides structured logging for escrowd using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	workerLog := log.WithComponent("orchestrator")
	workerLog.Info().Str("transition", tr.UUID).Msg("picked transition")

Entity context helpers:

	log.WithTokenGUID(guid).Info().Msg("pivtoken created")
	log.WithConfigUUID(uuid).Warn().Msg("configuration auto-expired")
	log.WithTransitionUUID(uuid).Error().Err(err).Msg("batch failed")

Secrets (PINs, recovery-token material) must never be logged; callers log
identifiers only.
*/
package log
