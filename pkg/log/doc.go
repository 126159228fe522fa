/*
Package log provides structured logging for xtreestore using zerolog.

The store and the checkpoint coordinator log through component-scoped
child loggers obtained from this package, so a single JSON stream can be
filtered by component without touching call sites. The other packages of
the persistence core do not log.

# Architecture

	┌─────────────────── LOGGING SYSTEM ───────────────────┐
	│  Global Logger (zerolog.Logger, set by log.Init)      │
	│        │                                              │
	│        ▼                                              │
	│  log.WithComponent("deltalog") / ("coordinator") / …  │
	│        │                                              │
	│        ▼                                              │
	│  JSON: {"level":"warn","component":"recovery",        │
	│         "time":"...","message":"torn tail frame..."}  │
	└────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	dl := log.WithComponent("deltalog")
	dl.Warn().Uint64("offset", lastGood).Msg("torn frame detected, truncating")

	co := log.WithComponent("coordinator")
	co.Info().Uint64("epoch", epoch).Int("entries", n).Msg("checkpoint written")

Component loggers in use across this module: "coordinator", "store".

# Log levels

Debug is for per-frame/per-handle tracing (noisy, development only). Info
covers lifecycle events: checkpoint written, log rotated, recovery
completed. Warn covers recoverable integrity events: torn frame
truncated, corrupt superblock ignored in favor of the manifest. Error
covers failures the caller must react to: fsync failure, exhausted
handle space.
*/
package log
