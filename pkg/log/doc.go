/*
Package log provides structured logging for the streamrunner dataflow
engine, wrapping zerolog with the child-logger helpers the rest of the
engine tags its log lines with.

# Architecture

	┌──────────────────── LOGGING SYSTEM ───────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Init(cfg Config)                │          │
	│  │  - sets the global zerolog level             │          │
	│  │  - JSON output or console (TTY) output       │          │
	│  │  - writes to cfg.Output, default os.Stdout   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │               Logger (global)                │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Child logger constructors           │          │
	│  │  WithComponent(name)  - e.g. "epoch", "dag"  │          │
	│  │  WithNode(node)       - one DAG node's worker│          │
	│  │  WithSchema(schema)   - one schema's lines   │          │
	│  │  WithEpoch(epochID)   - epoch being decided  │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Usage

	import "github.com/cuemby/streamrunner/pkg/log"

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	log.WithComponent("epoch").Info().Uint64("epoch", id).Msg("epoch closed")
	log.WithNode("raw_sink").Info().Msg("committed")

	log.Info("engine starting")
	log.Errorf("source disconnected", err)

# Design Patterns

Global Logger, Scoped Children:
  - Init sets the package-level Logger once at startup; call sites get a
    scoped child via With* rather than reconfiguring the global logger.

Level Discipline:
  - DebugLevel for per-operation tracing (cursor scans, index rewrites),
    InfoLevel for epoch/commit lifecycle events, WarnLevel/ErrorLevel for
    conditions an operator should notice (overflow, store corruption).

# See Also

  - zerolog: https://github.com/rs/zerolog
*/
package log
