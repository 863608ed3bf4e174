// Package logger provides slog-based structured logging for the upholder.
//
// The factory builds a JSON logger whose handler is decorated with context
// extractors: values the orchestrator places in context (component name,
// audit cycle id) are attached to every record logged under that context.
//
//	log := logger.New(slog.LevelInfo,
//	    logger.ComponentExtractor,
//	    logger.CycleIDExtractor,
//	)
//
//	ctx = logger.WithComponent(ctx, "analyzer")
//	log.InfoContext(ctx, "pass complete")  // {"component":"analyzer",...}
//
// NewWithSentry fans records out to stdout and Sentry so warn/error records
// (degraded cycles, sink failures) surface as Sentry events.
package logger
