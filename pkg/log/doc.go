/*
Package log provides the structured diagnostics logger used inside logship.

It wraps zerolog with a package-level Logger, configurable level and
format, and component-scoped child loggers. These diagnostics describe
what the agent itself is doing (flushes, rotations, push failures); they
are never mixed with the application's own log entries, which travel
through pkg/agent.

# Usage

	log.Init(log.ConfigFor(cfg.Debug, os.Stderr))
	logger := log.WithComponent("storage")
	logger.Warn().Err(err).Msg("failed to rotate live segment")

In debug mode every diagnostic is written; otherwise only warnings and
errors. AddHook lets the agent observe warnings so they can be shipped to
the collector as internal entries.

# Thread Safety

The global Logger is replaced atomically by Init and AddHook; loggers
already handed out keep their configuration. zerolog loggers are safe
for concurrent use.
*/
package log
