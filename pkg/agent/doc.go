/*
Package agent is the entry point applications embed to ship their logs.

An Agent owns the whole pipeline:

	Log/Info/Error ──► verbosity gate ──► labels ──► DoubleBuffer
	                                                     │ every 5s
	                                                     ▼
	                                          live segment "current"
	                                                     │ push cycle / 1 MiB
	                                                     ▼
	                                       sealed gzip segments ──► collector

Logging calls never block on I/O and never return errors. Entries below the
configured level are discarded before they exist; entries written while
the disk is nearly full are dropped in batches. Everything else reaches the
collector eventually, possibly more than once.

# Usage

	cfg := config.Default()
	cfg.Endpoint = "https://logs.example.com/ingest"

	a, err := agent.New(cfg, agent.Dependencies{})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	defer a.CrashHook()

	a.SetMeta("user", "alice")
	a.Info("checkout started")
	a.Error("payment failed", err)

# Labels

Every entry carries the platform labels (logship-version, platform, arch,
host, instance-id, ...) merged with metadata set through SetMeta.
Metadata wins on conflicts and is persisted in a bbolt database in the
data directory so it survives restarts.

# Lifecycle

Hosts that know when they are backgrounded call NotifyBackground (or publish
events.EventBackground on Lifecycle()) to get an extra push cycle before the
process may be suspended.

# Diagnostics

The agent logs about itself through zerolog to the Diagnostics writer.
With ShipDiagnostics enabled, its warnings and errors are also sent to the
collector as entries labelled logship/internal=true, rate limited; when
that direct push fails they are stored like any other entry.
*/
package agent
