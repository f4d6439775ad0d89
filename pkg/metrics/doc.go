/*
Package metrics exposes Prometheus metrics and health status for logship.

All collectors are package-level variables registered with the default
registry in init, so any package can update them without plumbing.

# Metrics Catalog

Intake:
  - logship_entries_total{level}: entries that passed the verbosity gate
  - logship_entries_filtered_total: entries rejected by the verbosity gate
  - logship_entries_dropped_total{reason}: accepted data discarded
    (insufficient_space, storage_io, encoding count entries;
    corrupt_segment and retention count segments)

Storage:
  - logship_flushed_bytes_total: bytes appended to the live segment
  - logship_rotations_total, logship_compactions_total
  - logship_live_segment_bytes, logship_sealed_segments, logship_sealed_bytes

Push:
  - logship_push_requests_total{kind, result}: kind is segment or direct,
    result is success or failure
  - logship_push_cycle_duration_seconds
  - logship_push_cycle_timeouts_total

# Health

Components report through RegisterComponent / UpdateComponent. A failing
storage component makes the agent unhealthy and not ready; a failing push
component only degrades it, since sealed segments wait on disk until the
collector comes back.

	http.Handle("/metrics", metrics.Handler())
	http.Handle("/health", metrics.HealthHandler())
	http.Handle("/ready", metrics.ReadyHandler())
*/
package metrics
