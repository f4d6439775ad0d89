/*
Package storage persists log entries on the local filesystem until they are
shipped.

Entries are written as JSON lines to a single live segment named "current".
The live segment is rotated into gzip-compressed sealed segments, each named
by the epoch millisecond at which it was sealed, so a numeric sort of the
directory yields delivery order.

# Segment lifecycle

	Record -> DoubleBuffer -> Flush -> current -> RollLive -> 1700000000000 (gzip)
	                                                         -> CompactSealed
	                                                         -> Prune (retention)

Flush runs every five seconds and drops the batch, counting it in
logship_entries_dropped_total, when free space on the data partition is
below MinFreeSpace. Maintain runs every thirty seconds: it rolls a live
segment larger than MaxLiveSize, compacts when more than MaxSealed sealed
segments exist, and applies the retention policy.

# Concurrency

Live-segment operations (Flush, HasLiveEntries, RollLive) serialize on one
mutex; sealed-segment operations (ForEachSealed, CompactSealed, Prune) on
another. Salvage bypasses the live lock for crash paths.

# Metadata

BoltMetaStore keeps user metadata labels in a bbolt database (meta.db) so
they survive restarts.
*/
package storage
