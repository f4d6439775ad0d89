/*
Package push delivers sealed segments to the collector.

A push cycle flushes the buffer, seals the live segment when it holds
content, then POSTs sealed segments oldest first with Content-Encoding: gzip.
A segment is deleted only after a status below 400. The cycle stops after
three failed requests or one minute, leaving the rest for the next cycle,
so an unreachable collector sees at most three requests per interval.

Cycles are serialized: the periodic task and lifecycle triggers may call
RunCycle concurrently, and the second caller waits for the first.

PushDirect sends a single entry uncompressed, bypassing storage; callers
fall back to storing the entry when it fails.
*/
package push
