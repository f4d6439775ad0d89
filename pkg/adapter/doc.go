// Package adapter feeds third-party logging front ends into the agent.
// SlogHandler lets code written against log/slog ship through logship.
package adapter
