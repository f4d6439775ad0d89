// Package platform describes the host the agent runs on.
package platform
