// Package tools holds small helpers shared across commands.
package tools

import "os"

// GetenvDefault reads key from the environment, falling back to def when the
// variable is unset or empty. Commands use it with the SCRATCHCOMM_ prefix to
// seed flag defaults (e.g. SCRATCHCOMM_CONFIG for --config).
func GetenvDefault(key, def string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return def
}
