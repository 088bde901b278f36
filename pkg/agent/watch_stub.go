//go:build !consul

package agent

import "context"

// WatchEnabled returns false when consul build tag is not present.
func WatchEnabled() bool { return false }

// StartDesiredWatch is a no-op without consul tag.
func StartDesiredWatch(_ context.Context, _, _, _ string, _ func()) error { return nil }
