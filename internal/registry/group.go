// ABOUTME: Broadcast group definition shared by every registered player
// ABOUTME: A single default group today, carried on records for later expansion
package registry

import "time"

// DefaultGroupID names the one broadcast group every player joins.
const DefaultGroupID = "default"

// Group is a set of players that play the same stream in lock-step. There
// is exactly one today; records carry a GroupID so more can be added.
type Group struct {
	ID   string
	Name string
	// OutputLatency is the fixed delay from capture to playback for the group
	OutputLatency time.Duration
}

// DefaultGroup returns the single broadcast group.
func DefaultGroup(latency time.Duration) Group {
	return Group{ID: DefaultGroupID, Name: "All players", OutputLatency: latency}
}
