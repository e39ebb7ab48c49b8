// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"
)

// Engine is the sync engine as seen by the scheduler and the command layer.
// This interface allows for mocking in tests and alternative implementations.
type Engine interface {
	// SyncAll runs one round for owner. It returns a zero Result when a round
	// is already in flight or the remote service is known to be unreachable.
	SyncAll(ctx context.Context, owner string, notifyUser bool) Result

	// InProgress reports whether a round is running.
	InProgress() bool

	// LastSync returns the finish time of the last completed round.
	LastSync(ctx context.Context) (time.Time, bool)
}

// Connectivity reports whether the remote service is believed reachable.
type Connectivity interface {
	IsOnline() bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func() bool

// IsOnline calls f.
func (f ConnectivityFunc) IsOnline() bool { return f() }

// AlwaysOnline is the Connectivity used when none is configured.
var AlwaysOnline Connectivity = ConnectivityFunc(func() bool { return true })

var _ Engine = (*SyncEngine)(nil)
