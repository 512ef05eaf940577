// Package gather defines the contract shared by all ingestion runs.
package gather

import "context"

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs one ingestion run. It returns when the run reaches a
	// terminal state or ctx is cancelled.
	Run(ctx context.Context) error
}
