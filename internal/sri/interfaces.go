package sri

import (
	"context"
	"time"
)

// PageReader extracts the results table and paginator from the current view.
// Reads are synchronous queries; the engine re-reads after every navigation
// because the portal rebuilds the table in place.
type PageReader interface {
	ReadPage(ctx context.Context, tabID string) (PageData, error)
	ReadPagination(ctx context.Context, tabID string) (PaginationState, error)
}

// Navigator drives the portal's paginator controls.
type Navigator interface {
	// GoFirstPage clicks the first-page control.
	GoFirstPage(ctx context.Context, tabID string) error
	// GoNextPage clicks the next-page control. It returns false when the
	// control is disabled (already on the last page).
	GoNextPage(ctx context.Context, tabID string) (bool, error)
}

// DownloadTrigger invokes the portal's in-page download mechanism for one
// link ID. A nil return means only that the trigger fired, not that a file
// arrived; arrival is observed separately by the confirmation listener.
type DownloadTrigger interface {
	Trigger(ctx context.Context, tabID, linkID string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// RunIDGenerator produces unique run identifiers.
type RunIDGenerator interface {
	NewRunID() (string, error)
}
