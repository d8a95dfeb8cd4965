package fieldsync

import "context"

// DocumentStore is the local document database. Implementations must be safe
// for concurrent use by multiple goroutines.
type DocumentStore interface {
	// Insert stores a new document with every field dirty.
	Insert(ctx context.Context, doc *Document) error

	// Get returns a live document. Returns nil, nil when the document does not
	// exist or is tombstoned.
	Get(ctx context.Context, c Collection, id string) (*Document, error)

	// Find returns documents matching q ordered by id.
	Find(ctx context.Context, c Collection, q Query) ([]*Document, error)

	// Patch merges fields into a live document and marks them dirty. If
	// schemaVersion is non-zero the stored version is replaced.
	// Returns ErrNotFound when the document is missing or tombstoned.
	Patch(ctx context.Context, c Collection, id string, fields map[string]any, schemaVersion int) (*Document, error)

	// Remove tombstones matching documents so the deletion replicates.
	Remove(ctx context.Context, c Collection, q Query) (int, error)

	// Purge hard-deletes matching documents without leaving tombstones.
	Purge(ctx context.Context, c Collection, q Query) (int, error)

	// Changes returns a coalescing notification channel that receives a value
	// after any mutation of c. The returned func unsubscribes.
	Changes(c Collection) (<-chan struct{}, func())

	// PendingPush returns dirty documents (tombstones included) matching q.
	PendingPush(ctx context.Context, c Collection, q Query) ([]*Document, error)

	// MarkPushed records server revisions and clears dirty fields of documents
	// unchanged since they were read for the push.
	MarkPushed(ctx context.Context, c Collection, acks []PushAck) error

	// ApplyPulled merges remote documents and advances pull cursors atomically.
	ApplyPulled(ctx context.Context, c Collection, docs []*Document, cursors map[string]int64) error

	// Cursors returns the pull cursor of each file for c; missing files map to 0.
	Cursors(ctx context.Context, c Collection, fileIDs []string) (map[string]int64, error)

	// ResetCursors forgets every collection's pull cursor for the given files.
	ResetCursors(ctx context.Context, fileIDs []string) error

	// Compact drops tombstones that no longer need replicating and reclaims space.
	Compact(ctx context.Context) error

	Close() error
}
