package fieldsync

import "context"

// Backend is the shared document store every device replicates against.
// Implementations merge pushed fields last-writer-wins and assign each
// accepted change a revision greater than every earlier one.
type Backend interface {
	// Push applies changes and returns one ack per change, in order.
	// Tombstoning a File also tombstones every dependent document of it.
	Push(ctx context.Context, c Collection, changes []Change) ([]PushAck, error)

	// Pull returns documents of the cursor files with revisions above each
	// file's cursor, oldest first, at most limit in total.
	Pull(ctx context.Context, c Collection, cursors map[string]int64, limit int) (PullBatch, error)

	Close() error
}

// ChangeNotifier is implemented by backends that can announce remote changes.
// The channel receives the collection that changed and is closed when ctx
// ends or the stream breaks.
type ChangeNotifier interface {
	Subscribe(ctx context.Context) (<-chan Collection, error)
}
