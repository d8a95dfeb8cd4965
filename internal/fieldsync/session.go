package fieldsync

import "context"

// SessionChecker reports whether an authenticated session is present.
type SessionChecker interface {
	Authenticated(ctx context.Context) (bool, error)
}

// SessionFunc adapts a function to SessionChecker.
type SessionFunc func(ctx context.Context) (bool, error)

func (f SessionFunc) Authenticated(ctx context.Context) (bool, error) { return f(ctx) }

// SchemaRegistry validates, normalises and upgrades collection documents.
type SchemaRegistry interface {
	// Version returns the current schema version of a collection.
	Version(collection string) int

	// Prepare normalises data in place and validates it against the current schema.
	Prepare(collection string, data map[string]any) error

	// Immutable reports whether documents of the collection are append-only.
	Immutable(collection string) bool

	// Upgrade migrates data written at version to the current version.
	Upgrade(collection string, version int, data map[string]any) (map[string]any, int, error)
}
