package fieldsync

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a document or file does not exist locally.
	ErrNotFound = errors.New("not found")

	// ErrUnauthenticated is returned when no session appeared within the auth wait.
	ErrUnauthenticated = errors.New("no authenticated session")

	// ErrSyncTimeout is returned when a file did not become ready within the
	// configured readiness timeout.
	ErrSyncTimeout = errors.New("timed out waiting for initial sync")

	// ErrSuperseded is returned to a readiness poller cancelled by a newer
	// request for the same file.
	ErrSuperseded = errors.New("superseded by a newer open request")

	// ErrNotLeader is returned when replication is started without a live
	// leader token.
	ErrNotLeader = errors.New("not the replication leader")

	// ErrAssigned is returned when deleting a person or equipment that is
	// still assigned to a team.
	ErrAssigned = errors.New("still assigned to a team")

	// ErrImmutable is returned when patching or removing an append-only document.
	ErrImmutable = errors.New("document is append-only")

	// ErrCapacity is returned when assigning more equipment units than exist.
	ErrCapacity = errors.New("no units available")

	// ErrChannelClosed is returned by AwaitInSync once a channel was cancelled.
	ErrChannelClosed = errors.New("replication channel closed")
)

// CascadeError reports which collections failed during a best-effort fan-out.
// Collections not listed completed successfully.
type CascadeError struct {
	Op       string
	FileID   string
	Failures map[Collection]error
}

func (e *CascadeError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for c := range e.Failures {
		names = append(names, string(c))
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", n, e.Failures[Collection(n)]))
	}
	return fmt.Sprintf("%s %s: %d collection(s) failed: %s", e.Op, e.FileID, len(names), strings.Join(parts, "; "))
}

func (e *CascadeError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}
