package fieldsync

import "context"

// LeaderToken is the capability to run replication. Exactly one process per
// local store holds a live token at a time.
type LeaderToken interface {
	// Lost is closed when leadership ends.
	Lost() <-chan struct{}
	Release() error
}

// LeaderElector hands out leader tokens.
type LeaderElector interface {
	// Acquire blocks until this process becomes leader or ctx ends.
	Acquire(ctx context.Context) (LeaderToken, error)
}

func tokenLive(t LeaderToken) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.Lost():
		return false
	default:
		return true
	}
}
