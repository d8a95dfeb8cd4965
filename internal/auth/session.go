package auth

import (
	"context"
	"errors"
	"fmt"

	"fieldsync-go/internal/fieldsync"
)

const tokenKey = "session.token"

// Session is the device's persisted sign-in. It backs both the readiness
// gate (Authenticated) and the HTTP backend's bearer token (Token).
type Session struct {
	store fieldsync.KeyValue
	clock fieldsync.Clock
}

func NewSession(store fieldsync.KeyValue, clock fieldsync.Clock) *Session {
	if clock == nil {
		clock = fieldsync.RealClock{}
	}
	return &Session{store: store, clock: clock}
}

// SignIn stores token after checking that it is well formed and unexpired.
func (s *Session) SignIn(token string) (*Claims, error) {
	claims, err := Inspect(token)
	if err != nil {
		return nil, err
	}
	if claims.Expired(s.clock.Now()) {
		return nil, fmt.Errorf("%w: token already expired", ErrInvalidToken)
	}
	if err := s.store.SetString(tokenKey, token); err != nil {
		return nil, fmt.Errorf("saving session token: %w", err)
	}
	return claims, nil
}

// SignOut forgets the stored token.
func (s *Session) SignOut() error {
	if err := s.store.Delete(tokenKey); err != nil {
		return fmt.Errorf("removing session token: %w", err)
	}
	return nil
}

// Token returns the stored token, or ErrNoSession when there is none or it
// has expired.
func (s *Session) Token() (string, error) {
	token, _, err := s.current()
	return token, err
}

// Claims returns the claims of the stored token.
func (s *Session) Claims() (*Claims, error) {
	_, claims, err := s.current()
	return claims, err
}

func (s *Session) Authenticated(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, _, err := s.current()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrInvalidToken):
		return false, nil
	default:
		return false, err
	}
}

// Watch reports writes to the stored session, including sign-ins and
// sign-outs made by other processes. It returns nil when the store cannot
// report them.
func (s *Session) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, ok := s.store.(fieldsync.KeyValueWatcher)
	if !ok {
		return nil, nil
	}
	return w.Watch(ctx)
}

func (s *Session) current() (string, *Claims, error) {
	token, err := s.store.String(tokenKey)
	if err != nil {
		return "", nil, fmt.Errorf("reading session token: %w", err)
	}
	if token == "" {
		return "", nil, ErrNoSession
	}
	claims, err := Inspect(token)
	if err != nil {
		return "", nil, err
	}
	if claims.Expired(s.clock.Now()) {
		return "", nil, fmt.Errorf("%w: token expired", ErrNoSession)
	}
	return token, claims, nil
}
