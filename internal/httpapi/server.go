// Package httpapi serves a Backend over HTTP so devices without direct
// access to the database or bucket can replicate through fieldsync-server.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"fieldsync-go/internal/auth"
	"fieldsync-go/internal/backend"
	"fieldsync-go/internal/fieldsync"
)

type ServerConfig struct {
	MaxBodyBytes int64
	MaxPullLimit int
	PingInterval time.Duration
}

// TokenVerifier checks bearer tokens.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

type Server struct {
	backend  fieldsync.Backend
	verifier TokenVerifier
	logger   fieldsync.Logger
	cfg      ServerConfig
	mux      *http.ServeMux

	// subs receive push announcements when the backend has no change feed.
	mu   sync.Mutex
	subs map[chan fieldsync.Collection]struct{}
}

func NewServer(b fieldsync.Backend, verifier TokenVerifier, logger fieldsync.Logger, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	if cfg.MaxPullLimit <= 0 {
		cfg.MaxPullLimit = 1000
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = fieldsync.NewNopLogger()
	}
	s := &Server{
		backend:  b,
		verifier: verifier,
		logger:   logger,
		cfg:      cfg,
		subs:     map[chan fieldsync.Collection]struct{}{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("POST /v1/collections/{collection}/push", s.authenticated(s.handlePush))
	mux.Handle("POST /v1/collections/{collection}/pull", s.authenticated(s.handlePull))
	mux.Handle("GET "+backend.ChangesPath, s.authenticated(s.handleChanges))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		if _, err := s.verifier.Verify(strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next(w, r)
	})
}

func (s *Server) collection(w http.ResponseWriter, r *http.Request) (fieldsync.Collection, bool) {
	c, err := fieldsync.ParseCollection(r.PathValue("collection"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_collection", err.Error())
		return "", false
	}
	return c, true
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	c, ok := s.collection(w, r)
	if !ok {
		return
	}
	var req backend.PushRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}

	acks, err := s.backend.Push(r.Context(), c, req.Changes)
	if err != nil {
		s.writeBackendError(w, "push", c, err)
		return
	}

	touched := []fieldsync.Collection{c}
	if c == fieldsync.Files {
		for _, ch := range req.Changes {
			if ch.Deleted {
				touched = append(touched, fieldsync.Dependents...)
				break
			}
		}
	}
	s.announce(touched...)
	writeJSON(w, http.StatusOK, backend.PushResponse{Acks: acks})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	c, ok := s.collection(w, r)
	if !ok {
		return
	}
	var req backend.PullRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > s.cfg.MaxPullLimit {
		limit = s.cfg.MaxPullLimit
	}

	batch, err := s.backend.Pull(r.Context(), c, req.Cursors, limit)
	if err != nil {
		s.writeBackendError(w, "pull", c, err)
		return
	}
	if batch.Documents == nil {
		batch.Documents = []*fieldsync.Document{}
	}
	writeJSON(w, http.StatusOK, batch)
}

// handleChanges streams collection names to the client as pushes land.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("change stream upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	changes, unsubscribe, err := s.subscribe(ctx)
	if err != nil {
		s.logger.Error("subscribing to backend changes", "error", err)
		conn.Close(websocket.StatusInternalError, "change feed unavailable")
		return
	}
	defer unsubscribe()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case c, ok := <-changes:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "change feed closed")
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte(c)); err != nil {
				return
			}
		}
	}
}

// subscribe prefers the backend's own change feed, which also sees pushes
// made through other servers.
func (s *Server) subscribe(ctx context.Context) (<-chan fieldsync.Collection, func(), error) {
	if n, ok := s.backend.(fieldsync.ChangeNotifier); ok {
		ch, err := n.Subscribe(ctx)
		return ch, func() {}, err
	}
	ch := make(chan fieldsync.Collection, len(fieldsync.Collections))
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}, nil
}

func (s *Server) announce(cols ...fieldsync.Collection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		for _, c := range cols {
			select {
			case ch <- c:
			default:
			}
		}
	}
}

func (s *Server) writeBackendError(w http.ResponseWriter, op string, c fieldsync.Collection, err error) {
	if errors.Is(err, backend.ErrInvalidChange) {
		writeError(w, http.StatusBadRequest, "invalid_change", err.Error())
		return
	}
	s.logger.Error("backend "+op+" failed", "collection", c, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "backend "+op+" failed")
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, backend.ErrorResponse{Code: code, Message: message})
}
