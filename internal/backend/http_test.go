package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"fieldsync-go/internal/fieldsync"
)

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

func newTestHTTPBackend(url string) *HTTPBackend {
	c := NewHTTPBackend(url, staticToken("secret"), nil)
	c.baseDelay = time.Millisecond
	c.maxDelay = 5 * time.Millisecond
	return c
}

func TestHTTPBackend_Push(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/collections/teams/push", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		acks := make([]fieldsync.PushAck, len(req.Changes))
		for i, ch := range req.Changes {
			acks[i] = fieldsync.PushAck{ID: ch.ID, Revision: int64(i + 10)}
		}
		_ = json.NewEncoder(w).Encode(PushResponse{Acks: acks})
	}))
	defer srv.Close()

	acks, err := newTestHTTPBackend(srv.URL).Push(context.Background(), fieldsync.Teams, []fieldsync.Change{
		{ID: "t1", FileID: "f1"}, {ID: "t2", FileID: "f1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []fieldsync.PushAck{{ID: "t1", Revision: 10}, {ID: "t2", Revision: 11}}, acks)
}

func TestHTTPBackend_RetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(fieldsync.PullBatch{
			Documents: []*fieldsync.Document{{ID: "l1", FileID: "f1", Revision: 4}},
			Cursors:   map[string]int64{"f1": 4},
		})
	}))
	defer srv.Close()

	batch, err := newTestHTTPBackend(srv.URL).Pull(context.Background(), fieldsync.Logs, map[string]int64{"f1": 0}, 50)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, batch.Documents, 1)
	assert.Equal(t, fieldsync.Logs, batch.Documents[0].Collection)
	assert.Equal(t, int64(4), batch.Cursors["f1"])
}

func TestHTTPBackend_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized maps to unauthenticated",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, fieldsync.ErrUnauthenticated)
			},
		},
		{
			name:   "bad request is returned as is",
			status: http.StatusBadRequest,
			check: func(t *testing.T, err error) {
				var httpErr *HTTPError
				require.ErrorAs(t, err, &httpErr)
				assert.Equal(t, "invalid_change", httpErr.Code)
				assert.NotErrorIs(t, err, fieldsync.ErrUnauthenticated)
			},
		},
		{
			name:   "server errors give up after retries",
			status: http.StatusInternalServerError,
			check: func(t *testing.T, err error) {
				var httpErr *HTTPError
				require.ErrorAs(t, err, &httpErr)
				assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(ErrorResponse{Code: "invalid_change", Message: "nope"})
			}))
			defer srv.Close()

			_, err := newTestHTTPBackend(srv.URL).Push(context.Background(), fieldsync.Teams, []fieldsync.Change{{ID: "t1", FileID: "f1"}})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestHTTPBackend_Subscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ChangesPath, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for _, msg := range []string{"teams", "bogus", "logs"} {
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(msg)); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	changes, err := newTestHTTPBackend(srv.URL).Subscribe(ctx)
	require.NoError(t, err)

	var got []fieldsync.Collection
	for c := range changes {
		got = append(got, c)
	}
	assert.Equal(t, []fieldsync.Collection{fieldsync.Teams, fieldsync.Logs}, got)
}

func TestRetryDelay(t *testing.T) {
	c := NewHTTPBackend("", nil, nil)
	assert.Equal(t, 100*time.Millisecond, c.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, c.retryDelay(3, ""))
	assert.Equal(t, 2*time.Second, c.retryDelay(10, ""))
	assert.Equal(t, time.Second, c.retryDelay(1, "1"))
	assert.Equal(t, 2*time.Second, c.retryDelay(1, "120"))
}
