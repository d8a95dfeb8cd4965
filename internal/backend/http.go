package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"fieldsync-go/internal/fieldsync"
)

// PushRequest is the body of POST /v1/collections/{collection}/push.
type PushRequest struct {
	Changes []fieldsync.Change `json:"changes"`
}

// PushResponse acknowledges a push, one ack per change in order.
type PushResponse struct {
	Acks []fieldsync.PushAck `json:"acks"`
}

// PullRequest is the body of POST /v1/collections/{collection}/pull. The
// response is a fieldsync.PullBatch.
type PullRequest struct {
	Cursors map[string]int64 `json:"cursors"`
	Limit   int              `json:"limit,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChangesPath streams collection names over a websocket as pushes land.
const ChangesPath = "/v1/changes"

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Unwrap lets callers match a rejected session with fieldsync.ErrUnauthenticated.
func (e *HTTPError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return fieldsync.ErrUnauthenticated
	}
	return nil
}

// HTTPBackend talks to a fieldsync server.
type HTTPBackend struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPBackend(baseURL string, tokens TokenSource, httpClient *http.Client) *HTTPBackend {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPBackend{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func collectionPath(c fieldsync.Collection, op string) string {
	return "/v1/collections/" + url.PathEscape(string(c)) + "/" + op
}

func (c *HTTPBackend) Push(ctx context.Context, col fieldsync.Collection, changes []fieldsync.Change) ([]fieldsync.PushAck, error) {
	if err := validate(col, changes); err != nil {
		return nil, err
	}
	var resp PushResponse
	if err := c.doJSON(ctx, http.MethodPost, collectionPath(col, "push"), PushRequest{Changes: changes}, &resp); err != nil {
		return nil, fmt.Errorf("pushing %s: %w", col, err)
	}
	if len(resp.Acks) != len(changes) {
		return nil, fmt.Errorf("pushing %s: server acknowledged %d of %d changes", col, len(resp.Acks), len(changes))
	}
	return resp.Acks, nil
}

func (c *HTTPBackend) Pull(ctx context.Context, col fieldsync.Collection, cursors map[string]int64, limit int) (fieldsync.PullBatch, error) {
	var batch fieldsync.PullBatch
	if err := c.doJSON(ctx, http.MethodPost, collectionPath(col, "pull"), PullRequest{Cursors: cursors, Limit: limit}, &batch); err != nil {
		return fieldsync.PullBatch{}, fmt.Errorf("pulling %s: %w", col, err)
	}
	for _, d := range batch.Documents {
		d.Collection = col
	}
	if batch.Cursors == nil {
		batch.Cursors = map[string]int64{}
	}
	return batch, nil
}

// Subscribe opens the change stream. The channel closes when the socket
// drops; the caller resubscribes.
func (c *HTTPBackend) Subscribe(ctx context.Context) (<-chan fieldsync.Collection, error) {
	header := http.Header{}
	if err := c.authorize(header); err != nil {
		return nil, err
	}
	// The stream is long-lived; the request timeout must not apply to it.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + ChangesPath
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: &streamClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("opening change stream: %w", err)
	}

	out := make(chan fieldsync.Collection, len(fieldsync.Collections))
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			col, err := fieldsync.ParseCollection(string(data))
			if err != nil {
				continue
			}
			send(ctx, out, col)
		}
	}()
	return out, nil
}

func (c *HTTPBackend) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *HTTPBackend) authorize(h http.Header) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", fieldsync.ErrUnauthenticated, err)
	}
	h.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *HTTPBackend) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if err := c.authorize(req.Header); err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload ErrorResponse
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPBackend) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return time.Until(at)
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
