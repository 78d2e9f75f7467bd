package clientsync

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

	"github.com/google/uuid"

	"github.com/tabgrove/spacesync/internal/spacesync"
)

// HTTPError carries a non-2xx backend response.
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

// Snapshot is the client's copy of the full authoritative state.
type Snapshot struct {
	Spaces       map[string]spacesync.Space `json:"spaces"`
	ClosedSpaces map[string]spacesync.Space `json:"closedSpaces"`
}

// SpaceResult is the committed outcome of a mutation.
type SpaceResult struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Version int64           `json:"version"`
	Space   spacesync.Space `json:"space"`
}

// RemoteClient is the request/response half of the protocol. Broadcasts
// arrive separately over the notification socket.
type RemoteClient interface {
	FetchSnapshot(ctx context.Context) (Snapshot, error)
	CreateSpace(ctx context.Context, name string, urls []string) (SpaceResult, error)
	Rename(ctx context.Context, windowID, name string) (SpaceResult, error)
	CloseSpace(ctx context.Context, windowID string) (SpaceResult, error)
	SwitchTo(ctx context.Context, windowID string) (SpaceResult, error)
	Restore(ctx context.Context, spaceID string) (SpaceResult, error)
	RemoveClosed(ctx context.Context, spaceID string) (SpaceResult, error)
}

type HTTPClient struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, clientID string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8620"
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		clientID:   clientID,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// NotificationURL is the websocket endpoint matching this client's base URL.
func (c *HTTPClient) NotificationURL() string {
	u := c.baseURL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/v1/notifications"
}

func (c *HTTPClient) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	var out Snapshot
	err := c.doJSON(ctx, http.MethodGet, "/v1/spaces", nil, &out)
	if out.Spaces == nil {
		out.Spaces = map[string]spacesync.Space{}
	}
	if out.ClosedSpaces == nil {
		out.ClosedSpaces = map[string]spacesync.Space{}
	}
	return out, err
}

func (c *HTTPClient) CreateSpace(ctx context.Context, name string, urls []string) (SpaceResult, error) {
	var out SpaceResult
	body := map[string]any{"name": name, "urls": urls}
	err := c.doJSON(ctx, http.MethodPost, "/v1/spaces", body, &out)
	return out, err
}

func (c *HTTPClient) Rename(ctx context.Context, windowID, name string) (SpaceResult, error) {
	var out SpaceResult
	body := map[string]any{"name": name}
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/windows/%s/rename", url.PathEscape(windowID)), body, &out)
	return out, err
}

func (c *HTTPClient) CloseSpace(ctx context.Context, windowID string) (SpaceResult, error) {
	var out SpaceResult
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/windows/%s/close", url.PathEscape(windowID)), nil, &out)
	return out, err
}

func (c *HTTPClient) SwitchTo(ctx context.Context, windowID string) (SpaceResult, error) {
	var out SpaceResult
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/windows/%s/switch", url.PathEscape(windowID)), nil, &out)
	return out, err
}

func (c *HTTPClient) Restore(ctx context.Context, spaceID string) (SpaceResult, error) {
	var out SpaceResult
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/closed-spaces/%s/restore", url.PathEscape(spaceID)), nil, &out)
	return out, err
}

func (c *HTTPClient) RemoveClosed(ctx context.Context, spaceID string) (SpaceResult, error) {
	var out SpaceResult
	err := c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/v1/closed-spaces/%s", url.PathEscape(spaceID)), nil, &out)
	return out, err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
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
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		req.Header.Set("X-Client-Id", c.clientID)
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
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds > 0 {
			d := time.Duration(seconds) * time.Second
			if d > c.maxDelay {
				return c.maxDelay
			}
			return d
		}
	}
	d := c.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.maxDelay {
			return c.maxDelay
		}
	}
	if d > c.maxDelay {
		return c.maxDelay
	}
	return d
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
