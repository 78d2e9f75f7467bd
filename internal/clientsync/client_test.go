package clientsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestFetchSnapshotRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"code":"internal_error","message":"boom"}`, http.StatusInternalServerError)
			return
		}
		if r.Header.Get("X-Correlation-Id") == "" || r.Header.Get("X-Client-Id") == "" {
			t.Error("request missing identification headers")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"spaces":{"s1":{"id":"s1","name":"Work","version":2}},"closedSpaces":{}}`))
	}))
	defer ts.Close()

	client := NewHTTPClient(ts.URL, "test-client", nil)
	snapshot, err := client.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, saw %d calls", calls.Load())
	}
	if sp, ok := snapshot.Spaces["s1"]; !ok || sp.Version != 2 {
		t.Fatalf("snapshot %+v", snapshot)
	}
}

func TestRateLimitedRequestsRetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"code":"rate_limited","message":"slow down"}`, http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"s1","name":"Work","version":3,"space":{"id":"s1","name":"Work","version":3}}`))
	}))
	defer ts.Close()

	client := NewHTTPClient(ts.URL, "test-client", nil)
	result, err := client.Rename(context.Background(), "w1", "Work")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry after 429, saw %d calls", calls.Load())
	}
	if result.Version != 3 {
		t.Fatalf("result %+v", result)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"code":"not_found","message":"no such window"}`, http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewHTTPClient(ts.URL, "test-client", nil)
	_, err := client.Rename(context.Background(), "w-missing", "X")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("got %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusNotFound || httpErr.Code != "not_found" {
		t.Fatalf("error %+v", httpErr)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx retried: %d calls", calls.Load())
	}
}

func TestNotificationURL(t *testing.T) {
	client := NewHTTPClient("http://localhost:8620/", "c", nil)
	if got := client.NotificationURL(); got != "ws://localhost:8620/v1/notifications" {
		t.Fatalf("notification url %q", got)
	}
	secure := NewHTTPClient("https://spaces.example.com", "c", nil)
	if got := secure.NotificationURL(); got != "wss://spaces.example.com/v1/notifications" {
		t.Fatalf("secure notification url %q", got)
	}
}
