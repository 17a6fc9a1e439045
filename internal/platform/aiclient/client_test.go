package aiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(url string) *Client {
	return NewClient(Config{
		BaseURL:        url,
		APIKey:         "secret",
		Model:          "extract-v1",
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
	}, zerolog.Nop())
}

func TestExtract_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/extract" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req extractRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Input != "my cortisol was 1.4" || req.System != "extract" || req.Model != "extract-v1" {
			t.Errorf("unexpected request body %+v", req)
		}
		if string(req.ResponseSchema) != `{"type":"object"}` {
			t.Errorf("unexpected schema %s", req.ResponseSchema)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"output": `{"labs":[]}`})
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Extract(context.Background(), "extract", "my cortisol was 1.4", []byte(`{"type":"object"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"labs":[]}` {
		t.Errorf("unexpected output %q", out)
	}
}

func TestExtract_ObjectOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"output":{"labs":[{"name":"tsh"}]}}`))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Extract(context.Background(), "", "x", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"labs":[{"name":"tsh"}]}` {
		t.Errorf("unexpected output %q", out)
	}
}

func TestExtract_RetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if n == 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"output":"ok"}`))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Extract(context.Background(), "", "x", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "ok" || atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected success on third call, got %q after %d calls", out, calls)
	}
}

func TestExtract_GivesUpAsUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Extract(context.Background(), "", "x", nil)
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestExtract_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("schema rejected"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Extract(context.Background(), "", "x", nil)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected StatusError 400, got %v", err)
	}
	if errors.Is(err, ErrServiceUnavailable) {
		t.Error("a 400 is not a transient failure")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
}

func TestExtract_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Extract(context.Background(), "", "x", nil)
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
}
