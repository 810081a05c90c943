package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPSessionCounters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/clients/client-7" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", got)
		}
		fmt.Fprint(w, `{"code":0,"client":{"id":"client-7","recv_bytes":12345,"send_bytes":678}}`)
	}))
	defer server.Close()

	controller, err := NewHTTPController(HTTPConfig{BaseURL: server.URL, Token: "secret"})
	if err != nil {
		t.Fatalf("NewHTTPController returned error: %v", err)
	}
	session := controller.Handle("client-7")

	in, err := session.BytesIn(context.Background())
	if err != nil {
		t.Fatalf("BytesIn returned error: %v", err)
	}
	if in != 12345 {
		t.Fatalf("expected 12345 bytes in, got %d", in)
	}
	out, err := session.BytesOut(context.Background())
	if err != nil {
		t.Fatalf("BytesOut returned error: %v", err)
	}
	if out != 678 {
		t.Fatalf("expected 678 bytes out, got %d", out)
	}
}

func TestHTTPSessionStatsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":2048}`)
	}))
	defer server.Close()

	controller, err := NewHTTPController(HTTPConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPController returned error: %v", err)
	}
	if _, err := controller.Handle("gone").BytesIn(context.Background()); err == nil {
		t.Fatalf("expected error for non-zero engine code")
	}
}

func TestTerminateTreatsNotFoundAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	controller, err := NewHTTPController(HTTPConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPController returned error: %v", err)
	}
	if err := controller.Handle("client-1").Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate should tolerate an already closed connection: %v", err)
	}
}

func TestStatsRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"code":0,"client":{"id":"client-1","recv_bytes":9,"send_bytes":0}}`)
	}))
	defer server.Close()

	controller, err := NewHTTPController(HTTPConfig{
		BaseURL:       server.URL,
		MaxAttempts:   3,
		RetryInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHTTPController returned error: %v", err)
	}
	in, err := controller.Handle("client-1").BytesIn(context.Background())
	if err != nil {
		t.Fatalf("BytesIn returned error after retries: %v", err)
	}
	if in != 9 {
		t.Fatalf("expected 9 bytes, got %d", in)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}
