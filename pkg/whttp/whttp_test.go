package whttp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><title>History of Changes</title><body>v1 v2</body></html>"))
	}))
	defer srv.Close()

	res, err := Fetch(context.Background(), &Request{URL: srv.URL}, 5*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != 200 {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if res.HTMLTitle != "History of Changes" {
		t.Fatalf("title = %q", res.HTMLTitle)
	}
}

func TestFetchNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), &Request{URL: srv.URL}, 5*time.Second, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Code != 503 {
		t.Fatalf("code = %d", statusErr.Code)
	}
}

func TestFetchHardDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	start := time.Now()
	_, err := Fetch(context.Background(), &Request{URL: srv.URL}, 100*time.Millisecond, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("deadline did not fire promptly, waited %s", elapsed)
	}
}

func TestFetchDNSFailure(t *testing.T) {
	_, err := Fetch(context.Background(), &Request{URL: "http://this-host-does-not-exist.invalid/"}, 5*time.Second, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrDNS) {
		t.Fatalf("expected ErrDNS, got %v", err)
	}
}

func TestFetchEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	if _, err := Fetch(context.Background(), &Request{URL: srv.URL}, 5*time.Second, nil); err == nil {
		t.Fatal("expected error for empty body")
	}
}
