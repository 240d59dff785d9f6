package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/safety"
)

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func TestFetchSuccess(t *testing.T) {
	body := "#!/bin/sh\necho installing\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "portainerctl" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	sum := sha256.Sum256([]byte(body))
	dest := filepath.Join(t.TempDir(), "get-docker.sh")
	res, err := newTestClient(srv).Fetch(context.Background(), Options{
		URL:              srv.URL,
		DestPath:         dest,
		ExpectedChecksum: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if res.Attempts != 1 || res.Size != int64(len(body)) {
		t.Errorf("result = %+v", res)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != body {
		t.Errorf("file content = %q", got)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	res, err := newTestClient(srv).Fetch(context.Background(), Options{URL: srv.URL, DestPath: filepath.Join(t.TempDir(), "f")})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "f")
	_, err := newTestClient(srv).Fetch(context.Background(), Options{URL: srv.URL, DestPath: dest})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("error = %v, want 404 HTTPError", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("destination should not exist after failure")
	}
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 100))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Fetch(context.Background(), Options{URL: srv.URL, DestPath: filepath.Join(t.TempDir(), "f"), MaxSize: 10})
	if !errors.Is(err, safety.ErrBodyTooLarge) {
		t.Errorf("error = %v, want ErrBodyTooLarge", err)
	}
}

func TestFetchChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "tampered")
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Fetch(context.Background(), Options{
		URL:              srv.URL,
		DestPath:         filepath.Join(t.TempDir(), "f"),
		ExpectedChecksum: strings.Repeat("0", 64),
		RetryCount:       1,
	})
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("error = %v, want checksum mismatch", err)
	}
}

func TestFetchRejectsBadURL(t *testing.T) {
	c := NewClient(nil, nil)
	if _, err := c.Fetch(context.Background(), Options{URL: "file:///etc/passwd", DestPath: "x"}); err == nil {
		t.Error("Fetch() accepted a file URL")
	}
}
