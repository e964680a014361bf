// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	return NewFetcher(
		WithHTTPClient(http.DefaultClient),
		WithMaxRetries(2),
	)
}

func TestFetchReturnsBodyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		_, _ = w.Write([]byte("stone.index"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	artifact, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer artifact.Body.Close()

	body, err := io.ReadAll(artifact.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "stone.index" {
		t.Fatalf("body = %q, want %q", body, "stone.index")
	}
	if artifact.ETag != `"abc"` {
		t.Fatalf("ETag = %q, want %q", artifact.ETag, `"abc"`)
	}
}

func TestFetchReturns404AsErrNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch: got %v, want ErrNotFound", err)
	}
}

func TestFetchRetriesOnUpstreamErrorThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewFetcher(WithHTTPClient(http.DefaultClient), WithMaxRetries(2))
	// override the default 500ms base backoff so the retry test stays fast
	f.baseDelay = time.Millisecond

	artifact, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer artifact.Body.Close()

	if attempts.Load() != 2 {
		t.Fatalf("attempts = %d, want 2", attempts.Load())
	}
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewFetcher(WithHTTPClient(http.DefaultClient), WithMaxRetries(1))
	f.baseDelay = time.Millisecond

	_, err := f.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrUpstreamDown) {
		t.Fatalf("Fetch: got %v, want ErrUpstreamDown", err)
	}
}
