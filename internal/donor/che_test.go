package donor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"tangled.org/rknarc.net/gitar/internal/dedup"
)

func openSharedDB(t *testing.T) *dedup.Log {
	t.Helper()
	l, err := dedup.Open(filepath.Join(t.TempDir(), "gitar.db"), &testLogger{t})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestCheConditionalGet(t *testing.T) {
	mtime := time.Date(2021, 6, 7, 20, 0, 0, 0, time.UTC)
	zipData := buildDumpZip(t, "<register/>", "signature", mtime)

	var lastReq *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastReq = r
		if r.Header.Get("If-None-Match") == `"current"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"current"`)
		w.Header().Set("Last-Modified", "Mon, 07 Jun 2021 20:00:00 GMT")
		w.Write(zipData)
	}))
	defer srv.Close()

	db := openSharedDB(t)
	che, err := NewChe(db.DB(), srv.URL, srv.Client(), &testLogger{t})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	// First poll misses the random seed etag and yields one handle.
	handles, err := che.ListHandles(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(handles) != 1 {
		t.Fatalf("handles: %d", len(handles))
	}
	if lastReq.Header.Get("If-Modified-Since") != lastModifiedEpoch {
		t.Errorf("first poll If-Modified-Since: %q", lastReq.Header.Get("If-Modified-Since"))
	}

	dir := t.TempDir()
	snap, xmlSHA256, err := che.Fetch(ctx, dir, handles[0])
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.Source != "che" {
		t.Errorf("source: %q", snap.Source)
	}
	if xmlSHA256 == "" {
		t.Error("no content hash")
	}

	// Second poll carries the server's etag and gets 304.
	handles, err = che.ListHandles(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(handles) != 0 {
		t.Errorf("poll after 304 yielded %d handles", len(handles))
	}
	if lastReq.Header.Get("If-None-Match") != `"current"` {
		t.Errorf("etag not persisted: %q", lastReq.Header.Get("If-None-Match"))
	}
}

func TestChePersistsStateAcrossRestart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 07 Jun 2021 20:00:00 GMT")
		w.Write(buildDumpZip(t, "<register/>", "sig", time.Now()))
	}))
	defer srv.Close()

	db := openSharedDB(t)
	che, err := NewChe(db.DB(), srv.URL, srv.Client(), &testLogger{t})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	handles, _ := che.ListHandles(ctx, 1)
	if len(handles) != 1 {
		t.Fatal("no initial handle")
	}
	if _, _, err := che.Fetch(ctx, t.TempDir(), handles[0]); err != nil {
		t.Fatal(err)
	}

	// A fresh donor over the same database starts from the stored etag.
	again, err := NewChe(db.DB(), srv.URL, srv.Client(), &testLogger{t})
	if err != nil {
		t.Fatal(err)
	}
	handles, err = again.ListHandles(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(handles) != 0 {
		t.Errorf("restarted donor refetched: %d handles", len(handles))
	}
}

func TestCheErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	db := openSharedDB(t)
	che, err := NewChe(db.DB(), srv.URL, srv.Client(), &testLogger{t})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := che.ListHandles(context.Background(), 1); !ErrFetch.Has(err) {
		t.Errorf("expected fetch error, got %v", err)
	}
}
