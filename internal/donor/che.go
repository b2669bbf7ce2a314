package donor

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tangled.org/rknarc.net/gitar/internal/types"
	"tangled.org/rknarc.net/gitar/internal/verify"
)

// lastModifiedEpoch seeds the conditional-GET state before the first
// successful fetch.
const lastModifiedEpoch = "Thu, 01 Nov 2012 00:00:00 GMT"

// Che republishes the latest dump at a single URL.  Novelty detection
// is a conditional GET: ETag and Last-Modified persist in the shared
// bookkeeping database across restarts.
type Che struct {
	db     *sql.DB
	url    string
	client *http.Client
	logger types.Logger

	etag         string
	lastModified string
}

// cheHandle carries the already-open 200 response from ListHandles to
// Fetch.  The body is consumed exactly once.
type cheHandle struct {
	resp *http.Response
}

func (h *cheHandle) Label() string { return "latest" }

// NewChe opens the donor, creating its bookkeeping table if needed.
func NewChe(db *sql.DB, fileURL string, client *http.Client, logger types.Logger) (*Che, error) {
	c := &Che{db: db, url: fileURL, client: client, logger: logger}
	if c.client == nil {
		c.client = &http.Client{Timeout: 30 * time.Minute}
	}
	if err := c.createTable(); err != nil {
		return nil, err
	}
	err := db.QueryRow(`SELECT etag, last_modified FROM che LIMIT 1`).Scan(&c.etag, &c.lastModified)
	if err != nil {
		return nil, ErrFetch.Wrap(err)
	}
	return c, nil
}

func (c *Che) createTable() error {
	if _, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS che (
		etag          TEXT NOT NULL,
		last_modified TEXT NOT NULL,
		xml_sha256    TEXT
	)`); err != nil {
		return ErrFetch.Wrap(err)
	}
	var one int
	err := c.db.QueryRow(`SELECT 1 FROM che LIMIT 1`).Scan(&one)
	if err == sql.ErrNoRows {
		// Random initial etag so the first conditional GET always misses.
		seed := make([]byte, 16)
		rand.Read(seed)
		_, err = c.db.Exec(`INSERT INTO che (etag, last_modified) VALUES (?, ?)`,
			fmt.Sprintf("%q", hex.EncodeToString(seed)), lastModifiedEpoch)
	}
	return ErrFetch.Wrap(err)
}

func (c *Che) Name() string { return "che" }

// ListHandles issues the conditional GET.  200 yields exactly one
// handle wrapping the open response; 304 yields none.
func (c *Che) ListHandles(ctx context.Context, limit int) ([]Handle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, ErrFetch.Wrap(err)
	}
	req.Header.Set("User-Agent", types.UserAgent)
	req.Header.Set("If-None-Match", c.etag)
	req.Header.Set("If-Modified-Since", c.lastModified)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, ErrFetch.Wrap(err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return []Handle{&cheHandle{resp: resp}}, nil
	case http.StatusNotModified:
		resp.Body.Close()
		return nil, nil
	default:
		resp.Body.Close()
		return nil, ErrFetch.New("unexpected status %d from %s", resp.StatusCode, c.url)
	}
}

// Fetch spools the response into dir, persists the new conditional-GET
// state and extracts the dump pair.
func (c *Che) Fetch(ctx context.Context, dir string, h Handle) (*types.Snapshot, string, error) {
	ch, ok := h.(*cheHandle)
	if !ok {
		return nil, "", ErrFetch.New("foreign handle %T", h)
	}
	resp := ch.resp
	defer resp.Body.Close()

	zipPath := filepath.Join(dir, types.DumpZip)
	out, err := os.Create(zipPath)
	if err != nil {
		return nil, "", ErrFetch.Wrap(err)
	}
	n, err := io.Copy(out, resp.Body)
	out.Close()
	if err != nil {
		return nil, "", ErrFetch.New("download: %v", err)
	}
	c.logger.Printf("che: got %s, %d bytes, last-modified: %s, etag: %s",
		types.DumpZip, n, resp.Header.Get("Last-Modified"), resp.Header.Get("ETag"))

	c.etag = resp.Header.Get("ETag")
	c.lastModified = resp.Header.Get("Last-Modified")
	if _, err := c.db.Exec(`UPDATE che SET etag = ?, last_modified = ?, xml_sha256 = NULL`,
		c.etag, c.lastModified); err != nil {
		return nil, "", ErrFetch.Wrap(err)
	}

	snap, err := extractDump(zipPath, dir)
	if err != nil {
		return nil, "", err
	}
	snap.Source = c.Name()

	xmlSHA256, err := fileSHA256(snap.XMLPath)
	if err != nil {
		return nil, "", err
	}
	if _, err := c.db.Exec(`UPDATE che SET xml_sha256 = ?`, xmlSHA256); err != nil {
		return nil, "", ErrFetch.Wrap(err)
	}
	return snap, xmlSHA256, nil
}

func (c *Che) SanityCheck(Handle, *verify.Manifest) error { return nil }

// MaxUpdateTime joins the donor's last seen hash against the archive
// log.
func (c *Che) MaxUpdateTime() (int64, error) {
	var v int64
	err := c.db.QueryRow(`SELECT COALESCE(MAX(update_time), 0) FROM che
		JOIN log USING (xml_sha256)`).Scan(&v)
	return v, ErrFetch.Wrap(err)
}
