package donor

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"tangled.org/rknarc.net/gitar/internal/types"
	"tangled.org/rknarc.net/gitar/internal/verify"
)

// zavodListingRe matches one row of the donor's plain directory
// listing: a self-linked registry zip and its byte size.
var zavodListingRe = regexp.MustCompile(`(?m)^<a href="(registry-[-0-9]+\.zip)">(?:registry-[-0-9]+\.zip)</a> +[^ ]+ [^ ]+ +(\d+)$`)

// zavodStaleAfter drops listing rows not seen for this long.
const zavodStaleAfter = 24 * time.Hour

// Zavod publishes a directory of historical registry zips.  Every
// listed file is bookkept in the shared database; a file is offered
// again as long as its dump hash is unknown to the archive log, so an
// interrupted cycle reoffers instead of losing it.
type Zavod struct {
	db     *sql.DB
	dirURL string
	client *http.Client
	logger types.Logger
}

type zavodHandle struct {
	zipName string
	zipSize int64
}

func (h *zavodHandle) Label() string { return h.zipName }

// NewZavod opens the donor, creating its bookkeeping table if needed.
func NewZavod(db *sql.DB, dirURL string, client *http.Client, logger types.Logger) (*Zavod, error) {
	z := &Zavod{db: db, dirURL: dirURL, client: client, logger: logger}
	if z.client == nil {
		z.client = &http.Client{Timeout: 30 * time.Minute}
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS zavod (
		zip_fname  TEXT UNIQUE NOT NULL,
		zip_size   INTEGER NOT NULL,
		fetched    INTEGER NOT NULL,
		xml_sha256 TEXT,
		last_seen  INTEGER NOT NULL
	)`)
	if err != nil {
		return nil, ErrFetch.Wrap(err)
	}
	return z, nil
}

func (z *Zavod) Name() string { return "zavod" }

// ListHandles scrapes the listing, upserts it into the bookkeeping
// table, expires stale rows and returns pending files.
func (z *Zavod) ListHandles(ctx context.Context, limit int) ([]Handle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, z.dirURL, nil)
	if err != nil {
		return nil, ErrFetch.Wrap(err)
	}
	req.Header.Set("User-Agent", types.UserAgent)
	resp, err := z.client.Do(req)
	if err != nil {
		return nil, ErrFetch.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ErrFetch.New("listing status %d from %s", resp.StatusCode, z.dirURL)
	}
	page, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ErrFetch.Wrap(err)
	}

	now := time.Now().Unix()
	for _, m := range zavodListingRe.FindAllSubmatch(page, -1) {
		size, err := strconv.ParseInt(string(m[2]), 10, 64)
		if err != nil {
			continue
		}
		if _, err := z.db.Exec(`INSERT INTO zavod (zip_fname, zip_size, fetched, last_seen)
			VALUES (?, ?, 0, ?)
			ON CONFLICT (zip_fname) DO UPDATE SET last_seen = ?, zip_size = excluded.zip_size`,
			string(m[1]), size, now, now); err != nil {
			return nil, ErrFetch.Wrap(err)
		}
	}
	if _, err := z.db.Exec(`DELETE FROM zavod WHERE last_seen < ?`,
		now-int64(zavodStaleAfter.Seconds())); err != nil {
		return nil, ErrFetch.Wrap(err)
	}

	rows, err := z.db.Query(`SELECT zip_fname, zip_size FROM zavod
		WHERE NOT fetched OR xml_sha256 IS NOT NULL AND xml_sha256 NOT IN (
			SELECT xml_sha256 FROM log) LIMIT ?`, limit)
	if err != nil {
		return nil, ErrFetch.Wrap(err)
	}
	defer rows.Close()
	var handles []Handle
	for rows.Next() {
		h := &zavodHandle{}
		if err := rows.Scan(&h.zipName, &h.zipSize); err != nil {
			return nil, ErrFetch.Wrap(err)
		}
		handles = append(handles, h)
	}
	return handles, ErrFetch.Wrap(rows.Err())
}

// Fetch downloads one listed zip, checks its size against the listing
// and extracts the dump pair.
func (z *Zavod) Fetch(ctx context.Context, dir string, h Handle) (*types.Snapshot, string, error) {
	zh, ok := h.(*zavodHandle)
	if !ok {
		return nil, "", ErrFetch.New("foreign handle %T", h)
	}

	zipPath := filepath.Join(dir, types.DumpZip)
	if err := z.download(ctx, fmt.Sprintf("%s/%s", z.dirURL, zh.zipName), zipPath); err != nil {
		return nil, "", err
	}
	fi, err := os.Stat(zipPath)
	if err != nil {
		return nil, "", ErrFetch.Wrap(err)
	}
	if fi.Size() != zh.zipSize {
		return nil, "", ErrFetch.New("truncated zip %s: %d of %d bytes", zh.zipName, fi.Size(), zh.zipSize)
	}

	snap, err := extractDump(zipPath, dir)
	if err != nil {
		return nil, "", err
	}
	snap.Source = z.Name()

	xmlSHA256, err := fileSHA256(snap.XMLPath)
	if err != nil {
		return nil, "", err
	}
	if _, err := z.db.Exec(`UPDATE zavod SET fetched = 1, xml_sha256 = ? WHERE zip_fname = ?`,
		xmlSHA256, zh.zipName); err != nil {
		return nil, "", ErrFetch.Wrap(err)
	}
	return snap, xmlSHA256, nil
}

func (z *Zavod) download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ErrFetch.Wrap(err)
	}
	req.Header.Set("User-Agent", types.UserAgent)
	resp, err := z.client.Do(req)
	if err != nil {
		return ErrFetch.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrFetch.New("download status %d from %s", resp.StatusCode, url)
	}
	out, err := os.Create(dst)
	if err != nil {
		return ErrFetch.Wrap(err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return ErrFetch.New("download: %v", err)
	}
	return ErrFetch.Wrap(out.Close())
}

func (z *Zavod) SanityCheck(Handle, *verify.Manifest) error { return nil }

// MaxUpdateTime reports the newest archived update time among dumps
// this donor has seen.
func (z *Zavod) MaxUpdateTime() (int64, error) {
	var v int64
	err := z.db.QueryRow(`SELECT COALESCE(MAX(update_time), 0) FROM log
		WHERE xml_sha256 IN (SELECT xml_sha256 FROM zavod WHERE xml_sha256 IS NOT NULL)`).Scan(&v)
	return v, ErrFetch.Wrap(err)
}
