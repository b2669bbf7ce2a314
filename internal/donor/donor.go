// Package donor abstracts the upstream sources the scheduler polls.  A
// donor lists fetchable dump handles, fetches one into a work dir and
// may veto a fetched dump after verification.  Failures inside a donor
// never abort the scheduler loop.
package donor

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/zeebo/errs"

	"tangled.org/rknarc.net/gitar/internal/types"
	"tangled.org/rknarc.net/gitar/internal/verify"
)

// ErrFetch is the class for donor-side fetch failures, opaque to the
// core.
var ErrFetch = errs.Class("fetch")

// Handle is one fetchable dump offered by a donor.  Its concrete type
// belongs to the donor that produced it.
type Handle interface {
	Label() string
}

// Donor is the capability set the scheduler polls.
type Donor interface {
	Name() string

	// ListHandles returns up to limit pending handles.  An empty list
	// means nothing new.
	ListHandles(ctx context.Context, limit int) ([]Handle, error)

	// Fetch downloads one handle into dir, returning the snapshot and
	// the dump's content hash (hex sha256).
	Fetch(ctx context.Context, dir string, h Handle) (*types.Snapshot, string, error)

	// SanityCheck may veto a verified dump before it is considered
	// archived successfully.
	SanityCheck(h Handle, m *verify.Manifest) error

	// MaxUpdateTime reports the latest update time this donor has
	// contributed, unix seconds.
	MaxUpdateTime() (int64, error)
}

// extractDump pulls dump.xml and dump.xml.sig out of a downloaded zip,
// preserving the archive's modification times: they are part of the
// recorded metadata.
func extractDump(zipPath, dir string) (*types.Snapshot, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, ErrFetch.New("open zip: %v", err)
	}
	defer zr.Close()
	zr.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})

	want := map[string]bool{types.DumpXML: true, types.DumpSig: true}
	for _, f := range zr.File {
		if !want[f.Name] {
			continue
		}
		dst := filepath.Join(dir, f.Name)
		if err := extractFile(f, dst); err != nil {
			return nil, err
		}
		delete(want, f.Name)
	}
	if len(want) != 0 {
		return nil, ErrFetch.New("zip lacks required entries: %v", want)
	}
	return &types.Snapshot{
		XMLPath: filepath.Join(dir, types.DumpXML),
		SigPath: filepath.Join(dir, types.DumpSig),
	}, nil
}

func extractFile(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return ErrFetch.New("open %s in zip: %v", f.Name, err)
	}
	defer rc.Close()
	out, err := os.Create(dst)
	if err != nil {
		return ErrFetch.Wrap(err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return ErrFetch.Wrap(err)
	}
	if err := out.Close(); err != nil {
		return ErrFetch.Wrap(err)
	}
	mtime := f.Modified
	return ErrFetch.Wrap(os.Chtimes(dst, mtime, mtime))
}

// fileSHA256 returns the hex sha256 of a file.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", ErrFetch.Wrap(err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", ErrFetch.Wrap(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
