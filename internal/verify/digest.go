package verify

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"time"
)

// FileDigests is the multi-algorithm manifest of one stored file.  GitOID
// is the object store's native content hash (sha1 over "blob <len>\0"
// framing), computed here so novelty checks and mirror bookkeeping never
// need to touch the store.
type FileDigests struct {
	Size   int64
	Mtime  time.Time
	MD5    string
	SHA1   string
	SHA256 string
	SHA512 string
	GitOID string
}

// DigestFile computes all five digests plus size and mtime in a single
// streaming pass.
func DigestFile(path string) (*FileDigests, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		hMD5    = md5.New()
		hSHA1   = sha1.New()
		hSHA256 = sha256.New()
		hSHA512 = sha512.New()
		hGit    = sha1.New()
	)
	fmt.Fprintf(hGit, "blob %d\x00", fi.Size())

	if _, err := io.Copy(io.MultiWriter(hMD5, hSHA1, hSHA256, hSHA512, hGit), f); err != nil {
		return nil, err
	}

	return &FileDigests{
		Size:   fi.Size(),
		Mtime:  fi.ModTime().UTC(),
		MD5:    hexSum(hMD5),
		SHA1:   hexSum(hSHA1),
		SHA256: hexSum(hSHA256),
		SHA512: hexSum(hSHA512),
		GitOID: hexSum(hGit),
	}, nil
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
