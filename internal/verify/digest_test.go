package verify

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestDigestFile(t *testing.T) {
	content := []byte("what is up, doc?")
	path := filepath.Join(t.TempDir(), "dump.xml")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	d, err := DigestFile(path)
	if err != nil {
		t.Fatalf("DigestFile failed: %v", err)
	}

	if d.Size != int64(len(content)) {
		t.Errorf("size: %d", d.Size)
	}
	if d.Mtime.IsZero() {
		t.Error("mtime not recorded")
	}

	md5sum := md5.Sum(content)
	if d.MD5 != hex.EncodeToString(md5sum[:]) {
		t.Errorf("md5: %s", d.MD5)
	}
	sha1sum := sha1.Sum(content)
	if d.SHA1 != hex.EncodeToString(sha1sum[:]) {
		t.Errorf("sha1: %s", d.SHA1)
	}

	// The git oid hashes the framed blob, not the raw bytes.  Known
	// value for this content from git hash-object.
	framed := sha1.Sum([]byte(fmt.Sprintf("blob %d\x00%s", len(content), content)))
	if d.GitOID != hex.EncodeToString(framed[:]) {
		t.Errorf("git oid: %s", d.GitOID)
	}
	if d.GitOID == d.SHA1 {
		t.Error("git oid must differ from plain sha1")
	}
}

func TestDigestFileMissing(t *testing.T) {
	if _, err := DigestFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("missing file accepted")
	}
}
