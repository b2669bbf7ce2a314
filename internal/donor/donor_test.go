package donor

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Printf(format string, v ...interface{}) {
	l.t.Logf(format, v...)
}

func (l *testLogger) Println(v ...interface{}) {
	l.t.Log(v...)
}

// buildDumpZip assembles a registry zip in memory.
func buildDumpZip(t *testing.T, xml, sig string, mtime time.Time) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"dump.xml":     xml,
		"dump.xml.sig": sig,
	} {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: mtime}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractDump(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Date(2021, 6, 7, 20, 0, 0, 0, time.UTC)
	data := buildDumpZip(t, "<register/>", "signature", mtime)
	zipPath := filepath.Join(dir, "dump.zip")
	if err := os.WriteFile(zipPath, data, 0644); err != nil {
		t.Fatal(err)
	}

	snap, err := extractDump(zipPath, dir)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	content, err := os.ReadFile(snap.XMLPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "<register/>" {
		t.Errorf("xml content: %q", content)
	}

	// The zip's modification time survives extraction.
	fi, err := os.Stat(snap.XMLPath)
	if err != nil {
		t.Fatal(err)
	}
	if !fi.ModTime().Truncate(time.Second).Equal(mtime) {
		t.Errorf("mtime not preserved: %s", fi.ModTime())
	}
}

func TestExtractDumpMissingEntries(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("unrelated.txt")
	w.Write([]byte("x"))
	zw.Close()

	zipPath := filepath.Join(dir, "dump.zip")
	os.WriteFile(zipPath, buf.Bytes(), 0644)

	if _, err := extractDump(zipPath, dir); err == nil {
		t.Error("zip without dump entries accepted")
	}
}

func TestFileSHA256(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	os.WriteFile(path, []byte("hello"), 0644)

	got, err := fileSHA256(path)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte("hello"))
	if got != hex.EncodeToString(sum[:]) {
		t.Errorf("sha256: %s", got)
	}
}
