package gitstore

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strings"
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

func initTestStore(t *testing.T) *Store {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	s, err := Init(context.Background(), filepath.Join(t.TempDir(), "dump.git"), &testLogger{t})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestInitGenesisDeterminism(t *testing.T) {
	ctx := context.Background()
	s1 := initTestStore(t)
	s2 := initTestStore(t)

	h1, err := s1.ReadRef(ctx, PrimaryRef)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := s2.ReadRef(ctx, PrimaryRef)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("independent stores diverge at genesis: %s vs %s", h1, h2)
	}

	// Both references start at the same commit.
	m1, err := s1.ReadRef(ctx, MirrorRef)
	if err != nil {
		t.Fatal(err)
	}
	if m1 != h1 {
		t.Errorf("mirror genesis differs: %s vs %s", m1, h1)
	}

	info, err := s1.CatCommit(ctx, h1)
	if err != nil {
		t.Fatal(err)
	}
	if info.Tree != EmptyTree {
		t.Errorf("genesis tree: %s", info.Tree)
	}
	if len(info.Parents) != 0 {
		t.Errorf("genesis has parents: %v", info.Parents)
	}
	if !info.Author.When.Equal(GenesisAuthor.When) {
		t.Errorf("genesis author time: %s", info.Author.When)
	}
}

func TestInitRefusesExisting(t *testing.T) {
	s := initTestStore(t)
	if _, err := Init(context.Background(), s.GitDir(), &testLogger{t}); err == nil {
		t.Error("double init accepted")
	}
	if _, err := Open(s.GitDir(), &testLogger{t}); err != nil {
		t.Errorf("open of existing store failed: %v", err)
	}
}

func TestBlobTreeCommitCycle(t *testing.T) {
	ctx := context.Background()
	s := initTestStore(t)

	content := "<register>content</register>"
	blob, err := s.PutBlob(ctx, strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}

	size, err := s.BlobSize(ctx, blob)
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(content)) {
		t.Errorf("blob size: %d", size)
	}

	var buf bytes.Buffer
	if err := s.ReadBlob(ctx, blob, &buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != content {
		t.Errorf("blob content round trip: %q", buf.String())
	}

	tree, err := s.BuildTree(ctx, []TreeEntry{
		{Mode: "100644", Type: "blob", OID: blob, Name: "dump.xml"},
	})
	if err != nil {
		t.Fatal(err)
	}
	entries, err := s.ReadTree(ctx, tree)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "dump.xml" || entries[0].OID != blob {
		t.Errorf("tree entries: %+v", entries)
	}

	genesis, _ := s.ReadRef(ctx, PrimaryRef)
	author := Signature{Name: "Signer", Email: "signer@example.org",
		When: time.Unix(1600000050, 0).UTC()}
	commit, err := s.Commit(ctx, tree, genesis, author, GenesisAuthor, "dump.xml test\n\nbody line\n")
	if err != nil {
		t.Fatal(err)
	}

	info, err := s.CatCommit(ctx, commit)
	if err != nil {
		t.Fatal(err)
	}
	if info.Tree != tree {
		t.Errorf("commit tree: %s", info.Tree)
	}
	if len(info.Parents) != 1 || info.Parents[0] != genesis {
		t.Errorf("commit parents: %v", info.Parents)
	}
	if info.Author.Name != "Signer" || !info.Author.When.Equal(author.When) {
		t.Errorf("commit author: %+v", info.Author)
	}
	if !strings.Contains(info.Message, "body line") {
		t.Errorf("commit message: %q", info.Message)
	}
}

func TestAdvanceRefCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := initTestStore(t)

	genesis, _ := s.ReadRef(ctx, PrimaryRef)
	blob, _ := s.PutBlob(ctx, strings.NewReader("x"))
	tree, _ := s.BuildTree(ctx, []TreeEntry{{Mode: "100644", Type: "blob", OID: blob, Name: "dump.xml"}})
	c1, _ := s.Commit(ctx, tree, genesis, GenesisAuthor, GenesisAuthor, "one\n")
	c2, _ := s.Commit(ctx, tree, genesis, GenesisAuthor, GenesisAuthor, "two\n")

	if err := s.AdvanceRef(ctx, PrimaryRef, c1, genesis); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// A second advance still expecting genesis must fail.
	if err := s.AdvanceRef(ctx, PrimaryRef, c2, genesis); err == nil {
		t.Error("stale compare-and-swap succeeded")
	}
	head, _ := s.ReadRef(ctx, PrimaryRef)
	if head != c1 {
		t.Errorf("head after failed swap: %s", head)
	}
}

func TestLogBodies(t *testing.T) {
	ctx := context.Background()
	s := initTestStore(t)

	genesis, _ := s.ReadRef(ctx, PrimaryRef)
	parent := genesis
	var commits []string
	for i, body := range []string{"first body\nsecond line", "next body"} {
		blob, _ := s.PutBlob(ctx, strings.NewReader(strings.Repeat("x", i+1)))
		tree, _ := s.BuildTree(ctx, []TreeEntry{{Mode: "100644", Type: "blob", OID: blob, Name: "dump.xml"}})
		author := Signature{Name: "Signer", Email: "s@example.org",
			When: time.Unix(1600000000+int64(i)*100, 0).UTC()}
		c, err := s.Commit(ctx, tree, parent, author, author, "summary\n\n"+body+"\n")
		if err != nil {
			t.Fatal(err)
		}
		commits = append(commits, c)
		parent = c
	}

	bodies, err := s.LogBodies(ctx, genesis, commits[1])
	if err != nil {
		t.Fatal(err)
	}
	if len(bodies) != 2 {
		t.Fatalf("bodies: %d", len(bodies))
	}
	// Newest first.
	if bodies[0].OID != commits[1] || bodies[1].OID != commits[0] {
		t.Errorf("body order: %s, %s", bodies[0].OID, bodies[1].OID)
	}
	if !strings.Contains(bodies[1].Body, "second line") {
		t.Errorf("multi-line body lost: %q", bodies[1].Body)
	}
	if bodies[1].AuthorTime != 1600000000 {
		t.Errorf("author time: %d", bodies[1].AuthorTime)
	}

	// Whole history walk includes genesis with empty body.
	all, err := s.LogBodies(ctx, "", commits[1])
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("full walk: %d bodies", len(all))
	}
	if strings.TrimSpace(all[2].Body) != "" {
		t.Errorf("genesis body: %q", all[2].Body)
	}
}

func TestHeapBytesAndRepack(t *testing.T) {
	ctx := context.Background()
	s := initTestStore(t)

	genesis, _ := s.ReadRef(ctx, PrimaryRef)
	blob, err := s.PutBlob(ctx, strings.NewReader(strings.Repeat("loose object data ", 1024)))
	if err != nil {
		t.Fatal(err)
	}
	tree, _ := s.BuildTree(ctx, []TreeEntry{{Mode: "100644", Type: "blob", OID: blob, Name: "dump.xml"}})
	c, _ := s.Commit(ctx, tree, genesis, GenesisAuthor, GenesisAuthor, "dump\n")
	if err := s.AdvanceRef(ctx, PrimaryRef, c, genesis); err != nil {
		t.Fatal(err)
	}

	loose, err := s.HeapBytes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if loose == 0 {
		t.Error("loose bytes not counted")
	}

	if err := s.Repack(ctx); err != nil {
		t.Fatalf("repack: %v", err)
	}
	packed, err := s.HeapBytes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if packed >= loose {
		t.Errorf("repack did not shrink loose footprint: %d -> %d", loose, packed)
	}
}
