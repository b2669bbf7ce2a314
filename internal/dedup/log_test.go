package dedup

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"tangled.org/rknarc.net/gitar/internal/dumpmeta"
	"tangled.org/rknarc.net/gitar/internal/gitstore"
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

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "gitar.db"), &testLogger{t})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func testEntry(n int) *Entry {
	rec := dumpmeta.Record{
		UpdateTime:  1600000000 + int64(n)*100,
		SigningTime: 1600000050 + int64(n)*100,
		XML: dumpmeta.FileMeta{
			Mtime:  1600000000 + int64(n)*100,
			MD5:    fmt.Sprintf("%032x", n),
			SHA1:   fmt.Sprintf("%040x", n),
			Git:    fmt.Sprintf("%040x", n+1000),
			SHA256: fmt.Sprintf("%064x", n),
			SHA512: fmt.Sprintf("%0128x", n),
		},
		Sig: dumpmeta.FileMeta{
			Mtime:  1600000001 + int64(n)*100,
			MD5:    fmt.Sprintf("%032x", n+2000),
			SHA1:   fmt.Sprintf("%040x", n+2000),
			Git:    fmt.Sprintf("%040x", n+3000),
			SHA256: fmt.Sprintf("%064x", n+2000),
			SHA512: fmt.Sprintf("%0128x", n+2000),
		},
	}
	return &Entry{Record: rec, CommitHash: fmt.Sprintf("%040x", n+5000)}
}

func TestNeedsAndRecord(t *testing.T) {
	l := openTestLog(t)

	e := testEntry(1)
	needs, err := l.Needs(e.Record.XML.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if !needs {
		t.Error("empty log claims to have the dump")
	}

	if err := l.Record(e); err != nil {
		t.Fatalf("record: %v", err)
	}
	needs, err = l.Needs(e.Record.XML.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if needs {
		t.Error("recorded dump still reported as needed")
	}

	// Duplicate insert is a no-op.
	if err := l.Record(e); err != nil {
		t.Fatalf("duplicate record: %v", err)
	}
	count, err := l.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count after duplicate: %d", count)
	}
}

func TestUnreplicatedOrdering(t *testing.T) {
	l := openTestLog(t)

	// Insert out of signing-time order.
	for _, n := range []int{3, 1, 2} {
		if err := l.Record(testEntry(n)); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := l.Unreplicated(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending: %d", len(pending))
	}
	for i := 1; i < len(pending); i++ {
		if pending[i-1].SigningTime > pending[i].SigningTime {
			t.Errorf("pending not ascending: %v", pending)
		}
	}

	// Mark the oldest replicated.
	if err := l.RecordMirrored(pending[0].SigningTime, "feed"+strings.Repeat("0", 36)); err != nil {
		t.Fatal(err)
	}
	pending, err = l.Unreplicated(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Errorf("pending after mirror: %d", len(pending))
	}
}

func TestRecordMirroredIdempotent(t *testing.T) {
	l := openTestLog(t)

	hash := "feed" + strings.Repeat("0", 36)
	if err := l.RecordMirrored(1600000150, hash); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordMirrored(1600000150, hash); err != nil {
		t.Fatalf("repeat record: %v", err)
	}

	var rows int64
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM log100`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("log100 rows: %d", rows)
	}

	// The cached mirror head follows the last recorded commit, so a
	// later Resync starts from it instead of re-walking the chain.
	head, err := l.cachedHead(gitstore.MirrorRef)
	if err != nil {
		t.Fatal(err)
	}
	if head != hash {
		t.Errorf("cached mirror head: %q", head)
	}
}

func TestMaxTimes(t *testing.T) {
	l := openTestLog(t)

	v, err := l.MaxUpdateTime()
	if err != nil || v != 0 {
		t.Errorf("empty max update: %d, %v", v, err)
	}

	l.Record(testEntry(1))
	l.Record(testEntry(5))
	l.Record(testEntry(3))

	v, _ = l.MaxUpdateTime()
	if v != 1600000500 {
		t.Errorf("max update: %d", v)
	}
	v, _ = l.MaxSigningTime()
	if v != 1600000550 {
		t.Errorf("max signing: %d", v)
	}
}

func TestChainSigningTimesRowOrder(t *testing.T) {
	l := openTestLog(t)
	for _, n := range []int{2, 1, 3} {
		l.Record(testEntry(n))
	}
	times, err := l.ChainSigningTimes()
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{1600000250, 1600000150, 1600000350}
	if len(times) != 3 || times[0] != want[0] || times[1] != want[1] || times[2] != want[2] {
		t.Errorf("chain order lost: %v", times)
	}
}

func TestXMLGitBySHA256(t *testing.T) {
	l := openTestLog(t)
	e := testEntry(7)
	l.Record(e)

	git, err := l.XMLGitBySHA256(e.Record.XML.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if git != e.Record.XML.Git {
		t.Errorf("git oid: %q", git)
	}

	git, err = l.XMLGitBySHA256(strings.Repeat("f", 64))
	if err != nil {
		t.Fatal(err)
	}
	if git != "" {
		t.Errorf("unknown hash resolved to %q", git)
	}
}

func TestDumpsSince(t *testing.T) {
	l := openTestLog(t)
	for n := 1; n <= 3; n++ {
		l.Record(testEntry(n))
	}

	t.Run("RejectsPrivateColumns", func(t *testing.T) {
		if _, err := l.DumpsSince(0, 10, []string{"commit_hash"}); err == nil {
			t.Error("commit_hash exposed")
		}
		if _, err := l.DumpsSince(0, 10, []string{"xml_sha256; DROP TABLE log"}); err == nil {
			t.Error("injection column accepted")
		}
	})

	t.Run("FiltersAndLimits", func(t *testing.T) {
		rows, err := l.DumpsSince(1600000200, 10, []string{"update_time", "xml_sha256"})
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 2 {
			t.Fatalf("rows: %d", len(rows))
		}
		if rows[0]["update_time"].(int64) != 1600000200 {
			t.Errorf("first row: %v", rows[0])
		}
		if _, ok := rows[0]["signing_time"]; ok {
			t.Error("unrequested column present")
		}

		rows, _ = l.DumpsSince(0, 1, nil)
		if len(rows) != 1 {
			t.Errorf("limit ignored: %d rows", len(rows))
		}
	})
}

// mockChain serves canned commit bodies.
type mockChain struct {
	heads  map[string]string
	bodies map[string][]gitstore.CommitBody
	calls  int
}

func (m *mockChain) ReadRef(ctx context.Context, ref string) (string, error) {
	return m.heads[ref], nil
}

func (m *mockChain) LogBodies(ctx context.Context, from, to string) ([]gitstore.CommitBody, error) {
	m.calls++
	return m.bodies[to], nil
}

func messageBody(n int) string {
	e := testEntry(n)
	msg := e.Record.Message()
	return strings.SplitN(msg, "\n\n", 2)[1]
}

func TestResync(t *testing.T) {
	l := openTestLog(t)

	genesis := strings.Repeat("0", 40)
	c1 := strings.Repeat("1", 40)
	c2 := strings.Repeat("2", 40)

	chain := &mockChain{
		heads: map[string]string{
			gitstore.PrimaryRef: c2,
			gitstore.MirrorRef:  genesis,
		},
		bodies: map[string][]gitstore.CommitBody{
			// Newest first, like git log.
			c2: {
				{OID: c2, AuthorTime: 1600000250, Body: messageBody(2)},
				{OID: c1, AuthorTime: 1600000150, Body: messageBody(1)},
				{OID: genesis, AuthorTime: 1351728000, Body: ""},
			},
			genesis: {
				{OID: genesis, AuthorTime: 1351728000, Body: ""},
			},
		},
	}

	if err := l.Resync(context.Background(), chain); err != nil {
		t.Fatalf("resync: %v", err)
	}

	count, _ := l.Count()
	if count != 2 {
		t.Fatalf("count after resync: %d", count)
	}

	// Insertion was oldest first.
	times, _ := l.ChainSigningTimes()
	if times[0] != 1600000150 || times[1] != 1600000250 {
		t.Errorf("resync insertion order: %v", times)
	}

	// Second resync with unchanged heads is a no-op.
	calls := chain.calls
	if err := l.Resync(context.Background(), chain); err != nil {
		t.Fatal(err)
	}
	if chain.calls != calls {
		t.Error("resync walked the chain despite cached head")
	}
}
