// Package gitstore drives a bare git repository through its plumbing
// commands, exposing the narrow capability set the archival engine needs:
// blobs, trees, commits, compare-and-set reference updates, loose-object
// accounting and repacking.  The store is append-only from the engine's
// point of view; nothing here ever rewrites referenced history.
package gitstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"tangled.org/rknarc.net/gitar/internal/types"
)

// Error is the class for object store failures.
var Error = errs.Class("gitstore")

// EmptyTree is the well-known id of the empty tree object.
const EmptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

const (
	// PrimaryRef is the main archive chain reference
	PrimaryRef = "refs/heads/master"

	// MirrorRef is the size-limited replica chain reference
	MirrorRef = "refs/heads/main100"
)

// GenesisAuthor is the fixed identity of the bootstrap commit and the
// committer identity of every archive commit.
var GenesisAuthor = Signature{
	Name:  "gitar",
	Email: "gitar@rknarc.net",
	When:  types.RegistryEpoch,
}

// Signature is a commit author or committer identity with an explicit
// UTC-offset timestamp.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// TreeEntry is one named entry of a tree object.
type TreeEntry struct {
	Mode string // "100644"
	Type string // "blob"
	OID  string
	Name string
}

// CommitInfo is a parsed commit object.
type CommitInfo struct {
	OID       string
	Tree      string
	Parents   []string
	Author    Signature
	Committer Signature
	Message   string
}

// CommitBody pairs a commit id with its message body and author time,
// as produced by LogBodies.
type CommitBody struct {
	OID        string
	AuthorTime int64
	Body       string
}

// Store is a bare git repository.
type Store struct {
	gitDir string
	logger types.Logger
}

// Open returns a Store for an existing bare repository.
func Open(gitDir string, logger types.Logger) (*Store, error) {
	if _, err := os.Stat(gitDir); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{gitDir: gitDir, logger: logger}, nil
}

// Init creates a bare repository with the deterministic genesis commit:
// the empty tree committed at the registry epoch under the fixed service
// identity.  Independently initialized stores are bit-identical at this
// point.  Init on an already-initialized directory is an error.
func Init(ctx context.Context, gitDir string, logger types.Logger) (*Store, error) {
	if _, err := os.Stat(gitDir); err == nil {
		return nil, Error.New("already exists: %s", gitDir)
	}
	s := &Store{gitDir: gitDir, logger: logger}
	if _, err := s.run(ctx, nil, "init", "--bare", "--initial-branch=master", gitDir); err != nil {
		return nil, err
	}
	genesis, err := s.Commit(ctx, EmptyTree, "", GenesisAuthor, GenesisAuthor, "gitar genesis\n")
	if err != nil {
		return nil, err
	}
	if _, err := s.run(ctx, nil, "update-ref", PrimaryRef, genesis); err != nil {
		return nil, err
	}
	if _, err := s.run(ctx, nil, "update-ref", MirrorRef, genesis); err != nil {
		return nil, err
	}
	logger.Printf("gitstore: initialized %s (genesis %s)", gitDir, genesis[:12])
	return s, nil
}

// GitDir returns the repository path.
func (s *Store) GitDir() string { return s.gitDir }

// run executes one git command against the repository.
func (s *Store) run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	full := append([]string{"--git-dir", s.gitDir}, args...)
	if args[0] == "init" {
		full = args // init has no repository yet
	}
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, Error.New("git %s: %v: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// PutBlob writes a blob object and returns its id.
func (s *Store) PutBlob(ctx context.Context, r io.Reader) (string, error) {
	out, err := s.run(ctx, r, "hash-object", "-w", "--stdin")
	if err != nil {
		return "", err
	}
	return oid(out)
}

// PutBlobFile writes a blob object from a file on disk.
func (s *Store) PutBlobFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer f.Close()
	return s.PutBlob(ctx, f)
}

// BuildTree creates a tree object from the given entries.
func (s *Store) BuildTree(ctx context.Context, entries []TreeEntry) (string, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&buf, "%s %s %s\t%s\n", e.Mode, e.Type, e.OID, e.Name)
	}
	out, err := s.run(ctx, &buf, "mktree")
	if err != nil {
		return "", err
	}
	return oid(out)
}

// Commit creates a commit object.  An empty parent makes a root commit.
func (s *Store) Commit(ctx context.Context, tree, parent string, author, committer Signature, message string) (string, error) {
	args := []string{"commit-tree", tree}
	if parent != "" {
		args = append(args, "-p", parent)
	}
	cmd := exec.CommandContext(ctx, "git", append([]string{"--git-dir", s.gitDir}, args...)...)
	cmd.Stdin = strings.NewReader(message)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+author.Name,
		"GIT_AUTHOR_EMAIL="+author.Email,
		fmt.Sprintf("GIT_AUTHOR_DATE=%d +0000", author.When.Unix()),
		"GIT_COMMITTER_NAME="+committer.Name,
		"GIT_COMMITTER_EMAIL="+committer.Email,
		fmt.Sprintf("GIT_COMMITTER_DATE=%d +0000", committer.When.Unix()),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", Error.New("git commit-tree: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return oid(stdout.Bytes())
}

// ReadRef resolves a reference to a commit id.
func (s *Store) ReadRef(ctx context.Context, ref string) (string, error) {
	out, err := s.run(ctx, nil, "rev-parse", "--verify", ref)
	if err != nil {
		return "", err
	}
	return oid(out)
}

// AdvanceRef moves ref from expect to to, failing if the current value
// differs from expect.  This is the single atomic step that makes a new
// commit part of the archive.
func (s *Store) AdvanceRef(ctx context.Context, ref, to, expect string) error {
	_, err := s.run(ctx, nil, "update-ref", ref, to, expect)
	return err
}

// ReadBlob streams a blob's content to w.
func (s *Store) ReadBlob(ctx context.Context, blobOID string, w io.Writer) error {
	cmd := exec.CommandContext(ctx, "git", "--git-dir", s.gitDir, "cat-file", "blob", blobOID)
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Error.New("git cat-file blob %s: %v: %s", blobOID, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// BlobSize returns the uncompressed size of a blob.
func (s *Store) BlobSize(ctx context.Context, blobOID string) (int64, error) {
	out, err := s.run(ctx, nil, "cat-file", "-s", blobOID)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return n, nil
}

// ReadTree lists the entries of a tree object.
func (s *Store) ReadTree(ctx context.Context, treeOID string) ([]TreeEntry, error) {
	out, err := s.run(ctx, nil, "ls-tree", treeOID)
	if err != nil {
		return nil, err
	}
	var entries []TreeEntry
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		// "<mode> <type> <oid>\t<name>"
		meta, name, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, Error.New("malformed ls-tree line: %q", line)
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 {
			return nil, Error.New("malformed ls-tree line: %q", line)
		}
		entries = append(entries, TreeEntry{Mode: fields[0], Type: fields[1], OID: fields[2], Name: name})
	}
	return entries, nil
}

// CatCommit parses a commit object into its fields.
func (s *Store) CatCommit(ctx context.Context, commitOID string) (*CommitInfo, error) {
	out, err := s.run(ctx, nil, "cat-file", "commit", commitOID)
	if err != nil {
		return nil, err
	}
	info := &CommitInfo{OID: commitOID}
	header, message, ok := strings.Cut(string(out), "\n\n")
	if !ok {
		return nil, Error.New("malformed commit object %s", commitOID)
	}
	info.Message = message
	for _, line := range strings.Split(header, "\n") {
		key, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		switch key {
		case "tree":
			info.Tree = rest
		case "parent":
			info.Parents = append(info.Parents, rest)
		case "author":
			sig, err := parseSignature(rest)
			if err != nil {
				return nil, err
			}
			info.Author = sig
		case "committer":
			sig, err := parseSignature(rest)
			if err != nil {
				return nil, err
			}
			info.Committer = sig
		}
	}
	return info, nil
}

// parseSignature parses "Name <email> <unix> <offset>".
func parseSignature(raw string) (Signature, error) {
	open := strings.LastIndex(raw, "<")
	close := strings.LastIndex(raw, ">")
	if open < 0 || close < open {
		return Signature{}, Error.New("malformed signature: %q", raw)
	}
	sig := Signature{
		Name:  strings.TrimSpace(raw[:open]),
		Email: raw[open+1 : close],
	}
	fields := strings.Fields(raw[close+1:])
	if len(fields) < 1 {
		return Signature{}, Error.New("malformed signature: %q", raw)
	}
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Signature{}, Error.Wrap(err)
	}
	sig.When = time.Unix(ts, 0).UTC()
	return sig, nil
}

// logSeparator terminates one commit record in LogBodies output.  Commit
// messages in the archive never contain a line of three dots.
const logSeparator = ". . ."

// LogBodies returns the message bodies of commits in from..to, newest
// first.  An empty from walks the whole history of to.
func (s *Store) LogBodies(ctx context.Context, from, to string) ([]CommitBody, error) {
	rng := to
	if from != "" {
		rng = from + ".." + to
	}
	out, err := s.run(ctx, nil, "log", "--format=tformat:%H %at%n%b%n"+logSeparator, rng)
	if err != nil {
		return nil, err
	}
	var bodies []CommitBody
	var cur *CommitBody
	var body strings.Builder
	for _, line := range strings.Split(string(out), "\n") {
		switch {
		case cur == nil:
			if strings.TrimSpace(line) == "" {
				continue
			}
			id, at, ok := strings.Cut(line, " ")
			if !ok {
				return nil, Error.New("malformed log header: %q", line)
			}
			ts, err := strconv.ParseInt(at, 10, 64)
			if err != nil {
				return nil, Error.Wrap(err)
			}
			cur = &CommitBody{OID: id, AuthorTime: ts}
			body.Reset()
		case line == logSeparator:
			cur.Body = body.String()
			bodies = append(bodies, *cur)
			cur = nil
		default:
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
	return bodies, nil
}

// HeapBytes returns the footprint of loose (not yet packed) objects.
func (s *Store) HeapBytes(ctx context.Context) (int64, error) {
	out, err := s.run(ctx, nil, "count-objects", "-v")
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if v, ok := strings.CutPrefix(line, "size: "); ok {
			kib, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return 0, Error.Wrap(err)
			}
			return kib * 1024, nil
		}
	}
	return 0, Error.New("count-objects output lacks size line")
}

// Repack packs all objects into a single pack and prunes loose ones.
// Synchronous; the caller must not store while it runs.
func (s *Store) Repack(ctx context.Context) error {
	if _, err := s.run(ctx, nil, "repack", "-a", "-d", "-q"); err != nil {
		return err
	}
	_, err := s.run(ctx, nil, "prune-packed", "-q")
	return err
}

// Push updates one reference on a remote.
func (s *Store) Push(ctx context.Context, remote, refspec string) error {
	_, err := s.run(ctx, nil, "push", "--quiet", remote, refspec)
	return err
}

// RemoteRef reads the current value of a reference on a remote, or ""
// when the remote does not have it yet.
func (s *Store) RemoteRef(ctx context.Context, remote, ref string) (string, error) {
	out, err := s.run(ctx, nil, "ls-remote", remote, ref)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return "", nil
	}
	fields := strings.Fields(line)
	return fields[0], nil
}

func oid(out []byte) (string, error) {
	id := strings.TrimSpace(string(out))
	if len(id) != 40 {
		return "", Error.New("unexpected object id: %q", id)
	}
	return id, nil
}
