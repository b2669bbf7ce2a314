// Package dedup keeps the durable side-index of everything already
// archived.  It is a cache over the commit chain, never the source of
// truth: on startup and whenever the chain moves, Resync parses the new
// commit messages back into rows.  The unique xml_sha256 column answers
// the novelty question; the log100 table tracks which commits the
// size-limited mirror still lacks.
package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/errs"
	_ "modernc.org/sqlite"

	"tangled.org/rknarc.net/gitar/internal/dumpmeta"
	"tangled.org/rknarc.net/gitar/internal/gitstore"
	"tangled.org/rknarc.net/gitar/internal/types"
)

// Error is the class for dedup log failures.
var Error = errs.Class("dedup")

// ChainReader is the slice of the object store the log needs to stay in
// lockstep with the chain.
type ChainReader interface {
	ReadRef(ctx context.Context, ref string) (string, error)
	LogBodies(ctx context.Context, from, to string) ([]gitstore.CommitBody, error)
}

// Entry is one archived dump.
type Entry struct {
	Record     dumpmeta.Record
	CommitHash string
}

// UnreplicatedCommit is a primary-chain commit the mirror lacks.
type UnreplicatedCommit struct {
	SigningTime int64
	CommitHash  string
}

// Log is the sqlite-backed dedup index.
type Log struct {
	db     *sql.DB
	logger types.Logger
}

// PublicColumns are the log columns the read API may expose.
var PublicColumns = map[string]bool{
	"update_time": true, "update_time_urgently": true, "signing_time": true,
	"xml_mtime": true, "sig_mtime": true,
	"xml_md5": true, "sig_md5": true,
	"xml_sha1": true, "sig_sha1": true,
	"xml_sha256": true, "sig_sha256": true,
	"xml_sha512": true, "sig_sha512": true,
}

// Open opens (creating if needed) the index database.
func Open(path string, logger types.Logger) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// Single-writer discipline: the engine serializes all writes anyway.
	db.SetMaxOpenConns(1)
	l := &Log{db: db, logger: logger}
	if err := l.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the database.
func (l *Log) Close() error { return l.db.Close() }

// DB exposes the shared database for donor bookkeeping tables.
func (l *Log) DB() *sql.DB { return l.db }

func (l *Log) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS log (
			update_time          INTEGER NOT NULL,
			update_time_urgently INTEGER,
			signing_time         INTEGER NOT NULL,
			xml_mtime            INTEGER,
			sig_mtime            INTEGER,
			xml_md5              TEXT NOT NULL,
			sig_md5              TEXT NOT NULL,
			xml_sha1             TEXT NOT NULL,
			sig_sha1             TEXT NOT NULL,
			xml_git              TEXT NOT NULL,
			sig_git              TEXT NOT NULL,
			xml_sha256           TEXT UNIQUE NOT NULL,
			sig_sha256           TEXT NOT NULL,
			xml_sha512           TEXT NOT NULL,
			sig_sha512           TEXT NOT NULL,
			commit_hash          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS log_update_time ON log (update_time)`,
		`CREATE INDEX IF NOT EXISTS log_signing_time ON log (signing_time)`,
		`CREATE TABLE IF NOT EXISTS head (
			ref         TEXT PRIMARY KEY,
			commit_hash TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS log100 (
			signing_time INTEGER NOT NULL,
			commit_hash  TEXT UNIQUE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS log100_signing_time ON log100 (signing_time)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Needs reports whether the given xml sha256 (hex) has never been
// archived.
func (l *Log) Needs(xmlSHA256 string) (bool, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM log WHERE xml_sha256 = ?`, xmlSHA256).Scan(&n)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return n == 0, nil
}

// Record inserts one entry.  A duplicate xml sha256 is an idempotent
// no-op.
func (l *Log) Record(e *Entry) error {
	r := &e.Record
	_, err := l.db.Exec(`INSERT INTO log VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (xml_sha256) DO NOTHING`,
		r.UpdateTime, nullable(r.UpdateTimeUrgently), r.SigningTime,
		nullable(r.XML.Mtime), nullable(r.Sig.Mtime),
		r.XML.MD5, r.Sig.MD5,
		r.XML.SHA1, r.Sig.SHA1,
		r.XML.Git, r.Sig.Git,
		r.XML.SHA256, r.Sig.SHA256,
		r.XML.SHA512, r.Sig.SHA512,
		e.CommitHash)
	return Error.Wrap(err)
}

// RecordMirrored marks one primary-chain commit as present on the
// mirror, identified by its mirror-chain commit hash.  The cached
// mirror head advances with it, so the next Resync does not re-walk
// commits this process already recorded.
func (l *Log) RecordMirrored(signingTime int64, commitHash string) error {
	_, err := l.db.Exec(`INSERT INTO log100 VALUES (?, ?)
		ON CONFLICT (commit_hash) DO NOTHING`, signingTime, commitHash)
	if err != nil {
		return Error.Wrap(err)
	}
	return l.setCachedHead(gitstore.MirrorRef, commitHash)
}

// Unreplicated returns commits the mirror lacks, ascending by signing
// time so the mirror chain's parent pointers stay linear.
func (l *Log) Unreplicated(limit int) ([]UnreplicatedCommit, error) {
	rows, err := l.db.Query(`SELECT signing_time, commit_hash FROM log
		WHERE signing_time NOT IN (SELECT signing_time FROM log100)
		ORDER BY signing_time ASC LIMIT ?`, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()
	var out []UnreplicatedCommit
	for rows.Next() {
		var u UnreplicatedCommit
		if err := rows.Scan(&u.SigningTime, &u.CommitHash); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, u)
	}
	return out, Error.Wrap(rows.Err())
}

// MaxUpdateTime returns the newest known updateTime, 0 when empty.
func (l *Log) MaxUpdateTime() (int64, error) {
	var v int64
	err := l.db.QueryRow(`SELECT COALESCE(MAX(update_time), 0) FROM log`).Scan(&v)
	return v, Error.Wrap(err)
}

// MaxSigningTime returns the newest known signingTime, 0 when empty.
func (l *Log) MaxSigningTime() (int64, error) {
	var v int64
	err := l.db.QueryRow(`SELECT COALESCE(MAX(signing_time), 0) FROM log`).Scan(&v)
	return v, Error.Wrap(err)
}

// Count returns the number of archived dumps.
func (l *Log) Count() (int64, error) {
	var v int64
	err := l.db.QueryRow(`SELECT COUNT(*) FROM log`).Scan(&v)
	return v, Error.Wrap(err)
}

// XMLGitBySHA256 maps a dump's content hash to its blob id in the store,
// "" when unknown.
func (l *Log) XMLGitBySHA256(xmlSHA256 string) (string, error) {
	var git string
	err := l.db.QueryRow(`SELECT xml_git FROM log WHERE xml_sha256 = ? LIMIT 1`, xmlSHA256).Scan(&git)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return git, Error.Wrap(err)
}

// ChainSigningTimes returns signing times in chain order (oldest first).
// Rows are inserted in chain order by both Record and Resync, so rowid
// order is chain order.
func (l *Log) ChainSigningTimes() ([]int64, error) {
	rows, err := l.db.Query(`SELECT signing_time FROM log ORDER BY rowid`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var t int64
		if err := rows.Scan(&t); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, t)
	}
	return out, Error.Wrap(rows.Err())
}

// Entries returns all archived dumps in chain order.
func (l *Log) Entries() ([]Entry, error) {
	rows, err := l.db.Query(`SELECT update_time, COALESCE(update_time_urgently, 0),
		signing_time, COALESCE(xml_mtime, 0), COALESCE(sig_mtime, 0),
		xml_md5, sig_md5, xml_sha1, sig_sha1, xml_git, sig_git,
		xml_sha256, sig_sha256, xml_sha512, sig_sha512, commit_hash
		FROM log ORDER BY rowid`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		r := &e.Record
		if err := rows.Scan(&r.UpdateTime, &r.UpdateTimeUrgently, &r.SigningTime,
			&r.XML.Mtime, &r.Sig.Mtime,
			&r.XML.MD5, &r.Sig.MD5, &r.XML.SHA1, &r.Sig.SHA1,
			&r.XML.Git, &r.Sig.Git, &r.XML.SHA256, &r.Sig.SHA256,
			&r.XML.SHA512, &r.Sig.SHA512, &e.CommitHash); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, e)
	}
	return out, Error.Wrap(rows.Err())
}

// DumpsSince returns up to count public rows with update_time >= since,
// ordered for stable pagination.  Columns outside PublicColumns are
// rejected.
func (l *Log) DumpsSince(since int64, count int, columns []string) ([]map[string]interface{}, error) {
	if len(columns) == 0 {
		for col := range PublicColumns {
			columns = append(columns, col)
		}
	}
	for _, col := range columns {
		if !PublicColumns[col] {
			return nil, Error.New("column not public: %s", col)
		}
	}
	sorted := append([]string(nil), columns...)
	sort.Strings(sorted)
	query := fmt.Sprintf(`SELECT %s FROM log
		WHERE update_time >= ?
		ORDER BY update_time, xml_sha1, sig_sha1 LIMIT ?`, strings.Join(sorted, ", "))
	rows, err := l.db.Query(query, since, count)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var out []map[string]interface{}
	vals := make([]interface{}, len(sorted))
	ptrs := make([]interface{}, len(sorted))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, Error.Wrap(err)
		}
		row := make(map[string]interface{}, len(sorted))
		for i, col := range sorted {
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	return out, Error.Wrap(rows.Err())
}

// Resync brings the index up to date with both chain references.  New
// commit bodies are parsed oldest-first so insertion order stays chain
// order.  Bodies that do not parse as dump records (the genesis commit)
// are skipped.
func (l *Log) Resync(ctx context.Context, chain ChainReader) error {
	if err := l.resyncRef(ctx, chain, gitstore.PrimaryRef, l.insertFromBody); err != nil {
		return err
	}
	return l.resyncRef(ctx, chain, gitstore.MirrorRef, func(body gitstore.CommitBody) error {
		return l.RecordMirrored(body.AuthorTime, body.OID)
	})
}

func (l *Log) resyncRef(ctx context.Context, chain ChainReader, ref string, insert func(gitstore.CommitBody) error) error {
	head, err := chain.ReadRef(ctx, ref)
	if err != nil {
		return Error.Wrap(err)
	}
	cached, err := l.cachedHead(ref)
	if err != nil {
		return err
	}
	if cached == head {
		return nil
	}
	bodies, err := chain.LogBodies(ctx, cached, head)
	if err != nil {
		return Error.Wrap(err)
	}
	// Newest first from the log; insert oldest first.
	for i := len(bodies) - 1; i >= 0; i-- {
		if strings.TrimSpace(bodies[i].Body) == "" {
			continue // genesis has an empty body
		}
		if err := insert(bodies[i]); err != nil {
			return err
		}
	}
	if err := l.setCachedHead(ref, head); err != nil {
		return err
	}
	if l.logger != nil {
		l.logger.Printf("dedup: resynced %s to %s (%d commits)", ref, head[:12], len(bodies))
	}
	return nil
}

func (l *Log) insertFromBody(body gitstore.CommitBody) error {
	rec, err := dumpmeta.ParseBody(body.Body)
	if err != nil {
		return Error.New("unparsable commit %s: %v", body.OID, err)
	}
	return l.Record(&Entry{Record: *rec, CommitHash: body.OID})
}

func (l *Log) cachedHead(ref string) (string, error) {
	var h string
	err := l.db.QueryRow(`SELECT commit_hash FROM head WHERE ref = ?`, ref).Scan(&h)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return h, Error.Wrap(err)
}

func (l *Log) setCachedHead(ref, hash string) error {
	_, err := l.db.Exec(`INSERT INTO head (ref, commit_hash) VALUES (?, ?)
		ON CONFLICT (ref) DO UPDATE SET commit_hash = excluded.commit_hash`, ref, hash)
	return Error.Wrap(err)
}

func nullable(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
