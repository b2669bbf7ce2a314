// Package archive is the storage engine: it turns verified snapshots
// into commits on the primary chain, exactly one per distinct dump, and
// keeps the dedup log, the misorder counter and the heap monitor in
// step with the chain.
package archive

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/errs"

	"tangled.org/rknarc.net/gitar/internal/dedup"
	"tangled.org/rknarc.net/gitar/internal/dumpmeta"
	"tangled.org/rknarc.net/gitar/internal/gitstore"
	"tangled.org/rknarc.net/gitar/internal/metrics"
	"tangled.org/rknarc.net/gitar/internal/types"
	"tangled.org/rknarc.net/gitar/internal/verify"
)

// Error is the class for store-write failures.
var Error = errs.Class("archive")

// Result is the outcome of one Store call.
type Result struct {
	// Skipped is true when the content hash was already archived; no
	// commit was created and the other fields describe the verification
	// only.
	Skipped bool

	CommitHash string
	Manifest   *verify.Manifest
	Record     *dumpmeta.Record
}

// Notifier receives every commit the engine creates.
type Notifier func(commitHash string, signingTime int64)

// Engine serializes all commit creation.  Exactly one process owns the
// primary reference, but within the process the donor scheduler and the
// upload endpoint may both call StoreSnapshot; a mutex serializes the
// dedup-check-commit-record section so neither writer fails the
// reference compare-and-swap against the other.
type Engine struct {
	store    *gitstore.Store
	pipeline *verify.Pipeline
	log      *dedup.Log
	monitor  *Monitor
	tracker  *MisorderTracker
	sink     metrics.Sink
	logger   types.Logger
	notify   Notifier

	mu sync.Mutex // guards chain writes and repack
}

// NewEngine wires the engine and brings the dedup log and misorder
// counter up to date with the chain.
func NewEngine(ctx context.Context, store *gitstore.Store, pipeline *verify.Pipeline, log *dedup.Log, monitor *Monitor, sink metrics.Sink, logger types.Logger) (*Engine, error) {
	e := &Engine{
		store:    store,
		pipeline: pipeline,
		log:      log,
		monitor:  monitor,
		sink:     sink,
		logger:   logger,
	}
	if err := log.Resync(ctx, store); err != nil {
		return nil, err
	}
	times, err := log.ChainSigningTimes()
	if err != nil {
		return nil, err
	}
	e.tracker = NewMisorderTracker(times)
	sink.SetMisordered(e.tracker.Count())
	logger.Printf("archive: engine ready (%d dumps, %d misordered)", len(times), e.tracker.Count())
	return e, nil
}

// Log exposes the dedup log for read-side consumers.
func (e *Engine) Log() *dedup.Log { return e.log }

// Store exposes the object store for read-side consumers.
func (e *Engine) Store() *gitstore.Store { return e.store }

// Misordered returns the current misorder count.
func (e *Engine) Misordered() int { return e.tracker.Count() }

// StoreSnapshot verifies one snapshot and, if its content hash is new,
// appends one commit to the primary chain.  The dedup log is written
// only after the reference advance succeeds: a crash in between leaves
// an orphaned object graph that resynchronization never sees, because
// it rebuilds from the chain.
func (e *Engine) StoreSnapshot(ctx context.Context, snap *types.Snapshot) (*Result, error) {
	start := time.Now()
	manifest, err := e.pipeline.Verify(ctx, snap.XMLPath, snap.SigPath)
	if err != nil {
		e.sink.StepFailed("verify")
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	needs, err := e.log.Needs(manifest.XML.SHA256)
	if err != nil {
		return nil, err
	}
	if !needs {
		e.logger.Printf("archive: %s already archived (sha256 %s...), skipping",
			snap.Source, manifest.XML.SHA256[:12])
		return &Result{Skipped: true, Manifest: manifest}, nil
	}

	record := recordFromManifest(manifest)

	commitHash, err := e.commit(ctx, snap, manifest, record)
	if err != nil {
		e.sink.StepFailed("store")
		return nil, err
	}

	if err := e.log.Record(&dedup.Entry{Record: *record, CommitHash: commitHash}); err != nil {
		return nil, err
	}
	e.tracker.Observe(record.SigningTime)
	e.sink.SetMisordered(e.tracker.Count())
	e.sink.StepDone("store", time.Since(start))
	e.logger.Printf("archive: committed %s (signingTime %s, source %s)",
		commitHash[:12], manifest.SigningTime.Format(time.RFC3339), snap.Source)
	if e.notify != nil {
		e.notify(commitHash, record.SigningTime)
	}

	return &Result{CommitHash: commitHash, Manifest: manifest, Record: record}, nil
}

// SetNotifier registers the new-commit hook.  Must be called before the
// engine is shared between goroutines.
func (e *Engine) SetNotifier(fn Notifier) { e.notify = fn }

func (e *Engine) commit(ctx context.Context, snap *types.Snapshot, manifest *verify.Manifest, record *dumpmeta.Record) (string, error) {
	xmlOID, err := e.store.PutBlobFile(ctx, snap.XMLPath)
	if err != nil {
		return "", err
	}
	if xmlOID != manifest.XML.GitOID {
		return "", Error.New("store hash mismatch for %s: %s vs manifest %s",
			types.DumpXML, xmlOID, manifest.XML.GitOID)
	}
	sigOID, err := e.store.PutBlobFile(ctx, snap.SigPath)
	if err != nil {
		return "", err
	}
	if sigOID != manifest.Sig.GitOID {
		return "", Error.New("store hash mismatch for %s: %s vs manifest %s",
			types.DumpSig, sigOID, manifest.Sig.GitOID)
	}

	metaData, err := dumpmeta.MetaBlob(record.XML.Mtime, record.Sig.Mtime)
	if err != nil {
		return "", Error.Wrap(err)
	}
	metaOID, err := e.store.PutBlob(ctx, bytes.NewReader(metaData))
	if err != nil {
		return "", err
	}

	entries := []gitstore.TreeEntry{
		{Mode: "100644", Type: "blob", OID: xmlOID, Name: types.DumpXML},
		{Mode: "100644", Type: "blob", OID: sigOID, Name: types.DumpSig},
		{Mode: "100644", Type: "blob", OID: metaOID, Name: types.MetaFile},
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	tree, err := e.store.BuildTree(ctx, entries)
	if err != nil {
		return "", err
	}

	head, err := e.store.ReadRef(ctx, gitstore.PrimaryRef)
	if err != nil {
		return "", err
	}

	author := gitstore.Signature{
		Name:  manifest.SignerCN,
		Email: gitstore.GenesisAuthor.Email,
		When:  manifest.SigningTime,
	}
	committer := gitstore.GenesisAuthor
	committer.When = manifest.SigningTime

	commitHash, err := e.store.Commit(ctx, tree, head, author, committer, record.Message())
	if err != nil {
		return "", err
	}
	if err := e.store.AdvanceRef(ctx, gitstore.PrimaryRef, commitHash, head); err != nil {
		return "", err
	}
	return commitHash, nil
}

// MaybeRepack runs the heap backpressure check.  It takes the writer
// lock: a repack must not overlap a commit in flight.
func (e *Engine) MaybeRepack(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.monitor.MaybeRepack(ctx)
}

func recordFromManifest(m *verify.Manifest) *dumpmeta.Record {
	_, offset := m.UpdateTime.Zone()
	return &dumpmeta.Record{
		UpdateTime:         m.UpdateTime.Unix(),
		UpdateTimeUrgently: m.UpdateTimeUrgently.Unix(),
		SigningTime:        m.SigningTime.Unix(),
		Offset:             offset,
		XML:                fileMeta(m.XML),
		Sig:                fileMeta(m.Sig),
	}
}

func fileMeta(d *verify.FileDigests) dumpmeta.FileMeta {
	return dumpmeta.FileMeta{
		Mtime:  d.Mtime.Unix(),
		MD5:    d.MD5,
		SHA1:   d.SHA1,
		Git:    d.GitOID,
		SHA256: d.SHA256,
		SHA512: d.SHA512,
	}
}
