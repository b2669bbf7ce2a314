// Package mirror maintains the size-limited replica chain: the same
// commits as the primary, one to one, except that any file over the
// remote host's byte ceiling is replaced by an ordered sequence of
// bounded chunks.  Replication is batched, time-boxed and idempotent:
// the unreplicated set comes from the dedup log and shrinks only after
// the mirror reference has advanced.
package mirror

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/zeebo/errs"

	"tangled.org/rknarc.net/gitar/internal/dedup"
	"tangled.org/rknarc.net/gitar/internal/dumpmeta"
	"tangled.org/rknarc.net/gitar/internal/gitstore"
	"tangled.org/rknarc.net/gitar/internal/metrics"
	"tangled.org/rknarc.net/gitar/internal/types"
)

// Error is the class for replication failures.
var Error = errs.Class("mirror")

// Compactor is the heap backpressure hook run after each batch.
type Compactor interface {
	MaybeRepack(ctx context.Context) error
}

// Config configures the replicator.
type Config struct {
	// ChunkSize is the per-file byte ceiling, DefaultChunkSize if zero.
	ChunkSize int64

	// Remote is the git remote to push the mirror reference to; empty
	// disables pushing (local mirror chain only).
	Remote string

	// BatchLimit caps commits considered per Sync call.
	BatchLimit int
}

// Replicator replays primary-chain commits onto the mirror reference.
type Replicator struct {
	store     *gitstore.Store
	log       *dedup.Log
	compactor Compactor
	sink      metrics.Sink
	logger    types.Logger
	config    Config
}

// SyncResult summarizes one Sync invocation.
type SyncResult struct {
	Replicated int
	Remaining  int
	Pushed     bool
}

// New builds a Replicator.
func New(store *gitstore.Store, log *dedup.Log, compactor Compactor, config Config, sink metrics.Sink, logger types.Logger) *Replicator {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = 100
	}
	return &Replicator{
		store:     store,
		log:       log,
		compactor: compactor,
		sink:      sink,
		logger:    logger,
		config:    config,
	}
}

// Sync replicates unmirrored commits oldest-signing-time first until the
// budget runs out, then repack-checks and pushes if the remote diverged.
// Budget checks are cooperative, between commits; a partially processed
// backlog simply continues next cycle.
func (r *Replicator) Sync(ctx context.Context, budget time.Duration) (*SyncResult, error) {
	deadline := time.Now().Add(budget)
	result := &SyncResult{}

	pending, err := r.log.Unreplicated(r.config.BatchLimit)
	if err != nil {
		return nil, err
	}
	for _, u := range pending {
		if time.Now().After(deadline) {
			break
		}
		if err := r.replicate(ctx, u); err != nil {
			r.sink.StepFailed("mirror")
			return result, err
		}
		result.Replicated++
	}
	result.Remaining = len(pending) - result.Replicated

	if r.compactor != nil {
		if err := r.compactor.MaybeRepack(ctx); err != nil {
			r.logger.Printf("mirror: repack check failed: %v", err)
		}
	}

	if r.config.Remote != "" {
		pushed, err := r.pushIfDiverged(ctx)
		if err != nil {
			r.sink.StepFailed("mirror-push")
			return result, err
		}
		result.Pushed = pushed
	}
	return result, nil
}

// replicate rewrites one primary commit onto the mirror head: same
// author, committer and message, parent pointer moved to the mirror
// head, and the oversized dump replaced by chunks when needed.
func (r *Replicator) replicate(ctx context.Context, u dedup.UnreplicatedCommit) error {
	start := time.Now()
	info, err := r.store.CatCommit(ctx, u.CommitHash)
	if err != nil {
		return err
	}
	entries, err := r.store.ReadTree(ctx, info.Tree)
	if err != nil {
		return err
	}

	message := info.Message
	var newEntries []gitstore.TreeEntry
	for _, entry := range entries {
		if entry.Name != types.DumpXML {
			newEntries = append(newEntries, entry) // copied by reference
			continue
		}
		size, err := r.store.BlobSize(ctx, entry.OID)
		if err != nil {
			return err
		}
		if size <= r.config.ChunkSize {
			newEntries = append(newEntries, entry)
			continue
		}
		chunks, err := r.splitBlob(ctx, entry.OID, size)
		if err != nil {
			return err
		}
		for name, oid := range chunks {
			newEntries = append(newEntries, gitstore.TreeEntry{
				Mode: entry.Mode, Type: "blob", OID: oid, Name: name,
			})
		}
		message = dumpmeta.RewriteChunkDigests(message, chunks)
		r.logger.Printf("mirror: split %s (%d bytes) into %d chunks for %s",
			types.DumpXML, size, len(chunks), u.CommitHash[:12])
	}
	sort.Slice(newEntries, func(i, j int) bool { return newEntries[i].Name < newEntries[j].Name })

	tree, err := r.store.BuildTree(ctx, newEntries)
	if err != nil {
		return err
	}
	head, err := r.store.ReadRef(ctx, gitstore.MirrorRef)
	if err != nil {
		return err
	}
	commit, err := r.store.Commit(ctx, tree, head, info.Author, info.Committer, message)
	if err != nil {
		return err
	}
	if err := r.store.AdvanceRef(ctx, gitstore.MirrorRef, commit, head); err != nil {
		return err
	}
	if err := r.log.RecordMirrored(u.SigningTime, commit); err != nil {
		return err
	}
	r.sink.StepDone("mirror", time.Since(start))
	return nil
}

// splitBlob streams one oversized blob into numbered chunk blobs with
// deterministic boundaries.
func (r *Replicator) splitBlob(ctx context.Context, blobOID string, size int64) (map[string]string, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(r.store.ReadBlob(ctx, blobOID, pw))
	}()
	defer pr.Close()

	chunks := make(map[string]string)
	for i, chunkSize := range ChunkSizes(size, r.config.ChunkSize) {
		oid, err := r.store.PutBlob(ctx, io.LimitReader(pr, chunkSize))
		if err != nil {
			return nil, err
		}
		chunks[ChunkName(types.DumpXML, i)] = oid
	}
	return chunks, nil
}

// pushIfDiverged pushes the mirror reference only when the remote's
// value differs from the local one.
func (r *Replicator) pushIfDiverged(ctx context.Context) (bool, error) {
	local, err := r.store.ReadRef(ctx, gitstore.MirrorRef)
	if err != nil {
		return false, err
	}
	remote, err := r.store.RemoteRef(ctx, r.config.Remote, gitstore.MirrorRef)
	if err != nil {
		return false, err
	}
	if remote == local {
		return false, nil
	}
	start := time.Now()
	if err := r.store.Push(ctx, r.config.Remote, gitstore.MirrorRef+":"+gitstore.MirrorRef); err != nil {
		return false, Error.Wrap(err)
	}
	r.sink.StepDone("mirror-push", time.Since(start))
	r.logger.Printf("mirror: pushed %s to %s (%s)", gitstore.MirrorRef, r.config.Remote, local[:12])
	return true, nil
}
