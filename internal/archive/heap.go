package archive

import (
	"context"
	"time"

	"tangled.org/rknarc.net/gitar/internal/gitstore"
	"tangled.org/rknarc.net/gitar/internal/metrics"
	"tangled.org/rknarc.net/gitar/internal/types"
)

// DefaultHeapCeiling bounds unpacked growth before a repack is forced.
const DefaultHeapCeiling = int64(1) << 30 // 1 GiB

// Monitor watches the store's loose-object footprint and triggers a
// synchronous repack once it exceeds the ceiling.  Coarse-grained
// backpressure: stores block for the repack's duration.
type Monitor struct {
	store   *gitstore.Store
	ceiling int64
	sink    metrics.Sink
	logger  types.Logger
}

// NewMonitor builds a Monitor.  A ceiling of zero uses the default.
func NewMonitor(store *gitstore.Store, ceiling int64, sink metrics.Sink, logger types.Logger) *Monitor {
	if ceiling <= 0 {
		ceiling = DefaultHeapCeiling
	}
	return &Monitor{store: store, ceiling: ceiling, sink: sink, logger: logger}
}

// HeapBytes measures and reports the current footprint.
func (m *Monitor) HeapBytes(ctx context.Context) (int64, error) {
	hb, err := m.store.HeapBytes(ctx)
	if err != nil {
		return 0, err
	}
	m.sink.SetHeapBytes(hb)
	return hb, nil
}

// MaybeRepack repacks when the footprint exceeds the ceiling.
func (m *Monitor) MaybeRepack(ctx context.Context) error {
	hb, err := m.HeapBytes(ctx)
	if err != nil {
		return err
	}
	if hb <= m.ceiling {
		return nil
	}
	m.logger.Printf("archive: heap %d bytes over ceiling %d, repacking...", hb, m.ceiling)
	start := time.Now()
	if err := m.store.Repack(ctx); err != nil {
		m.sink.StepFailed("repack")
		return err
	}
	m.sink.StepDone("repack", time.Since(start))
	if after, err := m.HeapBytes(ctx); err == nil {
		m.logger.Printf("archive: repack done in %s (heap now %d bytes)",
			time.Since(start).Round(time.Millisecond), after)
	}
	return nil
}
