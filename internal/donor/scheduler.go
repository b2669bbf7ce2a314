package donor

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"tangled.org/rknarc.net/gitar/internal/archive"
	"tangled.org/rknarc.net/gitar/internal/metrics"
	"tangled.org/rknarc.net/gitar/internal/types"
)

// Archiver is the slice of the storage engine the scheduler drives.
type Archiver interface {
	StoreSnapshot(ctx context.Context, snap *types.Snapshot) (*archive.Result, error)
	MaybeRepack(ctx context.Context) error
}

// NoveltyChecker answers "is this content hash new" without a full
// verification pass.
type NoveltyChecker interface {
	Needs(xmlSHA256 string) (bool, error)
}

// Replicator is the per-cycle mirror phase.
type Replicator interface {
	Sync(ctx context.Context, budget time.Duration) error
}

// SchedulerConfig configures the polling loop.
type SchedulerConfig struct {
	// Period is one full round-robin cycle; each donor gets an equal
	// slot of Period / len(donors).
	Period time.Duration

	// HandleLimit bounds handles fetched per donor per cycle, keeping
	// one backlogged donor from starving the others.
	HandleLimit int

	// MirrorBudget time-boxes the replication phase per cycle; zero
	// disables the phase.
	MirrorBudget time.Duration

	// WorkDir hosts per-fetch scratch directories; empty uses the
	// system temp dir.
	WorkDir string
}

// DefaultSchedulerConfig returns the reference cadence.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Period:       time.Minute,
		HandleLimit:  2,
		MirrorBudget: 20 * time.Second,
	}
}

// Scheduler round-robins across donors, feeding novel snapshots into
// the engine and optionally forwarding them to a sink.  Single
// goroutine, cooperative: fairness comes from fixed per-donor slots,
// not parallel dispatch.
type Scheduler struct {
	donors     []Donor
	log        NoveltyChecker
	engine     Archiver
	sink       Sink
	replicator Replicator
	sinkMetric metrics.Sink
	logger     types.Logger
	config     SchedulerConfig
}

// NewScheduler builds the loop.  sink and replicator may be nil.
func NewScheduler(donors []Donor, log NoveltyChecker, engine Archiver, sink Sink, replicator Replicator, sinkMetric metrics.Sink, config SchedulerConfig, logger types.Logger) *Scheduler {
	if config.Period <= 0 {
		config.Period = time.Minute
	}
	if config.HandleLimit <= 0 {
		config.HandleLimit = 2
	}
	return &Scheduler{
		donors:     donors,
		log:        log,
		engine:     engine,
		sink:       sink,
		replicator: replicator,
		sinkMetric: sinkMetric,
		logger:     logger,
		config:     config,
	}
}

// Run cycles forever until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Printf("scheduler: %d donors, period %s (slot %s)",
		len(s.donors), s.config.Period, s.slot())
	for {
		if err := s.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Cycle-level failures are logged and retried next cycle.
			s.logger.Printf("scheduler: cycle failed: %v", err)
		}
	}
}

func (s *Scheduler) slot() time.Duration {
	if len(s.donors) == 0 {
		return s.config.Period
	}
	return s.config.Period / time.Duration(len(s.donors))
}

// RunCycle performs exactly one full pass: every donor once, each in
// its own slot, then the time-boxed mirror phase and the heap check.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	cycleID := uuid.NewString()[:8]
	slot := s.slot()

	for _, d := range s.donors {
		start := time.Now()
		if err := s.pollDonor(ctx, cycleID, d); err != nil {
			// Per-donor failures never abort the loop.
			s.sinkMetric.StepFailed("fetch")
			s.logger.Printf("scheduler[%s]: donor %s failed: %v", cycleID, d.Name(), err)
		}
		if maxUT, err := d.MaxUpdateTime(); err == nil {
			s.sinkMetric.SetDonorUpdateTime(d.Name(), maxUT)
		}
		if err := sleepRemaining(ctx, slot, time.Since(start)); err != nil {
			return err
		}
	}

	if s.replicator != nil && s.config.MirrorBudget > 0 {
		if err := s.replicator.Sync(ctx, s.config.MirrorBudget); err != nil {
			s.logger.Printf("scheduler[%s]: mirror sync failed: %v", cycleID, err)
		}
	}
	if err := s.engine.MaybeRepack(ctx); err != nil {
		s.logger.Printf("scheduler[%s]: repack check failed: %v", cycleID, err)
	}
	return ctx.Err()
}

func (s *Scheduler) pollDonor(ctx context.Context, cycleID string, d Donor) error {
	handles, err := d.ListHandles(ctx, s.config.HandleLimit)
	if err != nil {
		return err
	}
	for _, h := range handles {
		if err := s.processHandle(ctx, cycleID, d, h); err != nil {
			// Per-handle failures abort only this handle's cycle.
			s.sinkMetric.StepFailed("fetch")
			s.logger.Printf("scheduler[%s]: %s/%s failed: %v", cycleID, d.Name(), h.Label(), err)
		}
	}
	return nil
}

func (s *Scheduler) processHandle(ctx context.Context, cycleID string, d Donor, h Handle) error {
	dir, err := os.MkdirTemp(s.config.WorkDir, "gitar-"+cycleID+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	fetchStart := time.Now()
	snap, xmlSHA256, err := d.Fetch(ctx, dir, h)
	if err != nil {
		return err
	}
	s.sinkMetric.StepDone("fetch", time.Since(fetchStart))

	needs, err := s.log.Needs(xmlSHA256)
	if err != nil {
		return err
	}
	if needs {
		result, err := s.engine.StoreSnapshot(ctx, snap)
		if err != nil {
			return err
		}
		if !result.Skipped {
			if err := d.SanityCheck(h, result.Manifest); err != nil {
				return err
			}
		}
	} else {
		s.logger.Printf("scheduler[%s]: %s/%s already archived", cycleID, d.Name(), h.Label())
	}

	if s.sink != nil {
		sinkNeeds, err := s.sink.Needs(ctx, xmlSHA256)
		if err != nil {
			return err
		}
		if sinkNeeds {
			if err := s.sink.Upload(ctx, snap); err != nil {
				return err
			}
		}
	}
	return nil
}

// sleepRemaining waits out the rest of a donor's slot, keeping polls of
// any single donor at least slot apart.
func sleepRemaining(ctx context.Context, slot, spent time.Duration) error {
	rest := slot - spent
	if rest <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(rest):
		return nil
	}
}
