// Package gitar archives signed registry dump snapshots into an
// append-only git object store.  Every distinct dump becomes one commit
// on the primary branch; a mirror branch carries the same history with
// oversized payloads split into fixed-size chunks.
package gitar

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/zeebo/errs"

	"tangled.org/rknarc.net/gitar/internal/archive"
	"tangled.org/rknarc.net/gitar/internal/dedup"
	"tangled.org/rknarc.net/gitar/internal/donor"
	"tangled.org/rknarc.net/gitar/internal/gitstore"
	"tangled.org/rknarc.net/gitar/internal/metrics"
	"tangled.org/rknarc.net/gitar/internal/mirror"
	"tangled.org/rknarc.net/gitar/internal/types"
	"tangled.org/rknarc.net/gitar/internal/verify"
	"tangled.org/rknarc.net/gitar/server"
)

var Error = errs.Class("gitar")

// Re-export commonly used types for convenience
type (
	Logger   = types.Logger
	Snapshot = types.Snapshot

	Result     = archive.Result
	ChainCheck = archive.ChainCheck
	Manifest   = verify.Manifest
	Entry      = dedup.Entry
	SyncResult = mirror.SyncResult
)

type option struct {
	logger  types.Logger
	metrics metrics.Sink
	client  *http.Client
}

// Option configures Open.
type Option func(*option)

// WithLogger sets a custom logger.
func WithLogger(logger types.Logger) Option {
	return func(o *option) { o.logger = logger }
}

// WithMetrics sets the metrics sink; defaults to a Prometheus registry
// when Config.Metrics is true, a no-op sink otherwise.
func WithMetrics(sink metrics.Sink) Option {
	return func(o *option) { o.metrics = sink }
}

// WithHTTPClient sets the client used for donor fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(o *option) { o.client = client }
}

type defaultLogger struct{}

func (defaultLogger) Printf(format string, v ...interface{}) {}
func (defaultLogger) Println(v ...interface{})               {}

// Gitar is the assembled archival service.
type Gitar struct {
	config     *Config
	logger     types.Logger
	sink       metrics.Sink
	prom       *metrics.Prometheus
	store      *gitstore.Store
	log        *dedup.Log
	engine     *archive.Engine
	monitor    *archive.Monitor
	replicator *mirror.Replicator
	client     *http.Client
}

// Open assembles the service from config, creating the repository and
// ledger on first use.  The context bounds the initial chain resync.
func Open(ctx context.Context, config *Config, opts ...Option) (*Gitar, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	o := &option{logger: defaultLogger{}}
	for _, apply := range opts {
		apply(o)
	}

	var prom *metrics.Prometheus
	sink := o.metrics
	if sink == nil {
		if config.Metrics {
			prom = metrics.NewPrometheus()
			sink = prom
		} else {
			sink = metrics.Nop{}
		}
	}

	store, err := openOrInit(ctx, config.GitDir, o.logger)
	if err != nil {
		return nil, err
	}

	log, err := dedup.Open(config.DBPath, o.logger)
	if err != nil {
		return nil, err
	}

	verifier := &verify.OpensslVerifier{
		Binary:       config.Verify.OpensslBinary,
		Engine:       config.Verify.Engine,
		AnchorDir:    config.Verify.AnchorDir,
		PurposeAnyCN: config.Verify.PurposeAnyCN,
		Logger:       o.logger,
	}
	pipeline := verify.NewPipeline(verifier, o.logger)

	monitor := archive.NewMonitor(store, config.HeapCeiling, sink, o.logger)
	engine, err := archive.NewEngine(ctx, store, pipeline, log, monitor, sink, o.logger)
	if err != nil {
		log.Close()
		return nil, err
	}

	replicator := mirror.New(store, log, engine, mirror.Config{
		ChunkSize: config.Mirror.ChunkSize,
		Remote:    config.Mirror.Remote,
	}, sink, o.logger)

	client := o.client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}

	return &Gitar{
		config:     config,
		logger:     o.logger,
		sink:       sink,
		prom:       prom,
		store:      store,
		log:        log,
		engine:     engine,
		monitor:    monitor,
		replicator: replicator,
		client:     client,
	}, nil
}

func openOrInit(ctx context.Context, gitDir string, logger types.Logger) (*gitstore.Store, error) {
	if _, err := os.Stat(gitDir); err == nil {
		return gitstore.Open(gitDir, logger)
	}
	return gitstore.Init(ctx, gitDir, logger)
}

// Close releases the ledger database.
func (g *Gitar) Close() error {
	return g.log.Close()
}

// Store returns the underlying object store.
func (g *Gitar) Store() *gitstore.Store { return g.store }

// Log returns the dedup ledger.
func (g *Gitar) Log() *dedup.Log { return g.log }

// Engine returns the storage engine.
func (g *Gitar) Engine() *archive.Engine { return g.engine }

// Replicator returns the mirror replicator.
func (g *Gitar) Replicator() *mirror.Replicator { return g.replicator }

// StoreSnapshot verifies and archives one snapshot.
func (g *Gitar) StoreSnapshot(ctx context.Context, snap *types.Snapshot) (*Result, error) {
	return g.engine.StoreSnapshot(ctx, snap)
}

// SyncMirror replays pending commits onto the mirror branch within the
// given budget.
func (g *Gitar) SyncMirror(ctx context.Context, budget time.Duration) (*SyncResult, error) {
	return g.replicator.Sync(ctx, budget)
}

// VerifyChain re-reads archived blobs and recomputes their digests.
func (g *Gitar) VerifyChain(ctx context.Context, limit int) (*ChainCheck, error) {
	return g.engine.VerifyChain(ctx, limit)
}

// MetricsHandler returns the Prometheus endpoint, nil when metrics are
// disabled or an external sink was supplied.
func (g *Gitar) MetricsHandler() http.Handler {
	if g.prom == nil {
		return nil
	}
	return g.prom.Handler()
}

// mirrorPhase adapts the replicator to the scheduler's per-cycle hook.
type mirrorPhase struct {
	replicator *mirror.Replicator
}

func (m mirrorPhase) Sync(ctx context.Context, budget time.Duration) error {
	_, err := m.replicator.Sync(ctx, budget)
	return err
}

// NewScheduler assembles the donor polling loop from config.
func (g *Gitar) NewScheduler() (*donor.Scheduler, error) {
	donors, err := g.buildDonors()
	if err != nil {
		return nil, err
	}
	if len(donors) == 0 {
		return nil, Error.New("no donors configured")
	}

	var sink donor.Sink
	if g.config.Sink.URL != "" {
		sink = &donor.HTTPSink{
			BaseURL: g.config.Sink.URL,
			Token:   g.config.Sink.Token,
			Client:  g.client,
			Logger:  g.logger,
		}
	}

	var repl donor.Replicator
	if g.config.Mirror.Budget > 0 {
		repl = mirrorPhase{g.replicator}
	}

	return donor.NewScheduler(donors, g.log, g.engine, sink, repl, g.sink, donor.SchedulerConfig{
		Period:       g.config.Period.Std(),
		HandleLimit:  g.config.HandleLimit,
		MirrorBudget: g.config.Mirror.Budget.Std(),
		WorkDir:      g.config.WorkDir,
	}, g.logger), nil
}

func (g *Gitar) buildDonors() ([]donor.Donor, error) {
	var donors []donor.Donor
	for _, dc := range g.config.Donors {
		switch dc.Kind {
		case "file":
			d, err := donor.NewChe(g.log.DB(), dc.URL, g.client, g.logger)
			if err != nil {
				return nil, err
			}
			donors = append(donors, d)
		case "listing":
			d, err := donor.NewZavod(g.log.DB(), dc.URL, g.client, g.logger)
			if err != nil {
				return nil, err
			}
			donors = append(donors, d)
		default:
			return nil, Error.New("unknown donor kind %q", dc.Kind)
		}
	}
	return donors, nil
}

// NewServer assembles the HTTP API from config and hooks the engine's
// commit notifications into the websocket feed, so donor fetches and
// uploads alike reach subscribers.
func (g *Gitar) NewServer(version string) *server.Server {
	srv := server.New(g.engine, &server.Config{
		Addr:           g.config.Server.Addr,
		UploadToken:    g.config.Server.UploadToken,
		MetricsHandler: g.MetricsHandler(),
		Version:        version,
	}, g.logger)
	g.engine.SetNotifier(srv.NotifyCommit)
	return srv
}
