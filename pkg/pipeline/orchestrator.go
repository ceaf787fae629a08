// Package pipeline drives volumes through masking, pairwise alignment, the
// global solve, resampling and pyramid building.
//
// Progress is checkpointed per section after every stage, so a run that is
// interrupted resumes where it stopped. A section only enters a stage from
// the status that precedes it, and a failure in one section never stops the
// others.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"histostack/internal/models"
	"histostack/pkg/alignment"
	"histostack/pkg/config"
	"histostack/pkg/events"
	"histostack/pkg/ingest"
	"histostack/pkg/logger"
	"histostack/pkg/masking"
	"histostack/pkg/pyramid"
	"histostack/pkg/solver"
	"histostack/pkg/storage"
)

// Options wires an Orchestrator to its collaborators. Config, Source, Store,
// Artifacts and Chunks are required.
type Options struct {
	Config    *config.Config
	Source    ingest.Source
	Store     *storage.Store
	Artifacts *storage.Artifacts
	Chunks    pyramid.ChunkStore

	Sink       events.Sink
	Logger     logger.Logger
	Registerer prometheus.Registerer
}

// Orchestrator runs the pipeline.
type Orchestrator struct {
	cfg       *config.Config
	source    ingest.Source
	store     *storage.Store
	artifacts *storage.Artifacts
	chunks    pyramid.ChunkStore
	sink      events.Sink
	log       logger.Logger
	metrics   *Metrics
	masks     *maskCache

	generator *masking.Generator
	aligner   *alignment.Aligner
	solver    *solver.Solver
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil || opts.Source == nil || opts.Store == nil || opts.Artifacts == nil || opts.Chunks == nil {
		return nil, errors.New("pipeline: config, source, store, artifacts and chunks are required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoopLogger()
	}
	if opts.Sink == nil {
		opts.Sink = events.NewLogSink(opts.Logger)
	}

	cfg := opts.Config
	return &Orchestrator{
		cfg:       cfg,
		source:    opts.Source,
		store:     opts.Store,
		artifacts: opts.Artifacts,
		chunks:    opts.Chunks,
		sink:      opts.Sink,
		log:       opts.Logger,
		metrics:   NewMetrics(opts.Registerer),
		masks:     newMaskCache(cfg.Orchestrator.MaskCacheSize),
		generator: masking.NewGenerator(masking.Params{
			Downsample:      cfg.Masking.Downsample,
			Threshold:       cfg.Masking.Threshold,
			Invert:          cfg.Masking.Invert,
			CloseRadius:     cfg.Masking.CloseRadius,
			CloseIterations: cfg.Masking.CloseIterations,
			MinObjectArea:   cfg.Masking.MinObjectArea,
			MinConfidence:   cfg.Masking.MinConfidence,
		}),
		aligner: alignment.NewAligner(alignment.Params{
			MaxIterations: cfg.Alignment.MaxIterations,
			Tolerance:     cfg.Alignment.Tolerance,
			MinOverlap:    cfg.Alignment.MinOverlap,
			TieTolerance:  cfg.Alignment.TieTolerance,
			SmoothSigma:   cfg.Alignment.SmoothSigma,
		}),
		solver: solver.New(solver.Params{
			MaxIterations:       cfg.Solver.MaxIterations,
			Tolerance:           cfg.Solver.Tolerance,
			HuberThreshold:      cfg.Solver.HuberThreshold,
			DriftTolerance:      cfg.Solver.DriftTolerance,
			LowConfidenceWeight: cfg.Solver.LowConfidenceWeight,
		}),
	}, nil
}

// RunAll processes volumes concurrently. With no ids every volume the source
// lists is processed. A failing volume does not stop the others; their
// errors are joined.
func (o *Orchestrator) RunAll(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		var err error
		if ids, err = o.source.Volumes(ctx); err != nil {
			return fmt.Errorf("list volumes: %w", err)
		}
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := o.Run(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("volume %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Run brings one volume as far through the pipeline as it can go.
func (o *Orchestrator) Run(ctx context.Context, volumeID string) error {
	run := &volumeRun{
		Orchestrator: o,
		id:           volumeID,
		runID:        ulid.Make().String(),
	}
	run.log = o.log.With(zap.String("volume", volumeID), zap.String("run", run.runID))

	phases := []struct {
		stage string
		fn    func(context.Context) error
	}{
		{StageRegister, run.register},
		{StageMask, run.maskAll},
		{StagePairwise, run.pairwiseAll},
		{StageSolve, run.solve},
		{StageResample, run.resampleAll},
		{StagePyramid, run.pyramidAll},
	}

	start := time.Now()
	for i, p := range phases {
		if err := ctx.Err(); err != nil {
			return err
		}
		run.log.Info(fmt.Sprintf("Step %d: %s", i+1, p.stage))
		if err := p.fn(ctx); err != nil {
			run.log.Error("phase failed", zap.String("stage", p.stage), zap.Error(err))
			return fmt.Errorf("%s: %w", p.stage, err)
		}
	}
	run.log.Info("volume complete", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// volumeRun carries the state of one Run.
type volumeRun struct {
	*Orchestrator
	id    string
	runID string
	log   logger.Logger
}

// forEach runs fn for every section with at most Workers in flight.
// Cancellation stops new sections from starting; a section that has started
// runs to completion.
func (r *volumeRun) forEach(ctx context.Context, sections []models.Section, fn func(context.Context, models.Section) error) error {
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Orchestrator.Workers)
	for _, sec := range sections {
		if ctx.Err() != nil {
			break
		}
		sec := sec
		g.Go(func() error {
			return fn(context.WithoutCancel(ctx), sec)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// runStage executes one stage of one section. Section-level failures are
// recorded as failed; only errors that prevent recording are returned. What
// fn sets on sec before failing is kept in the failure record.
func (r *volumeRun) runStage(ctx context.Context, stage string, sec *models.Section, fn func() error) error {
	start := time.Now()
	from := sec.Status

	err := fn()
	switch {
	case err == nil:
		r.metrics.observe(stage, outcomeOK, start)
		return nil
	case errors.Is(err, storage.ErrIllegalTransition):
		// Another worker or an administrative action moved the section.
		r.log.Debug("section moved concurrently", zap.String("stage", stage), zap.Int("section", sec.OrderIndex), zap.Error(err))
		r.metrics.observe(stage, outcomeSkipped, start)
		return nil
	}

	se := &StageError{Stage: stage, OrderIndex: sec.OrderIndex, Reason: Classify(err), Err: err}
	r.log.Warn("section stage failed",
		zap.String("stage", stage),
		zap.Int("section", sec.OrderIndex),
		zap.String("reason", string(se.Reason)),
		zap.Error(err))
	r.metrics.observe(stage, outcomeFailed, start)

	failed := *sec
	failed.Status = models.StatusFailed
	failed.Reason = se.Reason
	if ferr := r.advance(ctx, stage, from, failed); ferr != nil && !errors.Is(ferr, storage.ErrIllegalTransition) {
		return errors.Join(se, ferr)
	}
	return nil
}

// advance stores a transition and publishes it.
func (r *volumeRun) advance(ctx context.Context, stage string, from models.Status, next models.Section) error {
	err := r.retry(ctx, stage, func() error {
		return r.store.Transition(ctx, from, next)
	})
	if err != nil {
		return err
	}
	r.emit(ctx, from, next)
	return nil
}

func (r *volumeRun) emit(ctx context.Context, from models.Status, sec models.Section) {
	r.publish(ctx, events.New(sec, from))
}

func (r *volumeRun) publish(ctx context.Context, e events.Event) {
	e.RunID = r.runID
	if err := r.sink.Emit(ctx, e); err != nil {
		r.log.Warn("event not delivered", zap.Int("section", e.OrderIndex), zap.String("kind", e.Kind), zap.Error(err))
	}
}

// retry runs fn until it succeeds, fails permanently or exhausts the retry
// budget. Only transient errors are retried.
func (r *volumeRun) retry(ctx context.Context, stage string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.Orchestrator.InitialBackoff
	policy.MaxInterval = r.cfg.Orchestrator.MaxBackoff
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.cfg.Orchestrator.MaxRetries)), ctx)
	attempt := 1
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		r.metrics.retries.WithLabelValues(stage).Inc()
		r.log.Info("retrying after transient failure", zap.String("stage", stage), zap.Int("attempt", attempt), zap.Error(err))
		attempt++
		return err
	}, b)
}

// Close releases the orchestrator's background resources. It must be called
// after every Run has returned.
func (o *Orchestrator) Close() {
	o.masks.stop()
}

// Reset returns a section to pending so the next Run processes it again.
// Sections whose pairs depend on it are rewound to masked.
func (o *Orchestrator) Reset(ctx context.Context, volumeID string, index int) error {
	if err := o.store.Reset(ctx, volumeID, index); err != nil {
		return err
	}
	o.masks.drop(volumeID, index)
	o.log.Info("section reset", zap.String("volume", volumeID), zap.Int("section", index))
	return nil
}

// SetReference designates the reference section of a volume. Transforms are
// recomputed on the next Run.
func (o *Orchestrator) SetReference(ctx context.Context, volumeID string, index int) error {
	if _, err := o.store.GetSection(ctx, volumeID, index); err != nil {
		return fmt.Errorf("reference %d: %w", index, err)
	}
	if err := o.store.SetReference(ctx, volumeID, index); err != nil {
		return err
	}
	o.log.Info("reference designated", zap.String("volume", volumeID), zap.Int("section", index))
	return nil
}
