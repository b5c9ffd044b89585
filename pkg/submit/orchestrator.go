package submit

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/staging"
)

// ErrNotInBatch is returned by ForceRun for an experiment that is not in
// the current outcome list.
var ErrNotInBatch = errors.New("experiment is not part of the batch")

// Submitter sends one submission. *backend.Client satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req backend.SubmitRequest) (backend.SubmitResponse, error)
}

// Config configures an Orchestrator.
type Config struct {
	// Concurrency caps in-flight submissions. Zero submits everything at once.
	Concurrency int

	// RateLimit is the maximum submissions per second. Zero means unlimited.
	RateLimit float64
}

// Orchestrator submits experiments concurrently.
type Orchestrator struct {
	client  Submitter
	config  Config
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an Orchestrator.
func New(client Submitter, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Concurrency < 0 {
		cfg.Concurrency = 0
	}
	o := &Orchestrator{
		client: client,
		config: cfg,
		logger: zap.NewNop(),
	}
	if cfg.RateLimit > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SubmitAll submits every experiment and waits for all of them.
//
// The result has one item per input, in input order. A failed submission
// becomes a KindFailed item and never affects its siblings. The returned
// error joins the per-item failures and is nil when none failed.
func (o *Orchestrator) SubmitAll(ctx context.Context, exps []staging.Experiment) ([]Item, error) {
	return o.SubmitEach(ctx, exps, nil)
}

// SubmitEach is SubmitAll with a callback invoked as each item resolves.
//
// onResolved may be called concurrently from several goroutines.
func (o *Orchestrator) SubmitEach(ctx context.Context, exps []staging.Experiment, onResolved func(i int, it Item)) ([]Item, error) {
	items := make([]Item, len(exps))
	errs := make([]error, len(exps))

	var g errgroup.Group
	if o.config.Concurrency > 0 {
		g.SetLimit(o.config.Concurrency)
	}

	for i := range exps {
		exp := exps[i].Clone()
		items[i] = Item{Experiment: exp, Outcome: Pending()}

		g.Go(func() error {
			outcome := o.submitOne(ctx, exp, false)
			items[i].Outcome = outcome
			if err := outcome.Err(); err != nil {
				errs[i] = fmt.Errorf("%s: %w", exp.ID, err)
			}
			if onResolved != nil {
				onResolved(i, items[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	return items, errors.Join(errs...)
}

// ForceRun resubmits exp with cache lookup disabled.
//
// Only the item whose experiment id equals exp.ID is replaced; the rest of
// current is copied unchanged. On failure the previous outcome is kept and
// the error is returned with the unchanged list.
func (o *Orchestrator) ForceRun(ctx context.Context, exp staging.Experiment, current []Item) ([]Item, error) {
	out := make([]Item, len(current))
	copy(out, current)

	slot := -1
	for i := range out {
		if out[i].Experiment.ID == exp.ID {
			slot = i
			break
		}
	}
	if slot < 0 {
		return out, fmt.Errorf("%w: %s", ErrNotInBatch, exp.ID)
	}

	outcome := o.submitOne(ctx, exp, true)
	if err := outcome.Err(); err != nil {
		return out, fmt.Errorf("force run %s: %w", exp.ID, err)
	}
	out[slot] = Item{Experiment: exp.Clone(), Outcome: outcome}
	return out, nil
}

// Resubmit submits one experiment with force_run set and returns its outcome.
func (o *Orchestrator) Resubmit(ctx context.Context, exp staging.Experiment) Outcome {
	return o.submitOne(ctx, exp, true)
}

func (o *Orchestrator) submitOne(ctx context.Context, exp staging.Experiment, force bool) Outcome {
	if o.client == nil {
		return Failed(errors.New("backend client is not configured"))
	}
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return Failed(err)
		}
	}

	resp, err := o.client.Submit(ctx, exp.Request(force))
	if err != nil {
		o.logger.Debug("submission failed",
			zap.String("experiment_id", exp.ID),
			zap.Bool("force_run", force),
			zap.Error(err),
		)
		return Failed(err)
	}

	outcome := Classify(resp)
	o.logger.Debug("submission resolved",
		zap.String("experiment_id", exp.ID),
		zap.Bool("force_run", force),
		zap.String("outcome", string(outcome.Kind)),
		zap.Int("matches", len(outcome.Matches)),
	)
	return outcome
}
