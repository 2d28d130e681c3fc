// Package maintenance schedules the background upkeep a long-lived sync
// session needs: periodic full resyncs to heal drift and pruning of the
// offline cache.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bazaarlab/notisync/pkg/logger"
)

const (
	defaultRetention  = 30 * 24 * time.Hour
	defaultResyncSpec = "@every 1h"
	defaultPruneSpec  = "@daily"
	jobTimeout        = 30 * time.Second
)

// Refresher re-seeds the local mirror from the server. The sync controller
// satisfies this.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Pruner drops aged rows from the offline cache.
type Pruner interface {
	Prune(retention time.Duration) (int64, error)
}

// Keeper coordinates the scheduled upkeep jobs.
type Keeper struct {
	refresher Refresher
	pruner    Pruner
	cron      *cron.Cron
	log       *zap.Logger
	retention time.Duration

	resyncSchedule string
	pruneSchedule  string
}

// Option customises the Keeper.
type Option func(*Keeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(k *Keeper) {
		if c != nil {
			k.cron = c
		}
	}
}

// WithRetention adjusts how long read records survive in the cache.
func WithRetention(retention time.Duration) Option {
	return func(k *Keeper) {
		if retention > 0 {
			k.retention = retention
		}
	}
}

// WithResyncSchedule overrides the cron specification for full resyncs.
func WithResyncSchedule(spec string) Option {
	return func(k *Keeper) {
		if spec != "" {
			k.resyncSchedule = spec
		}
	}
}

// WithPruneSchedule overrides the cron specification for cache pruning.
func WithPruneSchedule(spec string) Option {
	return func(k *Keeper) {
		if spec != "" {
			k.pruneSchedule = spec
		}
	}
}

// NewKeeper constructs a Keeper with sensible defaults. A nil dependency
// results in the corresponding job being skipped.
func NewKeeper(refresher Refresher, pruner Pruner, opts ...Option) *Keeper {
	keeper := &Keeper{
		refresher:      refresher,
		pruner:         pruner,
		retention:      defaultRetention,
		resyncSchedule: defaultResyncSpec,
		pruneSchedule:  defaultPruneSpec,
		log:            logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(keeper)
	}

	if keeper.cron == nil {
		keeper.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return keeper
}

// Start registers the upkeep jobs with the cron scheduler and launches it if
// at least one job is enabled.
func (k *Keeper) Start() error {
	if k.refresher == nil && k.pruner == nil {
		return nil
	}

	if k.refresher != nil {
		if _, err := k.cron.AddFunc(k.resyncSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			if err := k.refresher.Refresh(ctx); err != nil {
				k.log.Warn("scheduled resync failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if k.pruner != nil && k.retention > 0 {
		if _, err := k.cron.AddFunc(k.pruneSchedule, func() {
			pruned, err := k.pruner.Prune(k.retention)
			if err != nil {
				k.log.Warn("cache prune failed", zap.Error(err))
				return
			}
			if pruned > 0 {
				k.log.Info("cache pruned", zap.Int64("records", pruned))
			}
		}); err != nil {
			return err
		}
	}

	k.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any running jobs to complete.
func (k *Keeper) Stop() context.Context {
	if k.cron == nil {
		return context.Background()
	}
	return k.cron.Stop()
}

// RunOnce executes every configured job sequentially. Used in tests and
// during graceful shutdown.
func (k *Keeper) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if k.refresher != nil {
		errs = multierr.Append(errs, k.refresher.Refresh(ctx))
	}

	if k.pruner != nil && k.retention > 0 {
		if _, err := k.pruner.Prune(k.retention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
