// Package reconcile sweeps the pending-bonus queue so referral bonuses
// that failed inline still get paid.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/motorhub/pointsledger/pkg/points"
	"github.com/motorhub/pointsledger/pkg/referral"
	"go.uber.org/zap"
)

const (
	defaultInterval  = time.Minute
	defaultBatchSize = 100
)

var errInvalidReconcilerConfig = errors.New("invalid reconciler config")

// BonusProcessor runs the first-transaction bonus logic for one user.
type BonusProcessor interface {
	ProcessFirstTransaction(ctx context.Context, referredUserID points.UserID, referenceID points.ReferenceID) error
}

// PendingQueue exposes the queued disbursements awaiting retry.
type PendingQueue interface {
	ListPendingBonuses(ctx context.Context, limit int) ([]referral.PendingBonus, error)
	DeletePendingBonus(ctx context.Context, referredUserID points.UserID) error
}

// Reconciler periodically replays queued bonus disbursements. Replays are
// safe to repeat: the processor's per-user flag and derived reference ids
// make each disbursement idempotent.
type Reconciler struct {
	queue     PendingQueue
	processor BonusProcessor
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
	scheduler gocron.Scheduler
}

// New wires a Reconciler. A zero interval falls back to one minute.
func New(queue PendingQueue, processor BonusProcessor, logger *zap.Logger, interval time.Duration) (*Reconciler, error) {
	if queue == nil {
		return nil, fmt.Errorf("%w: queue dependency is nil", errInvalidReconcilerConfig)
	}
	if processor == nil {
		return nil, fmt.Errorf("%w: processor dependency is nil", errInvalidReconcilerConfig)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger dependency is nil", errInvalidReconcilerConfig)
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reconciler{
		queue:     queue,
		processor: processor,
		logger:    logger,
		interval:  interval,
		batchSize: defaultBatchSize,
	}, nil
}

// Start schedules the sweep and returns immediately.
func (reconciler *Reconciler) Start(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(reconciler.interval),
		gocron.NewTask(func() {
			if sweepErr := reconciler.RunOnce(ctx); sweepErr != nil {
				reconciler.logger.Warn("bonus sweep failed", zap.Error(sweepErr))
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	reconciler.scheduler = scheduler
	scheduler.Start()
	reconciler.logger.Info("bonus reconciler started", zap.Duration("interval", reconciler.interval))
	return nil
}

// Shutdown stops the scheduled sweep.
func (reconciler *Reconciler) Shutdown() error {
	if reconciler.scheduler == nil {
		return nil
	}
	return reconciler.scheduler.Shutdown()
}

// RunOnce drains up to one batch of queued disbursements. A disbursement
// that fails again stays queued for the next sweep.
func (reconciler *Reconciler) RunOnce(ctx context.Context) error {
	pending, err := reconciler.queue.ListPendingBonuses(ctx, reconciler.batchSize)
	if err != nil {
		return err
	}
	for _, event := range pending {
		if err := reconciler.replay(ctx, event); err != nil {
			reconciler.logger.Warn("bonus replay failed",
				zap.String("referredUserId", event.ReferredUserID),
				zap.String("referenceId", event.ReferenceID),
				zap.Error(err))
			continue
		}
		reconciler.logger.Info("bonus replayed",
			zap.String("referredUserId", event.ReferredUserID),
			zap.String("referenceId", event.ReferenceID))
	}
	return nil
}

func (reconciler *Reconciler) replay(ctx context.Context, event referral.PendingBonus) error {
	referredUserID, err := points.NewUserID(event.ReferredUserID)
	if err != nil {
		return err
	}
	referenceID, err := points.NewReferenceID(event.ReferenceID)
	if err != nil {
		return err
	}
	if err := reconciler.processor.ProcessFirstTransaction(ctx, referredUserID, referenceID); err != nil {
		return err
	}
	return reconciler.queue.DeletePendingBonus(ctx, referredUserID)
}
