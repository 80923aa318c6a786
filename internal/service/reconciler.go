package service

import (
	"commerce-reconciler/internal/repository"
	"context"
	"time"

	"go.uber.org/zap"
)

// Reconciler periodically re-drives refunds left PENDING because the payment
// service could not be reached.
type Reconciler struct {
	interval     time.Duration
	batchSize    int
	cancelRepo   repository.OrderCancelRepository
	orderService OrderService
	log          *zap.Logger
}

func NewReconciler(cancelRepo repository.OrderCancelRepository, orderService OrderService, interval time.Duration, batchSize int, log *zap.Logger) *Reconciler {
	return &Reconciler{
		interval:     interval,
		batchSize:    batchSize,
		cancelRepo:   cancelRepo,
		orderService: orderService,
		log:          log,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep processes one batch of due cancellations and returns how many it tried.
func (r *Reconciler) Sweep(ctx context.Context) int {
	due, err := r.cancelRepo.ListDue(ctx, time.Now(), r.batchSize)
	if err != nil {
		r.log.Error("list due cancellations", zap.Error(err))
		return 0
	}

	for _, cancel := range due {
		if ctx.Err() != nil {
			return 0
		}
		if err := r.orderService.RetryCancel(ctx, cancel.ID); err != nil {
			r.log.Error("retry cancellation",
				zap.Uint("cancel_id", cancel.ID),
				zap.String("order_id", cancel.OrderID),
				zap.Error(err))
		}
	}
	return len(due)
}
