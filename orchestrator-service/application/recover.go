package application

import (
	"context"

	"github.com/autosalon/purchase-system/orchestrator-service/domain"
	"github.com/autosalon/purchase-system/shared/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RecoverSagas re-enqueues every non-terminal saga after a restart. Steps
// left in flight are re-attempted with their stored idempotency keys, so a
// crash mid-call never double-executes downstream work.
type RecoverSagas struct {
	store      domain.SagaStore
	dispatcher Dispatcher
}

// NewRecoverSagas creates a new RecoverSagas use case
func NewRecoverSagas(store domain.SagaStore, dispatcher Dispatcher) *RecoverSagas {
	return &RecoverSagas{
		store:      store,
		dispatcher: dispatcher,
	}
}

// Execute loads all non-terminal sagas and hands them to the executor
func (uc *RecoverSagas) Execute(ctx context.Context) (int, error) {
	sagas, err := uc.store.FindNonTerminal(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load non-terminal sagas")
	}

	recovered := 0
	for _, saga := range sagas {
		// Pending sagas crashed before Start; restart them here rather than
		// leaving them stuck.
		if saga.Status == domain.StatusPending {
			if err := saga.Start(); err != nil {
				logger.L().Error("failed to restart pending saga",
					zap.String("saga_id", saga.ID.String()),
					zap.Error(err))
				continue
			}
			if err := uc.store.Save(ctx, saga); err != nil {
				logger.L().Error("failed to save restarted saga",
					zap.String("saga_id", saga.ID.String()),
					zap.Error(err))
				continue
			}
			saga.ClearEvents()
		}

		uc.dispatcher.Dispatch(saga.ID)
		recovered++
	}

	if recovered > 0 {
		logger.L().Info("recovered sagas after restart", zap.Int("count", recovered))
	}
	return recovered, nil
}
