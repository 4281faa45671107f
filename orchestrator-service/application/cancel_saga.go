package application

import (
	"context"

	"github.com/autosalon/purchase-system/orchestrator-service/domain"
	"github.com/autosalon/purchase-system/shared/auth"
	"github.com/autosalon/purchase-system/shared/events"
	"github.com/autosalon/purchase-system/shared/logger"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CancelSagaCommand represents a cancellation request
type CancelSagaCommand struct {
	SagaID string `json:"saga_id"`
	Reason string `json:"reason,omitempty"`
}

// CancelSaga flips a non-terminal saga into compensation. Clients may cancel
// their own sagas; managers and admins any.
type CancelSaga struct {
	store      domain.SagaStore
	publisher  events.Publisher
	dispatcher Dispatcher
}

// NewCancelSaga creates a new CancelSaga use case
func NewCancelSaga(store domain.SagaStore, publisher events.Publisher, dispatcher Dispatcher) *CancelSaga {
	return &CancelSaga{
		store:      store,
		publisher:  publisher,
		dispatcher: dispatcher,
	}
}

// Execute executes the cancel saga use case
func (uc *CancelSaga) Execute(ctx context.Context, cmd *CancelSagaCommand, claims *auth.Claims) error {
	sagaID, err := models.NewID(cmd.SagaID)
	if err != nil {
		return errors.Wrap(err, "invalid saga ID")
	}

	saga, err := uc.store.FindByID(ctx, sagaID)
	if err != nil {
		return err
	}

	if !claims.Role.CanReadAnyOrder() && saga.Order.ClientID.String() != claims.Subject {
		return ErrForbidden
	}

	reason := cmd.Reason
	if reason == "" {
		reason = "cancelled by " + claims.Subject
	}

	if err := saga.Cancel(reason); err != nil {
		return err
	}

	if err := uc.store.Save(ctx, saga); err != nil {
		return errors.Wrap(err, "failed to save cancelled saga")
	}

	// An error here means neither the outbox nor the broker took the event.
	if err := uc.publisher.Publish(ctx, saga.Events()...); err != nil {
		logger.L().Error("failed to record cancellation events",
			zap.String("saga_id", cmd.SagaID),
			zap.Error(err))
	}
	saga.ClearEvents()

	uc.dispatcher.Dispatch(saga.ID)

	logger.L().Info("saga cancelled",
		zap.String("saga_id", cmd.SagaID),
		zap.String("reason", reason))
	return nil
}
