package application

import (
	"context"

	"github.com/autosalon/purchase-system/orchestrator-service/domain"
	"github.com/autosalon/purchase-system/shared/contracts"
	"github.com/autosalon/purchase-system/shared/events"
	"github.com/autosalon/purchase-system/shared/logger"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// saveRaceRetries bounds the optimistic-lock retry loop. Losing more often
// means another worker keeps winning, and the outcome has landed anyway.
const saveRaceRetries = 3

// HandleStepOutcomeCommand represents a step outcome reported by a
// downstream service event
type HandleStepOutcomeCommand struct {
	SagaID   string `json:"saga_id"`
	StepName string `json:"step_name"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
}

// HandleStepOutcome applies an asynchronously delivered step outcome.
// Idempotent under at-least-once delivery: duplicates and already-applied
// outcomes are silent no-ops.
type HandleStepOutcome struct {
	store      domain.SagaStore
	publisher  events.Publisher
	dispatcher Dispatcher
}

// NewHandleStepOutcome creates a new HandleStepOutcome use case
func NewHandleStepOutcome(store domain.SagaStore, publisher events.Publisher, dispatcher Dispatcher) *HandleStepOutcome {
	return &HandleStepOutcome{
		store:      store,
		publisher:  publisher,
		dispatcher: dispatcher,
	}
}

// Execute executes the handle step outcome use case
func (uc *HandleStepOutcome) Execute(ctx context.Context, cmd *HandleStepOutcomeCommand) error {
	sagaID, err := models.NewID(cmd.SagaID)
	if err != nil {
		return errors.Wrap(err, "invalid saga ID")
	}

	for attempt := 0; attempt < saveRaceRetries; attempt++ {
		saga, err := uc.store.FindByID(ctx, sagaID)
		if err != nil {
			return errors.Wrap(err, "failed to load saga")
		}

		if saga.IsTerminal() {
			logger.L().Debug("outcome for terminal saga ignored",
				zap.String("saga_id", cmd.SagaID),
				zap.String("step", cmd.StepName))
			return nil
		}

		applyErr := uc.apply(saga, cmd)
		if applyErr != nil {
			if errors.Is(applyErr, domain.ErrStepAlreadyTerminal) {
				// Duplicate delivery; the first outcome won.
				logger.L().Debug("duplicate step outcome ignored",
					zap.String("saga_id", cmd.SagaID),
					zap.String("step", cmd.StepName))
				return nil
			}
			return applyErr
		}

		if err := uc.store.Save(ctx, saga); err != nil {
			if errors.Is(err, domain.ErrConcurrentModification) {
				continue
			}
			return errors.Wrap(err, "failed to save saga")
		}

		if evts := saga.Events(); len(evts) > 0 {
			// The publisher records events in the outbox before the broker;
			// an error here means neither took the event.
			if err := uc.publisher.Publish(ctx, evts...); err != nil {
				logger.L().Error("failed to record saga events",
					zap.String("saga_id", cmd.SagaID),
					zap.Error(err))
			}
		}
		saga.ClearEvents()

		if !saga.IsTerminal() {
			uc.dispatcher.Dispatch(saga.ID)
		}
		return nil
	}

	return errors.Errorf("saga %s: gave up after %d optimistic lock conflicts", cmd.SagaID, saveRaceRetries)
}

func (uc *HandleStepOutcome) apply(saga *domain.Saga, cmd *HandleStepOutcomeCommand) error {
	switch cmd.Outcome {
	case string(contracts.OutcomeAccepted):
		return saga.CompleteStep(cmd.StepName)
	case string(contracts.OutcomeRejected), string(contracts.OutcomeError):
		return saga.FailStep(cmd.StepName, cmd.Reason)
	default:
		return errors.Errorf("unknown outcome %q", cmd.Outcome)
	}
}
