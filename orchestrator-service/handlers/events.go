package handlers

import (
	"context"

	"github.com/autosalon/purchase-system/orchestrator-service/application"
	"github.com/autosalon/purchase-system/shared/contracts"
	"github.com/autosalon/purchase-system/shared/events"
	"github.com/autosalon/purchase-system/shared/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// outcomeTopics maps a downstream outcome topic to the step it reports and
// the outcome it carries.
var outcomeTopics = map[events.Topic]struct {
	Step    string
	Outcome contracts.Outcome
}{
	events.PaymentCreatedEvent:     {contracts.StepPayment, contracts.OutcomeAccepted},
	events.PaymentFailedEvent:      {contracts.StepPayment, contracts.OutcomeRejected},
	events.FinancingApprovedEvent:  {contracts.StepFinancing, contracts.OutcomeAccepted},
	events.FinancingRejectedEvent:  {contracts.StepFinancing, contracts.OutcomeRejected},
	events.InsurancePurchasedEvent: {contracts.StepInsurance, contracts.OutcomeAccepted},
	events.InsuranceFailedEvent:    {contracts.StepInsurance, contracts.OutcomeRejected},
}

// OutcomeEventHandlers translates step outcome events into orchestrator
// commands. Wrapped in the deduplicating handler at wiring time; the use
// case underneath is idempotent anyway.
type OutcomeEventHandlers struct {
	handleStepOutcome *application.HandleStepOutcome
}

// NewOutcomeEventHandlers creates new outcome event handlers
func NewOutcomeEventHandlers(handleStepOutcome *application.HandleStepOutcome) *OutcomeEventHandlers {
	return &OutcomeEventHandlers{handleStepOutcome: handleStepOutcome}
}

// Handle implements the events.EventHandler interface
func (h *OutcomeEventHandlers) Handle(ctx context.Context, event *events.Event) error {
	mapping, ok := outcomeTopics[event.Topic]
	if !ok {
		// Not an outcome topic; ignore.
		return nil
	}

	var data events.StepOutcomeData
	if err := event.UnmarshalPayload(&data); err != nil {
		// Malformed payloads are logged and dropped, not redelivered forever.
		logger.L().Error("malformed step outcome event",
			zap.String("event_id", event.ID.String()),
			zap.String("topic", event.Topic.String()),
			zap.Error(err))
		return nil
	}

	sagaID := data.OrderID
	if sagaID == "" {
		sagaID = event.AggregateID.String()
	}

	cmd := &application.HandleStepOutcomeCommand{
		SagaID:   sagaID,
		StepName: mapping.Step,
		Outcome:  string(mapping.Outcome),
		Reason:   data.Reason,
	}

	if err := h.handleStepOutcome.Execute(ctx, cmd); err != nil {
		// Returning the error triggers broker redelivery after the
		// visibility timeout.
		return errors.Wrapf(err, "failed to handle %s outcome", mapping.Step)
	}
	return nil
}
