package domain

import (
	"time"

	"github.com/autosalon/purchase-system/shared/contracts"
	"github.com/autosalon/purchase-system/shared/events"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/pkg/errors"
)

// StepStatus is the per-step state machine:
// not_started -> in_flight -> {succeeded | failed}; succeeded -> compensated
// (during the compensating phase only). failed -> compensated is also legal
// for steps whose partial effect was reversed.
type StepStatus string

const (
	StepNotStarted  StepStatus = "not_started"
	StepInFlight    StepStatus = "in_flight"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

var validStepTransitions = map[StepStatus][]StepStatus{
	StepNotStarted: {StepInFlight},
	StepInFlight:   {StepSucceeded, StepFailed},
	StepSucceeded:  {StepCompensated},
	StepFailed:     {StepCompensated},
}

// StepDefinition binds a step name to its forward and compensating
// operations and the topics mirroring its externally visible transitions.
type StepDefinition struct {
	Name             string
	Forward          contracts.Operation
	Compensation     contracts.Operation
	SuccessTopic     events.Topic
	FailureTopic     events.Topic
	CompensatedTopic events.Topic
}

// PurchaseSteps is the forward execution order of the vehicle purchase saga.
var PurchaseSteps = []StepDefinition{
	{
		Name:             contracts.StepPayment,
		Forward:          contracts.OpReservePayment,
		Compensation:     contracts.OpRefundPayment,
		SuccessTopic:     events.PaymentCreatedEvent,
		FailureTopic:     events.PaymentFailedEvent,
		CompensatedTopic: events.PaymentRefundedEvent,
	},
	{
		Name:             contracts.StepFinancing,
		Forward:          contracts.OpDecideCredit,
		Compensation:     contracts.OpReleaseCredit,
		SuccessTopic:     events.FinancingApprovedEvent,
		FailureTopic:     events.FinancingRejectedEvent,
		CompensatedTopic: events.FinancingReleasedEvent,
	},
	{
		Name:             contracts.StepInsurance,
		Forward:          contracts.OpBindPolicy,
		Compensation:     contracts.OpCancelPolicy,
		SuccessTopic:     events.InsurancePurchasedEvent,
		FailureTopic:     events.InsuranceFailedEvent,
		CompensatedTopic: events.InsuranceCancelledEvent,
	},
}

// PurchaseStepNames returns the step names in forward order
func PurchaseStepNames() []string {
	names := make([]string, len(PurchaseSteps))
	for i, def := range PurchaseSteps {
		names[i] = def.Name
	}
	return names
}

// StepDefinitionFor resolves a step definition by name
func StepDefinitionFor(name string) (StepDefinition, error) {
	for _, def := range PurchaseSteps {
		if def.Name == name {
			return def, nil
		}
	}
	return StepDefinition{}, errors.Errorf("unknown step %q", name)
}

// Transition is one append-only entry in a step's history.
type Transition struct {
	From   StepStatus `json:"from"`
	To     StepStatus `json:"to"`
	Reason string     `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}

// Step is one unit of the saga. The idempotency key is derived
// deterministically from the saga ID and step name, so a re-attempt after a
// crash presents the same key and the downstream service can recognize it.
type Step struct {
	Name                 string
	Status               StepStatus
	IdempotencyKey       models.ID
	Attempts             int
	CompensationAttempts int
	LastAttemptAt        *time.Time
	History              []Transition
}

func newStep(sagaID models.ID, name string) *Step {
	return &Step{
		Name:           name,
		Status:         StepNotStarted,
		IdempotencyKey: models.DeterministicID(sagaID, "step:"+name),
	}
}

// IsTerminal reports whether forward execution of the step is over
func (s *Step) IsTerminal() bool {
	switch s.Status {
	case StepSucceeded, StepFailed, StepCompensated:
		return true
	}
	return false
}

func (s *Step) recordAttempt() {
	now := time.Now()
	s.Attempts++
	s.LastAttemptAt = &now
}

func (s *Step) recordCompensationAttempt() {
	now := time.Now()
	s.CompensationAttempts++
	s.LastAttemptAt = &now
}

// transition moves the step to a new status, appending to history.
// An illegal move is a logic error surfaced to the caller.
func (s *Step) transition(to StepStatus, reason string) error {
	for _, allowed := range validStepTransitions[s.Status] {
		if allowed == to {
			s.History = append(s.History, Transition{
				From:   s.Status,
				To:     to,
				Reason: reason,
				At:     time.Now(),
			})
			s.Status = to
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidTransition, "step %s: %s -> %s", s.Name, s.Status, to)
}
