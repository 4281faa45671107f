package domain

import (
	"github.com/autosalon/purchase-system/shared/contracts"
	"github.com/autosalon/purchase-system/shared/events"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidTransition marks an illegal state-machine move; a logic
	// error that is surfaced, never silently ignored.
	ErrInvalidTransition = errors.New("invalid saga transition")
	// ErrStepAlreadyTerminal is returned for a duplicate outcome delivery;
	// callers treat it as a no-op.
	ErrStepAlreadyTerminal = errors.New("step already terminal")
	// ErrSagaTerminal is returned when an operation targets a finished saga.
	ErrSagaTerminal = errors.New("saga already terminal")
)

// Status is the saga-level state machine.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusFailed       Status = "failed"
)

// FailureKind distinguishes why a saga ended in failed.
type FailureKind string

const (
	// FailureBusiness: a step was rejected and every succeeded step was
	// compensated. Consistency is restored.
	FailureBusiness FailureKind = "business"
	// FailurePoison: a compensation exhausted its retries; the saga sits in
	// the operator queue awaiting manual reconciliation.
	FailurePoison FailureKind = "poison"
)

// Saga drives one order through its purchase steps. It is the only owner of
// saga and order state; downstream services report outcomes, the saga
// translates them into transitions.
type Saga struct {
	ID            models.ID // equals the order ID
	Order         *Order
	Steps         []*Step
	CurrentStep   int
	Status        Status
	FailureKind   FailureKind
	FailureReason string
	Timestamps    models.Timestamps
	Version       models.Version

	events []*events.Event
}

// NewSaga creates a pending saga for the order with the given step names.
func NewSaga(order *Order, stepNames []string) (*Saga, error) {
	if order == nil {
		return nil, errors.New("order is required")
	}

	if len(stepNames) == 0 {
		return nil, errors.New("at least one step is required")
	}

	steps := make([]*Step, len(stepNames))
	for i, name := range stepNames {
		if _, err := StepDefinitionFor(name); err != nil {
			return nil, err
		}
		steps[i] = newStep(order.ID, name)
	}

	return &Saga{
		ID:          order.ID,
		Order:       order,
		Steps:       steps,
		CurrentStep: 0,
		Status:      StatusPending,
		Timestamps:  models.NewTimestamps(),
		Version:     models.NewVersion(),
	}, nil
}

// Start moves the saga from pending to running
func (g *Saga) Start() error {
	if g.Status != StatusPending {
		return errors.Wrapf(ErrInvalidTransition, "saga %s: start from %s", g.ID, g.Status)
	}

	g.Status = StatusRunning
	g.Order.markProcessing()
	g.touch()

	g.recordLifecycleEvent(events.SagaStartedEvent, string(StatusRunning), "")
	return nil
}

// IsTerminal reports whether the saga reached a final state
func (g *Saga) IsTerminal() bool {
	return g.Status == StatusCompleted || g.Status == StatusFailed
}

// CurrentStepRef returns the step the saga is currently executing
func (g *Saga) CurrentStepRef() (*Step, error) {
	if g.CurrentStep < 0 || g.CurrentStep >= len(g.Steps) {
		return nil, errors.Errorf("saga %s: step index %d out of range", g.ID, g.CurrentStep)
	}
	return g.Steps[g.CurrentStep], nil
}

// StepByName finds a step by its name
func (g *Saga) StepByName(name string) (*Step, error) {
	for _, step := range g.Steps {
		if step.Name == name {
			return step, nil
		}
	}
	return nil, errors.Errorf("saga %s: no step named %q", g.ID, name)
}

// BeginStep marks a forward attempt of the named step. A step already in
// flight is re-attempted with its existing idempotency key (recovery after a
// crash), never a fresh one.
func (g *Saga) BeginStep(name string) error {
	step, err := g.StepByName(name)
	if err != nil {
		return err
	}

	if step.Status == StepInFlight {
		// A compensating saga may still re-attempt its in-flight step so it
		// finishes under the original idempotency key.
		if g.Status != StatusRunning && g.Status != StatusCompensating {
			return errors.Wrapf(ErrInvalidTransition, "saga %s: begin step while %s", g.ID, g.Status)
		}
		step.recordAttempt()
		g.touch()
		return nil
	}

	if g.Status != StatusRunning {
		return errors.Wrapf(ErrInvalidTransition, "saga %s: begin step while %s", g.ID, g.Status)
	}

	if err := step.transition(StepInFlight, ""); err != nil {
		return err
	}

	step.recordAttempt()
	g.touch()
	return nil
}

// CompleteStep records a successful outcome for the named step. Duplicate
// deliveries for an already-terminal step return ErrStepAlreadyTerminal.
func (g *Saga) CompleteStep(name string) error {
	if g.IsTerminal() {
		return ErrSagaTerminal
	}

	step, err := g.StepByName(name)
	if err != nil {
		return err
	}

	if step.IsTerminal() {
		return ErrStepAlreadyTerminal
	}

	if err := step.transition(StepSucceeded, ""); err != nil {
		return err
	}

	def, err := StepDefinitionFor(name)
	if err != nil {
		return err
	}
	g.recordStepEvent(def.SuccessTopic, step, string(contracts.OutcomeAccepted), "")

	// A cancellation may already have flipped the saga to compensating; the
	// in-flight step was allowed to finish and will now be compensated.
	if g.Status == StatusCompensating {
		g.touch()
		return nil
	}

	if g.CurrentStep == len(g.Steps)-1 {
		g.complete()
	} else {
		// Step index only ever moves forward while running.
		g.CurrentStep++
	}

	g.touch()
	return nil
}

// FailStep records a failed outcome for the named step and flips the saga
// into compensation.
func (g *Saga) FailStep(name, reason string) error {
	if g.IsTerminal() {
		return ErrSagaTerminal
	}

	step, err := g.StepByName(name)
	if err != nil {
		return err
	}

	if step.IsTerminal() {
		return ErrStepAlreadyTerminal
	}

	if err := step.transition(StepFailed, reason); err != nil {
		return err
	}

	def, err := StepDefinitionFor(name)
	if err != nil {
		return err
	}
	g.recordStepEvent(def.FailureTopic, step, string(contracts.OutcomeRejected), reason)

	if g.FailureReason == "" {
		g.FailureReason = reason
	}

	if g.Status == StatusCompensating {
		// Already cancelled; the failed step simply has nothing to undo.
	} else if g.hasSucceededSteps() {
		g.Status = StatusCompensating
		g.recordLifecycleEvent(events.SagaCompensatingEvent, string(StatusCompensating), reason)
	} else {
		// Nothing to undo: terminal business failure.
		g.Status = StatusFailed
		g.FailureKind = FailureBusiness
		g.Order.markFailed()
		g.recordLifecycleEvent(events.SagaFailedEvent, string(StatusFailed), reason)
	}

	g.touch()
	return nil
}

// Cancel flips a non-terminal saga into compensation on operator request.
// An in-flight step is allowed to finish first so its idempotency key is
// not lost.
func (g *Saga) Cancel(reason string) error {
	switch g.Status {
	case StatusPending, StatusRunning:
	default:
		return errors.Wrapf(ErrInvalidTransition, "saga %s: cancel while %s", g.ID, g.Status)
	}

	g.Status = StatusCompensating
	g.FailureReason = reason
	g.recordLifecycleEvent(events.SagaCompensatingEvent, string(StatusCompensating), reason)
	g.touch()
	return nil
}

// NextCompensation returns the deepest succeeded step still to be undone.
// Compensation runs in strict reverse order.
func (g *Saga) NextCompensation() (*Step, bool) {
	for i := len(g.Steps) - 1; i >= 0; i-- {
		if g.Steps[i].Status == StepSucceeded {
			return g.Steps[i], true
		}
	}
	return nil, false
}

// CompensationKey derives the stable idempotency key for compensating the
// named step. Distinct from the forward key so downstream services never
// conflate the two calls.
func (g *Saga) CompensationKey(name string) models.ID {
	return models.DeterministicID(g.ID, "compensation:"+name)
}

// HasInFlightStep reports whether any step is currently in flight
func (g *Saga) HasInFlightStep() bool {
	for _, step := range g.Steps {
		if step.Status == StepInFlight {
			return true
		}
	}
	return false
}

// BeginCompensation records a compensation attempt for the named step
func (g *Saga) BeginCompensation(name string) error {
	if g.Status != StatusCompensating {
		return errors.Wrapf(ErrInvalidTransition, "saga %s: compensate while %s", g.ID, g.Status)
	}

	step, err := g.StepByName(name)
	if err != nil {
		return err
	}

	step.recordCompensationAttempt()
	g.touch()
	return nil
}

// CompensateStep marks the named step as compensated. When no succeeded
// steps remain, the saga terminates as a compensated business failure.
func (g *Saga) CompensateStep(name string) error {
	if g.Status != StatusCompensating {
		return errors.Wrapf(ErrInvalidTransition, "saga %s: compensate while %s", g.ID, g.Status)
	}

	step, err := g.StepByName(name)
	if err != nil {
		return err
	}

	if step.Status == StepCompensated {
		return ErrStepAlreadyTerminal
	}

	if err := step.transition(StepCompensated, g.FailureReason); err != nil {
		return err
	}

	def, err := StepDefinitionFor(name)
	if err != nil {
		return err
	}
	g.recordStepEvent(def.CompensatedTopic, step, "compensated", g.FailureReason)

	if _, remaining := g.NextCompensation(); !remaining {
		g.finishCompensation()
	}

	g.touch()
	return nil
}

// FinishCompensation terminates a compensating saga that has nothing left
// to undo (e.g. cancelled before any step succeeded).
func (g *Saga) FinishCompensation() error {
	if g.Status != StatusCompensating {
		return errors.Wrapf(ErrInvalidTransition, "saga %s: finish compensation while %s", g.ID, g.Status)
	}

	if _, remaining := g.NextCompensation(); remaining {
		return errors.Errorf("saga %s: succeeded steps remain to compensate", g.ID)
	}

	g.finishCompensation()
	g.touch()
	return nil
}

// MarkPoisoned terminates the saga after a compensation exhausted its
// retries. The saga is reported to the operator queue, never dropped.
func (g *Saga) MarkPoisoned(reason string) error {
	if g.IsTerminal() {
		return ErrSagaTerminal
	}

	g.Status = StatusFailed
	g.FailureKind = FailurePoison
	g.FailureReason = reason
	g.Order.markFailed()
	g.recordLifecycleEvent(events.SagaFailedEvent, string(StatusFailed), reason)
	g.touch()
	return nil
}

func (g *Saga) complete() {
	g.Status = StatusCompleted
	g.Order.markCompleted()
	g.recordLifecycleEvent(events.SagaCompletedEvent, string(StatusCompleted), "")
}

func (g *Saga) finishCompensation() {
	g.Status = StatusFailed
	g.FailureKind = FailureBusiness
	g.Order.markCompensated()
	g.recordLifecycleEvent(events.SagaCompensatedEvent, string(StatusFailed), g.FailureReason)
	g.recordLifecycleEvent(events.SagaFailedEvent, string(StatusFailed), g.FailureReason)
}

func (g *Saga) hasSucceededSteps() bool {
	for _, step := range g.Steps {
		if step.Status == StepSucceeded {
			return true
		}
	}
	return false
}

func (g *Saga) touch() {
	g.Timestamps = g.Timestamps.Update()
	g.Version = g.Version.Update()
}

// Events returns recorded domain events
func (g *Saga) Events() []*events.Event {
	return g.events
}

// ClearEvents clears recorded domain events
func (g *Saga) ClearEvents() {
	g.events = make([]*events.Event, 0)
}

func (g *Saga) recordStepEvent(topic events.Topic, step *Step, outcome, reason string) {
	event := events.NewEvent(g.ID, topic, events.StepOutcomeData{
		OrderID:       g.ID.String(),
		StepName:      step.Name,
		Outcome:       outcome,
		Reason:        reason,
		CorrelationID: g.ID.String(),
	}).
		WithCorrelationID(g.ID).
		WithMetadata(events.MetadataStepKey, step.Name).
		WithMetadata(events.MetadataOutcomeKey, outcome)

	g.events = append(g.events, event)
}

// SagaLifecycleData is the payload of saga lifecycle events.
type SagaLifecycleData struct {
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

func (g *Saga) recordLifecycleEvent(topic events.Topic, status, reason string) {
	event := events.NewEvent(g.ID, topic, SagaLifecycleData{
		OrderID:       g.ID.String(),
		Status:        status,
		Reason:        reason,
		CorrelationID: g.ID.String(),
	}).WithCorrelationID(g.ID)

	g.events = append(g.events, event)
}
