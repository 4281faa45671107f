package events

// Purchase saga topics. Step-request topics are consumed by the downstream
// services; outcome topics are consumed by the orchestrator.
const (
	// Payment step
	PaymentRequestedEvent = "payment.requested"
	PaymentCreatedEvent   = "payment.created"
	PaymentFailedEvent    = "payment.failed"
	PaymentRefundedEvent  = "payment.refunded"

	// Financing step
	FinancingRequestedEvent = "financing.requested"
	FinancingApprovedEvent  = "financing.approved"
	FinancingRejectedEvent  = "financing.rejected"
	FinancingReleasedEvent  = "financing.released"

	// Insurance step
	InsuranceRequestedEvent = "insurance.requested"
	InsurancePurchasedEvent = "insurance.purchased"
	InsuranceFailedEvent    = "insurance.failed"
	InsuranceCancelledEvent = "insurance.cancelled"

	// Saga lifecycle
	SagaStartedEvent      = "saga.started"
	SagaCompletedEvent    = "saga.completed"
	SagaCompensatingEvent = "saga.compensating"
	SagaCompensatedEvent  = "saga.compensated"
	SagaFailedEvent       = "saga.failed"
)

// Metadata keys shared across publishers and consumers.
const (
	MetadataStepKey    = "step"
	MetadataOutcomeKey = "outcome"
)

// StepOutcomeData is the wire payload of every step outcome event.
type StepOutcomeData struct {
	OrderID       string `json:"order_id"`
	StepName      string `json:"step_name"`
	Outcome       string `json:"outcome"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id"`
}
