package contracts

import (
	"encoding/json"

	"github.com/autosalon/purchase-system/shared/models"
)

// Downstream service names; the registry maps them to base URLs.
const (
	ServicePayment   = "payment"
	ServiceFinancing = "financing"
	ServiceInsurance = "insurance"
)

// Saga step names, in forward execution order.
const (
	StepPayment   = "payment"
	StepFinancing = "financing"
	StepInsurance = "insurance"
)

// Outcome is the tagged status every downstream operation returns.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

// Operation identifies one callable endpoint of a downstream service.
type Operation struct {
	Service string `json:"service"`
	Name    string `json:"name"`
	Path    string `json:"path"`
}

// Forward operations.
var (
	OpReservePayment = Operation{Service: ServicePayment, Name: "reserve", Path: "/payments/reserve"}
	OpDecideCredit   = Operation{Service: ServiceFinancing, Name: "decide", Path: "/applications/decide"}
	OpBindPolicy     = Operation{Service: ServiceInsurance, Name: "bind", Path: "/policies/bind"}
)

// Compensating operations, semantically reversing the forward ones.
var (
	OpRefundPayment = Operation{Service: ServicePayment, Name: "refund", Path: "/payments/refund"}
	OpReleaseCredit = Operation{Service: ServiceFinancing, Name: "release", Path: "/applications/release"}
	OpCancelPolicy  = Operation{Service: ServiceInsurance, Name: "cancel", Path: "/policies/cancel"}
)

// Request is the envelope every downstream operation accepts. A service
// seeing a previously-handled idempotency key must return the original
// result instead of executing again.
type Request struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

// Response is the envelope every downstream operation returns.
type Response struct {
	Status Outcome         `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// PaymentReservePayload reserves the purchase amount against the buyer's
// payment method.
type PaymentReservePayload struct {
	OrderID     models.ID    `json:"order_id"`
	ClientID    models.ID    `json:"client_id"`
	Amount      models.Money `json:"amount"`
	Method      string       `json:"method,omitempty"` // card, bank_transfer, cash, credit
	Description string       `json:"description,omitempty"`
}

// PaymentRefundPayload compensates a prior reservation.
type PaymentRefundPayload struct {
	OrderID models.ID    `json:"order_id"`
	Amount  models.Money `json:"amount"`
	Reason  string       `json:"reason,omitempty"`
}

// FinancingDecisionPayload requests a credit decision for the order.
type FinancingDecisionPayload struct {
	OrderID      models.ID    `json:"order_id"`
	ClientID     models.ID    `json:"client_id"`
	VehiclePrice models.Money `json:"vehicle_price"`
	DownPayment  models.Money `json:"down_payment"`
	LoanAmount   models.Money `json:"loan_amount"`
	TermMonths   int          `json:"term_months"`
}

// FinancingReleasePayload compensates an approved application.
type FinancingReleasePayload struct {
	OrderID models.ID `json:"order_id"`
	Reason  string    `json:"reason,omitempty"`
}

// InsuranceBindPayload binds a policy for the purchased vehicle.
type InsuranceBindPayload struct {
	OrderID        models.ID    `json:"order_id"`
	ClientID       models.ID    `json:"client_id"`
	InsuranceType  string       `json:"insurance_type"` // osago, kasko
	CoverageAmount models.Money `json:"coverage_amount"`
	VehicleVIN     string       `json:"vehicle_vin,omitempty"`
}

// InsuranceCancelPayload compensates a bound policy.
type InsuranceCancelPayload struct {
	OrderID models.ID `json:"order_id"`
	Reason  string    `json:"reason,omitempty"`
}
