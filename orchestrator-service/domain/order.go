package domain

import (
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/pkg/errors"
)

// OrderState tracks where the purchase stands. Orders are never deleted,
// only terminally marked.
type OrderState string

const (
	OrderStatePending     OrderState = "pending"
	OrderStateProcessing  OrderState = "processing"
	OrderStateCompleted   OrderState = "completed"
	OrderStateCompensated OrderState = "compensated"
	OrderStateFailed      OrderState = "failed"
)

// PurchaseDetails carries the buyer's choices that parameterize the saga
// steps: how to pay, how to finance, what to insure.
type PurchaseDetails struct {
	PaymentMethod string       `json:"payment_method"` // card, bank_transfer, cash, credit
	DownPayment   models.Money `json:"down_payment"`
	TermMonths    int          `json:"term_months"`
	InsuranceType string       `json:"insurance_type"` // osago, kasko
	VehicleVIN    string       `json:"vehicle_vin,omitempty"`
}

// Order is the purchase being coordinated. Only the saga mutates it.
type Order struct {
	ID         models.ID
	ClientID   models.ID
	TotalPrice models.Money
	Details    PurchaseDetails
	State      OrderState
	Timestamps models.Timestamps
}

// NewOrder creates a pending order for a client
func NewOrder(id, clientID models.ID, totalPrice models.Money, details PurchaseDetails) (*Order, error) {
	if id.IsEmpty() {
		id = models.GenerateUUID()
	}

	if clientID.IsEmpty() {
		return nil, errors.New("client ID is required")
	}

	if !totalPrice.IsPositive() {
		return nil, errors.New("total price must be positive")
	}

	// An absent down payment is the zero Money; it inherits the order
	// currency so later arithmetic against the total price stays valid.
	if details.DownPayment.Currency == "" {
		details.DownPayment.Currency = totalPrice.Currency
	}
	if details.DownPayment.Currency != totalPrice.Currency {
		return nil, errors.New("down payment currency must match total price")
	}
	if details.DownPayment.Amount < 0 || details.DownPayment.Amount > totalPrice.Amount {
		return nil, errors.New("down payment must be between zero and the total price")
	}

	return &Order{
		ID:         id,
		ClientID:   clientID,
		TotalPrice: totalPrice,
		Details:    details,
		State:      OrderStatePending,
		Timestamps: models.NewTimestamps(),
	}, nil
}

func (o *Order) markProcessing() {
	o.State = OrderStateProcessing
	o.Timestamps = o.Timestamps.Update()
}

func (o *Order) markCompleted() {
	o.State = OrderStateCompleted
	o.Timestamps = o.Timestamps.Update()
}

func (o *Order) markCompensated() {
	o.State = OrderStateCompensated
	o.Timestamps = o.Timestamps.Update()
}

func (o *Order) markFailed() {
	o.State = OrderStateFailed
	o.Timestamps = o.Timestamps.Update()
}
