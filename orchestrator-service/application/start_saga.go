package application

import (
	"context"

	"github.com/autosalon/purchase-system/orchestrator-service/domain"
	"github.com/autosalon/purchase-system/shared/events"
	"github.com/autosalon/purchase-system/shared/logger"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// StartSagaCommand represents the command to start a purchase saga
type StartSagaCommand struct {
	OrderID       string `json:"order_id,omitempty"`
	ClientID      string `json:"client_id"`
	TotalAmount   int64  `json:"total_amount"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"payment_method"`
	DownPayment   int64  `json:"down_payment"`
	TermMonths    int    `json:"term_months"`
	InsuranceType string `json:"insurance_type"`
	VehicleVIN    string `json:"vehicle_vin,omitempty"`
}

// StartSagaResponse represents the response after starting a saga
type StartSagaResponse struct {
	SagaID string `json:"saga_id"`
}

// StartSaga use case creates the order, persists the pending saga, marks it
// running and hands step 0 to the executor.
type StartSaga struct {
	store      domain.SagaStore
	publisher  events.Publisher
	dispatcher Dispatcher
}

// NewStartSaga creates a new StartSaga use case
func NewStartSaga(store domain.SagaStore, publisher events.Publisher, dispatcher Dispatcher) *StartSaga {
	return &StartSaga{
		store:      store,
		publisher:  publisher,
		dispatcher: dispatcher,
	}
}

// Execute executes the start saga use case
func (uc *StartSaga) Execute(ctx context.Context, cmd *StartSagaCommand) (*StartSagaResponse, error) {
	if err := uc.validateCommand(cmd); err != nil {
		return nil, errors.Wrap(err, "invalid command")
	}

	clientID, err := models.NewID(cmd.ClientID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid client ID")
	}

	var orderID models.ID
	if cmd.OrderID != "" {
		orderID, err = models.NewID(cmd.OrderID)
		if err != nil {
			return nil, errors.Wrap(err, "invalid order ID")
		}
	}

	order, err := domain.NewOrder(orderID, clientID, models.NewMoney(cmd.TotalAmount, cmd.Currency), domain.PurchaseDetails{
		PaymentMethod: cmd.PaymentMethod,
		DownPayment:   models.NewMoney(cmd.DownPayment, cmd.Currency),
		TermMonths:    cmd.TermMonths,
		InsuranceType: cmd.InsuranceType,
		VehicleVIN:    cmd.VehicleVIN,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create order")
	}

	saga, err := domain.NewSaga(order, domain.PurchaseStepNames())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create saga")
	}

	// The pending saga is durable before anything runs; a crash here leaves
	// a recoverable record, not a lost order.
	if err := uc.store.Save(ctx, saga); err != nil {
		if errors.Is(err, domain.ErrOrderExists) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to save saga")
	}

	if err := saga.Start(); err != nil {
		return nil, err
	}
	if err := uc.store.Save(ctx, saga); err != nil {
		return nil, errors.Wrap(err, "failed to mark saga running")
	}

	// The publisher records events in the outbox before the broker; an error
	// here means neither took the event.
	if err := uc.publisher.Publish(ctx, saga.Events()...); err != nil {
		logger.L().Error("failed to record saga started event",
			zap.String("saga_id", saga.ID.String()),
			zap.Error(err))
	}
	saga.ClearEvents()

	uc.dispatcher.Dispatch(saga.ID)

	logger.L().Info("purchase saga started",
		zap.String("saga_id", saga.ID.String()),
		zap.String("client_id", clientID.String()))

	return &StartSagaResponse{SagaID: saga.ID.String()}, nil
}

func (uc *StartSaga) validateCommand(cmd *StartSagaCommand) error {
	if cmd.ClientID == "" {
		return errors.New("client ID is required")
	}

	if cmd.TotalAmount <= 0 {
		return errors.New("total amount must be positive")
	}

	if cmd.Currency == "" {
		return errors.New("currency is required")
	}

	switch cmd.PaymentMethod {
	case "card", "bank_transfer", "cash", "credit":
	default:
		return errors.New("invalid payment method")
	}

	switch cmd.InsuranceType {
	case "osago", "kasko":
	default:
		return errors.New("invalid insurance type")
	}

	if cmd.PaymentMethod == "credit" && cmd.TermMonths <= 0 {
		return errors.New("term months is required for credit purchases")
	}

	if cmd.DownPayment < 0 || cmd.DownPayment > cmd.TotalAmount {
		return errors.New("down payment must be between zero and the total amount")
	}

	return nil
}
