package application

import (
	"context"
	"time"

	"github.com/autosalon/purchase-system/orchestrator-service/domain"
	"github.com/autosalon/purchase-system/shared/auth"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/pkg/errors"
)

// ErrForbidden is returned when the caller's role does not allow the query.
var ErrForbidden = errors.New("access denied")

// StepView is the externally visible state of one saga step
type StepView struct {
	Name                 string     `json:"name"`
	Status               string     `json:"status"`
	Attempts             int        `json:"attempts"`
	CompensationAttempts int        `json:"compensation_attempts,omitempty"`
	LastAttemptAt        *time.Time `json:"last_attempt_at,omitempty"`
}

// SagaView is the externally visible state of a saga and its order
type SagaView struct {
	SagaID        string     `json:"saga_id"`
	ClientID      string     `json:"client_id"`
	Status        string     `json:"status"`
	OrderState    string     `json:"order_state"`
	TotalAmount   int64      `json:"total_amount"`
	Currency      string     `json:"currency"`
	CurrentStep   string     `json:"current_step,omitempty"`
	Steps         []StepView `json:"steps"`
	FailureKind   string     `json:"failure_kind,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// GetSaga queries saga state with role scoping: clients see their own
// sagas only, managers and admins see any.
type GetSaga struct {
	store domain.SagaStore
}

// NewGetSaga creates a new GetSaga use case
func NewGetSaga(store domain.SagaStore) *GetSaga {
	return &GetSaga{store: store}
}

// Execute loads one saga by ID
func (uc *GetSaga) Execute(ctx context.Context, sagaID string, claims *auth.Claims) (*SagaView, error) {
	id, err := models.NewID(sagaID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid saga ID")
	}

	saga, err := uc.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !claims.Role.CanReadAnyOrder() && saga.Order.ClientID.String() != claims.Subject {
		return nil, ErrForbidden
	}

	return toSagaView(saga), nil
}

// ListByClient loads the caller's sagas, newest first
func (uc *GetSaga) ListByClient(ctx context.Context, claims *auth.Claims, offset, limit int) ([]*SagaView, error) {
	clientID, err := models.NewID(claims.Subject)
	if err != nil {
		return nil, errors.Wrap(err, "invalid subject claim")
	}

	sagas, err := uc.store.FindByClient(ctx, clientID, offset, limit)
	if err != nil {
		return nil, err
	}

	views := make([]*SagaView, len(sagas))
	for i, saga := range sagas {
		views[i] = toSagaView(saga)
	}
	return views, nil
}

// ListPoison returns the operator reconciliation queue; manager/admin only
func (uc *GetSaga) ListPoison(ctx context.Context, claims *auth.Claims, offset, limit int) ([]domain.PoisonRecord, error) {
	if !claims.Role.CanReadAnyOrder() {
		return nil, ErrForbidden
	}
	return uc.store.ListPoison(ctx, offset, limit)
}

func toSagaView(saga *domain.Saga) *SagaView {
	steps := make([]StepView, len(saga.Steps))
	for i, step := range saga.Steps {
		steps[i] = StepView{
			Name:                 step.Name,
			Status:               string(step.Status),
			Attempts:             step.Attempts,
			CompensationAttempts: step.CompensationAttempts,
			LastAttemptAt:        step.LastAttemptAt,
		}
	}

	var currentStep string
	if !saga.IsTerminal() && saga.CurrentStep < len(saga.Steps) {
		currentStep = saga.Steps[saga.CurrentStep].Name
	}

	return &SagaView{
		SagaID:        saga.ID.String(),
		ClientID:      saga.Order.ClientID.String(),
		Status:        string(saga.Status),
		OrderState:    string(saga.Order.State),
		TotalAmount:   saga.Order.TotalPrice.Amount,
		Currency:      saga.Order.TotalPrice.Currency,
		CurrentStep:   currentStep,
		Steps:         steps,
		FailureKind:   string(saga.FailureKind),
		FailureReason: saga.FailureReason,
		CreatedAt:     saga.Timestamps.CreatedAt,
		UpdatedAt:     saga.Timestamps.UpdatedAt,
	}
}
