package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autosalon/purchase-system/orchestrator-service/domain"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const pqUniqueViolation = "23505"

// PostgresSagaStore implements domain.SagaStore using PostgreSQL.
// Tables: orders, sagas, saga_steps (one row per saga step),
// saga_step_transitions (append-only history) and poison_sagas.
// Save writes the whole aggregate in one transaction; the sagas row carries
// the version column used for optimistic locking.
type PostgresSagaStore struct {
	db *sqlx.DB
}

// NewPostgresSagaStore creates a new PostgresSagaStore
func NewPostgresSagaStore(db *sqlx.DB) *PostgresSagaStore {
	return &PostgresSagaStore{db: db}
}

type postgresSaga struct {
	ID            string    `db:"id"`
	Status        string    `db:"status"`
	CurrentStep   int       `db:"current_step"`
	FailureKind   string    `db:"failure_kind"`
	FailureReason string    `db:"failure_reason"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
	Version       int       `db:"version"`

	// order columns, joined
	ClientID      string `db:"client_id"`
	TotalAmount   int64  `db:"total_amount"`
	TotalCurrency string `db:"total_currency"`
	Details       []byte `db:"details"`
	OrderState    string `db:"order_state"`
}

type postgresStep struct {
	SagaID               string     `db:"saga_id"`
	Name                 string     `db:"name"`
	Position             int        `db:"position"`
	Status               string     `db:"status"`
	IdempotencyKey       string     `db:"idempotency_key"`
	Attempts             int        `db:"attempts"`
	CompensationAttempts int        `db:"compensation_attempts"`
	LastAttemptAt        *time.Time `db:"last_attempt_at"`
}

type postgresTransition struct {
	ID         string    `db:"id"`
	SagaID     string    `db:"saga_id"`
	StepName   string    `db:"step_name"`
	FromStatus string    `db:"from_status"`
	ToStatus   string    `db:"to_status"`
	Reason     string    `db:"reason"`
	OccurredAt time.Time `db:"occurred_at"`
}

// Save persists the saga, its order and steps in one transaction
func (s *PostgresSagaStore) Save(ctx context.Context, saga *domain.Saga) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if saga.Version.Value == 1 {
		err = s.insertSaga(ctx, tx, saga)
	} else {
		err = s.updateSaga(ctx, tx, saga)
	}
	if err != nil {
		return err
	}

	if err := s.upsertSteps(ctx, tx, saga); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresSagaStore) insertSaga(ctx context.Context, tx *sqlx.Tx, saga *domain.Saga) error {
	details, err := json.Marshal(saga.Order.Details)
	if err != nil {
		return errors.Wrap(err, "failed to marshal order details")
	}

	orderQuery := `
		INSERT INTO orders (
			id, client_id, total_amount, total_currency, details, state,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = tx.ExecContext(ctx, orderQuery,
		saga.Order.ID.String(), saga.Order.ClientID.String(),
		saga.Order.TotalPrice.Amount, saga.Order.TotalPrice.Currency,
		details, string(saga.Order.State),
		saga.Order.Timestamps.CreatedAt, saga.Order.Timestamps.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == pqUniqueViolation {
			return domain.ErrOrderExists
		}
		return errors.Wrap(err, "failed to insert order")
	}

	sagaQuery := `
		INSERT INTO sagas (
			id, status, current_step, failure_kind, failure_reason,
			created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = tx.ExecContext(ctx, sagaQuery,
		saga.ID.String(), string(saga.Status), saga.CurrentStep,
		string(saga.FailureKind), saga.FailureReason,
		saga.Timestamps.CreatedAt, saga.Timestamps.UpdatedAt, saga.Version.Value)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == pqUniqueViolation {
			return domain.ErrOrderExists
		}
		return errors.Wrap(err, "failed to insert saga")
	}

	return nil
}

func (s *PostgresSagaStore) updateSaga(ctx context.Context, tx *sqlx.Tx, saga *domain.Saga) error {
	sagaQuery := `
		UPDATE sagas
		SET status = $1, current_step = $2, failure_kind = $3,
			failure_reason = $4, updated_at = $5, version = $6
		WHERE id = $7 AND version = $8`

	res, err := tx.ExecContext(ctx, sagaQuery,
		string(saga.Status), saga.CurrentStep, string(saga.FailureKind),
		saga.FailureReason, saga.Timestamps.UpdatedAt, saga.Version.Value,
		saga.ID.String(), saga.Version.Value-1) // optimistic locking
	if err != nil {
		return errors.Wrap(err, "failed to update saga")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if affected == 0 {
		return domain.ErrConcurrentModification
	}

	orderQuery := `
		UPDATE orders
		SET state = $1, updated_at = $2
		WHERE id = $3`

	_, err = tx.ExecContext(ctx, orderQuery,
		string(saga.Order.State), saga.Order.Timestamps.UpdatedAt, saga.ID.String())
	if err != nil {
		return errors.Wrap(err, "failed to update order")
	}

	return nil
}

func (s *PostgresSagaStore) upsertSteps(ctx context.Context, tx *sqlx.Tx, saga *domain.Saga) error {
	stepQuery := `
		INSERT INTO saga_steps (
			saga_id, name, position, status, idempotency_key,
			attempts, compensation_attempts, last_attempt_at
		) VALUES (:saga_id, :name, :position, :status, :idempotency_key,
			:attempts, :compensation_attempts, :last_attempt_at)
		ON CONFLICT (saga_id, name) DO UPDATE
		SET status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			compensation_attempts = EXCLUDED.compensation_attempts,
			last_attempt_at = EXCLUDED.last_attempt_at`

	// Transition IDs are deterministic in the step history index, so
	// re-saving after a retry never duplicates history rows.
	transitionQuery := `
		INSERT INTO saga_step_transitions (
			id, saga_id, step_name, from_status, to_status, reason, occurred_at
		) VALUES (:id, :saga_id, :step_name, :from_status, :to_status, :reason, :occurred_at)
		ON CONFLICT (id) DO NOTHING`

	for i, step := range saga.Steps {
		pgStep := &postgresStep{
			SagaID:               saga.ID.String(),
			Name:                 step.Name,
			Position:             i,
			Status:               string(step.Status),
			IdempotencyKey:       step.IdempotencyKey.String(),
			Attempts:             step.Attempts,
			CompensationAttempts: step.CompensationAttempts,
			LastAttemptAt:        step.LastAttemptAt,
		}

		if _, err := tx.NamedExecContext(ctx, stepQuery, pgStep); err != nil {
			return errors.Wrapf(err, "failed to upsert step %s", step.Name)
		}

		for j, transition := range step.History {
			pgTransition := &postgresTransition{
				ID:         models.DeterministicID(saga.ID, fmt.Sprintf("transition:%s:%d", step.Name, j)).String(),
				SagaID:     saga.ID.String(),
				StepName:   step.Name,
				FromStatus: string(transition.From),
				ToStatus:   string(transition.To),
				Reason:     transition.Reason,
				OccurredAt: transition.At,
			}

			if _, err := tx.NamedExecContext(ctx, transitionQuery, pgTransition); err != nil {
				return errors.Wrapf(err, "failed to insert transition for step %s", step.Name)
			}
		}
	}

	return nil
}

// FindByID finds a saga by ID
func (s *PostgresSagaStore) FindByID(ctx context.Context, id models.ID) (*domain.Saga, error) {
	sagas, err := s.findSagas(ctx, "WHERE g.id = $1", id.String())
	if err != nil {
		return nil, err
	}
	if len(sagas) == 0 {
		return nil, domain.ErrSagaNotFound
	}
	return sagas[0], nil
}

// FindNonTerminal returns every saga not yet completed or failed, oldest first
func (s *PostgresSagaStore) FindNonTerminal(ctx context.Context) ([]*domain.Saga, error) {
	return s.findSagas(ctx,
		"WHERE g.status NOT IN ($1, $2) ORDER BY g.created_at ASC",
		string(domain.StatusCompleted), string(domain.StatusFailed))
}

// FindByClient returns the sagas owned by a client, newest first
func (s *PostgresSagaStore) FindByClient(ctx context.Context, clientID models.ID, offset, limit int) ([]*domain.Saga, error) {
	return s.findSagas(ctx,
		"WHERE o.client_id = $1 ORDER BY g.created_at DESC OFFSET $2 LIMIT $3",
		clientID.String(), offset, limit)
}

func (s *PostgresSagaStore) findSagas(ctx context.Context, where string, args ...interface{}) ([]*domain.Saga, error) {
	query := `
		SELECT g.id, g.status, g.current_step, g.failure_kind, g.failure_reason,
			   g.created_at, g.updated_at, g.version,
			   o.client_id, o.total_amount, o.total_currency, o.details,
			   o.state AS order_state
		FROM sagas g
		JOIN orders o ON o.id = g.id ` + where

	var pgSagas []postgresSaga
	if err := s.db.SelectContext(ctx, &pgSagas, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to query sagas")
	}

	result := make([]*domain.Saga, len(pgSagas))
	for i, pgSaga := range pgSagas {
		saga, err := s.toDomain(ctx, &pgSaga)
		if err != nil {
			return nil, err
		}
		result[i] = saga
	}
	return result, nil
}

func (s *PostgresSagaStore) toDomain(ctx context.Context, pgSaga *postgresSaga) (*domain.Saga, error) {
	id, err := models.NewID(pgSaga.ID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid saga ID")
	}

	clientID, err := models.NewID(pgSaga.ClientID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid client ID")
	}

	var details domain.PurchaseDetails
	if len(pgSaga.Details) > 0 {
		if err := json.Unmarshal(pgSaga.Details, &details); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal order details")
		}
	}

	steps, err := s.loadSteps(ctx, pgSaga.ID)
	if err != nil {
		return nil, err
	}

	order := &domain.Order{
		ID:         id,
		ClientID:   clientID,
		TotalPrice: models.NewMoney(pgSaga.TotalAmount, pgSaga.TotalCurrency),
		Details:    details,
		State:      domain.OrderState(pgSaga.OrderState),
		Timestamps: models.Timestamps{
			CreatedAt: pgSaga.CreatedAt,
			UpdatedAt: pgSaga.UpdatedAt,
		},
	}

	return &domain.Saga{
		ID:            id,
		Order:         order,
		Steps:         steps,
		CurrentStep:   pgSaga.CurrentStep,
		Status:        domain.Status(pgSaga.Status),
		FailureKind:   domain.FailureKind(pgSaga.FailureKind),
		FailureReason: pgSaga.FailureReason,
		Timestamps: models.Timestamps{
			CreatedAt: pgSaga.CreatedAt,
			UpdatedAt: pgSaga.UpdatedAt,
		},
		Version: models.Version{Value: pgSaga.Version},
	}, nil
}

func (s *PostgresSagaStore) loadSteps(ctx context.Context, sagaID string) ([]*domain.Step, error) {
	stepQuery := `
		SELECT saga_id, name, position, status, idempotency_key,
			   attempts, compensation_attempts, last_attempt_at
		FROM saga_steps
		WHERE saga_id = $1
		ORDER BY position ASC`

	var pgSteps []postgresStep
	if err := s.db.SelectContext(ctx, &pgSteps, stepQuery, sagaID); err != nil {
		return nil, errors.Wrap(err, "failed to load saga steps")
	}

	transitionQuery := `
		SELECT id, saga_id, step_name, from_status, to_status, reason, occurred_at
		FROM saga_step_transitions
		WHERE saga_id = $1
		ORDER BY occurred_at ASC`

	var pgTransitions []postgresTransition
	if err := s.db.SelectContext(ctx, &pgTransitions, transitionQuery, sagaID); err != nil {
		return nil, errors.Wrap(err, "failed to load step transitions")
	}

	historyByStep := make(map[string][]domain.Transition)
	for _, pgTransition := range pgTransitions {
		historyByStep[pgTransition.StepName] = append(historyByStep[pgTransition.StepName], domain.Transition{
			From:   domain.StepStatus(pgTransition.FromStatus),
			To:     domain.StepStatus(pgTransition.ToStatus),
			Reason: pgTransition.Reason,
			At:     pgTransition.OccurredAt,
		})
	}

	steps := make([]*domain.Step, len(pgSteps))
	for i, pgStep := range pgSteps {
		steps[i] = &domain.Step{
			Name:                 pgStep.Name,
			Status:               domain.StepStatus(pgStep.Status),
			IdempotencyKey:       models.ID(pgStep.IdempotencyKey),
			Attempts:             pgStep.Attempts,
			CompensationAttempts: pgStep.CompensationAttempts,
			LastAttemptAt:        pgStep.LastAttemptAt,
			History:              historyByStep[pgStep.Name],
		}
	}
	return steps, nil
}

// SavePoison appends to the operator reconciliation queue
func (s *PostgresSagaStore) SavePoison(ctx context.Context, record domain.PoisonRecord) error {
	query := `
		INSERT INTO poison_sagas (saga_id, step_name, reason, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (saga_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		record.SagaID.String(), record.StepName, record.Reason, record.RecordedAt)
	if err != nil {
		return errors.Wrap(err, "failed to insert poison record")
	}
	return nil
}

// ListPoison returns the reconciliation queue, oldest first
func (s *PostgresSagaStore) ListPoison(ctx context.Context, offset, limit int) ([]domain.PoisonRecord, error) {
	query := `
		SELECT saga_id, step_name, reason, recorded_at
		FROM poison_sagas
		ORDER BY recorded_at ASC
		OFFSET $1 LIMIT $2`

	rows, err := s.db.QueryxContext(ctx, query, offset, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list poison records")
	}
	defer rows.Close()

	var records []domain.PoisonRecord
	for rows.Next() {
		var sagaID, stepName, reason string
		var recordedAt time.Time
		if err := rows.Scan(&sagaID, &stepName, &reason, &recordedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan poison record")
		}
		records = append(records, domain.PoisonRecord{
			SagaID:     models.ID(sagaID),
			StepName:   stepName,
			Reason:     reason,
			RecordedAt: recordedAt,
		})
	}
	return records, rows.Err()
}

var _ domain.SagaStore = (*PostgresSagaStore)(nil)
