package application

import (
	"context"
	"sync"
	"time"

	"github.com/autosalon/purchase-system/orchestrator-service/domain"
	"github.com/autosalon/purchase-system/orchestrator-service/infrastructure"
	"github.com/autosalon/purchase-system/shared/contracts"
	"github.com/autosalon/purchase-system/shared/events"
	"github.com/autosalon/purchase-system/shared/logger"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	stepOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_step_outcomes_total",
		Help: "Step outcomes applied by the executor, by step and outcome.",
	}, []string{"step", "outcome"})

	sagasFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sagas_finished_total",
		Help: "Sagas reaching a terminal state, by result.",
	}, []string{"result"})

	poisonTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saga_poison_total",
		Help: "Sagas parked in the operator reconciliation queue.",
	})
)

// Dispatcher enqueues saga work for the executor pool.
type Dispatcher interface {
	Dispatch(sagaID models.ID)
}

// Executor drains a queue of saga IDs with a bounded worker pool. Workers
// run forward steps and compensations through the service invoker, always
// persisting a transition before publishing its outcome events. Parallel
// across sagas; one saga is never held by two workers at once: a Dispatch
// for a saga already queued or running coalesces into a rerun after it.
type Executor struct {
	store     domain.SagaStore
	publisher events.Publisher
	invoker   infrastructure.Invoker

	queue        chan models.ID
	workers      int
	requeueDelay time.Duration

	mu      sync.Mutex
	pending map[models.ID]bool
	rerun   map[models.ID]bool

	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// ExecutorOption configures the executor
type ExecutorOption func(*Executor)

// WithWorkers sets the worker pool size
func WithWorkers(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQueueSize sets the work queue capacity
func WithQueueSize(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.queue = make(chan models.ID, n)
		}
	}
}

// WithRequeueDelay sets the pause before a failed work item is retried
func WithRequeueDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.requeueDelay = d
		}
	}
}

// NewExecutor creates a new Executor
func NewExecutor(store domain.SagaStore, publisher events.Publisher, invoker infrastructure.Invoker, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:        store,
		publisher:    publisher,
		invoker:      invoker,
		queue:        make(chan models.ID, 256),
		workers:      8,
		requeueDelay: 5 * time.Second,
		pending:      make(map[models.ID]bool),
		rerun:        make(map[models.ID]bool),
		quit:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the worker pool
func (e *Executor) Start(ctx context.Context) {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.work(ctx)
		}()
	}
}

// Stop signals the workers and waits for in-progress work to finish.
// Dispatch stays safe to call afterwards and becomes a no-op.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		close(e.quit)
	})
	e.wg.Wait()
}

// Dispatch enqueues a saga for processing. A saga already queued or being
// advanced is not enqueued twice; it is re-run once the current pass ends.
// Blocks when the queue is full, which backpressures the producers.
func (e *Executor) Dispatch(sagaID models.ID) {
	e.mu.Lock()
	if e.pending[sagaID] {
		e.rerun[sagaID] = true
		e.mu.Unlock()
		return
	}
	e.pending[sagaID] = true
	e.mu.Unlock()

	e.enqueue(sagaID)
}

// enqueue sends on the queue unless the executor has been stopped.
func (e *Executor) enqueue(sagaID models.ID) {
	select {
	case <-e.quit:
		return
	default:
	}
	select {
	case e.queue <- sagaID:
	case <-e.quit:
	}
}

// finish releases the saga's single-flight slot, re-enqueueing it once when
// a Dispatch arrived while it was held.
func (e *Executor) finish(sagaID models.ID) {
	e.mu.Lock()
	again := e.rerun[sagaID]
	delete(e.rerun, sagaID)
	if !again {
		delete(e.pending, sagaID)
	}
	e.mu.Unlock()

	if again {
		select {
		case e.queue <- sagaID:
		default:
			// Queue momentarily full; do not stall the worker on its own
			// re-enqueue.
			go e.enqueue(sagaID)
		}
	}
}

func (e *Executor) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case sagaID := <-e.queue:
			if err := e.advance(ctx, sagaID); err != nil {
				logger.L().Error("saga advance failed, requeueing",
					zap.String("saga_id", sagaID.String()),
					zap.String("class", string(contracts.ClassOf(err))),
					zap.Error(err))
				e.requeue(ctx, sagaID)
				continue
			}
			e.finish(sagaID)
		}
	}
}

// requeue puts the saga back on the queue after a delay. Store failures are
// retried until they succeed or the process shuts down; a work item is never
// dropped. The single-flight slot stays held across the delay.
func (e *Executor) requeue(ctx context.Context, sagaID models.ID) {
	time.AfterFunc(e.requeueDelay, func() {
		select {
		case e.queue <- sagaID:
		case <-e.quit:
		case <-ctx.Done():
		}
	})
}

// advance drives the saga as far as it can go without waiting on anything.
func (e *Executor) advance(ctx context.Context, sagaID models.ID) error {
	saga, err := e.store.FindByID(ctx, sagaID)
	if err != nil {
		return contracts.NewStoreFailure("failed to load saga", err)
	}

	for !saga.IsTerminal() {
		switch saga.Status {
		case domain.StatusPending:
			// Waits for StartSaga to mark it running.
			return nil

		case domain.StatusRunning:
			step, err := saga.CurrentStepRef()
			if err != nil {
				return err
			}
			if step.IsTerminal() {
				return nil
			}
			if err := e.runForward(ctx, saga, step); err != nil {
				return err
			}

		case domain.StatusCompensating:
			if inflight := e.inFlightStep(saga); inflight != nil {
				// Cancelled mid-step: let the forward call finish under its
				// original idempotency key, then compensate it.
				if err := e.runForward(ctx, saga, inflight); err != nil {
					return err
				}
				continue
			}

			step, ok := saga.NextCompensation()
			if !ok {
				if err := saga.FinishCompensation(); err != nil {
					return err
				}
				if err := e.saveAndPublish(ctx, saga); err != nil {
					return err
				}
				continue
			}
			if err := e.runCompensation(ctx, saga, step); err != nil {
				return err
			}

		default:
			return nil
		}
	}

	switch {
	case saga.Status == domain.StatusCompleted:
		sagasFinishedTotal.WithLabelValues("completed").Inc()
	case saga.FailureKind == domain.FailurePoison:
		sagasFinishedTotal.WithLabelValues("poisoned").Inc()
	default:
		sagasFinishedTotal.WithLabelValues("compensated").Inc()
	}
	return nil
}

func (e *Executor) inFlightStep(saga *domain.Saga) *domain.Step {
	for _, step := range saga.Steps {
		if step.Status == domain.StepInFlight {
			return step
		}
	}
	return nil
}

// runForward executes one forward attempt of a step and applies its outcome.
func (e *Executor) runForward(ctx context.Context, saga *domain.Saga, step *domain.Step) error {
	def, err := domain.StepDefinitionFor(step.Name)
	if err != nil {
		return err
	}

	if err := saga.BeginStep(step.Name); err != nil {
		return err
	}
	// The in-flight mark is durable before the call goes out, so recovery
	// knows to re-attempt with the same key.
	if err := e.saveAndPublish(ctx, saga); err != nil {
		return err
	}

	payload, err := forwardPayload(saga, step.Name)
	if err != nil {
		return err
	}

	resp, invokeErr := e.invoker.Invoke(ctx, def.Forward, contracts.Request{
		IdempotencyKey: step.IdempotencyKey.String(),
		Payload:        payload,
	})

	var applyErr error
	switch {
	case invokeErr == nil && resp.Status == contracts.OutcomeAccepted:
		applyErr = saga.CompleteStep(step.Name)
		stepOutcomesTotal.WithLabelValues(step.Name, "accepted").Inc()
	case invokeErr == nil:
		applyErr = saga.FailStep(step.Name, resp.Reason)
		stepOutcomesTotal.WithLabelValues(step.Name, "rejected").Inc()
	default:
		// Retries are exhausted inside the invoker; at this point the step
		// is a failure and compensation takes over.
		applyErr = saga.FailStep(step.Name, invokeErr.Error())
		stepOutcomesTotal.WithLabelValues(step.Name, "error").Inc()
	}

	if applyErr != nil {
		if errors.Is(applyErr, domain.ErrStepAlreadyTerminal) {
			// The outcome event arrived first and won the race.
			logger.L().Debug("step outcome already applied",
				zap.String("saga_id", saga.ID.String()),
				zap.String("step", step.Name))
			return e.reload(ctx, saga)
		}
		return applyErr
	}

	if err := e.saveAndPublish(ctx, saga); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			return e.reload(ctx, saga)
		}
		return err
	}
	return nil
}

// runCompensation executes one compensation and applies its outcome. A
// compensation that cannot complete poisons the saga instead of being
// dropped.
func (e *Executor) runCompensation(ctx context.Context, saga *domain.Saga, step *domain.Step) error {
	def, err := domain.StepDefinitionFor(step.Name)
	if err != nil {
		return err
	}

	if err := saga.BeginCompensation(step.Name); err != nil {
		return err
	}
	if err := e.saveAndPublish(ctx, saga); err != nil {
		return err
	}

	payload, err := compensationPayload(saga, step.Name)
	if err != nil {
		return err
	}

	resp, invokeErr := e.invoker.Invoke(ctx, def.Compensation, contracts.Request{
		IdempotencyKey: saga.CompensationKey(step.Name).String(),
		Payload:        payload,
	})

	if invokeErr != nil || resp.Status != contracts.OutcomeAccepted {
		reason := "compensation rejected"
		if invokeErr != nil {
			reason = invokeErr.Error()
		} else if resp.Reason != "" {
			reason = resp.Reason
		}
		return e.poison(ctx, saga, step, reason)
	}

	if err := saga.CompensateStep(step.Name); err != nil {
		if errors.Is(err, domain.ErrStepAlreadyTerminal) {
			return e.reload(ctx, saga)
		}
		return err
	}
	stepOutcomesTotal.WithLabelValues(step.Name, "compensated").Inc()

	if err := e.saveAndPublish(ctx, saga); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			return e.reload(ctx, saga)
		}
		return err
	}
	return nil
}

// poison parks the saga in the operator queue. The poison record is durable
// before the saga is marked, so an operator always sees the entry.
func (e *Executor) poison(ctx context.Context, saga *domain.Saga, step *domain.Step, reason string) error {
	record := domain.PoisonRecord{
		SagaID:     saga.ID,
		StepName:   step.Name,
		Reason:     reason,
		RecordedAt: time.Now(),
	}
	if err := e.store.SavePoison(ctx, record); err != nil {
		return contracts.NewStoreFailure("failed to record poison saga", err)
	}

	if err := saga.MarkPoisoned(reason); err != nil {
		return err
	}
	if err := e.saveAndPublish(ctx, saga); err != nil {
		return err
	}

	poisonTotal.Inc()
	logger.L().Error("saga poisoned, awaiting manual reconciliation",
		zap.String("saga_id", saga.ID.String()),
		zap.String("step", step.Name),
		zap.String("class", string(contracts.ClassPoison)),
		zap.String("reason", reason))
	return nil
}

// saveAndPublish persists the saga, then publishes its recorded events.
// Persistence always comes first; a crash between the two means redelivery,
// never a phantom event. The publisher writes to the outbox before the
// broker, so an error here means the event is durable nowhere — the events
// stay recorded and the work item is requeued.
func (e *Executor) saveAndPublish(ctx context.Context, saga *domain.Saga) error {
	if err := e.store.Save(ctx, saga); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			return err
		}
		return contracts.NewStoreFailure("failed to save saga", err)
	}

	if evts := saga.Events(); len(evts) > 0 {
		if err := e.publisher.Publish(ctx, evts...); err != nil {
			return errors.Wrap(err, "failed to publish saga events")
		}
	}
	saga.ClearEvents()
	return nil
}

// reload refreshes the in-memory saga after losing an optimistic-lock race.
func (e *Executor) reload(ctx context.Context, saga *domain.Saga) error {
	fresh, err := e.store.FindByID(ctx, saga.ID)
	if err != nil {
		return errors.Wrap(err, "failed to reload saga")
	}
	*saga = *fresh
	return nil
}

var _ Dispatcher = (*Executor)(nil)
