package config

import (
	"fmt"

	"github.com/autosalon/purchase-system/orchestrator-service/application"
	"github.com/autosalon/purchase-system/orchestrator-service/handlers"
	"github.com/autosalon/purchase-system/orchestrator-service/infrastructure"
	"github.com/autosalon/purchase-system/shared/contracts"
	"github.com/autosalon/purchase-system/shared/events"
	sharedinfra "github.com/autosalon/purchase-system/shared/infrastructure"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

const dedupConsumerName = "purchase-orchestrator"

type Dependencies struct {
	// Database
	DB *sqlx.DB

	// Redis
	RedisClient *redis.Client

	// Stores
	SagaStore  *infrastructure.PostgresSagaStore
	EventStore *sharedinfra.PostgresEventStore

	// Use Cases
	StartSaga         *application.StartSaga
	HandleStepOutcome *application.HandleStepOutcome
	GetSaga           *application.GetSaga
	CancelSaga        *application.CancelSaga
	RecoverSagas      *application.RecoverSagas
	Executor          *application.Executor

	// HTTP Handlers
	SagaHandlers *handlers.SagaHandlers

	// Event Handlers
	OutcomeEventHandler events.EventHandler

	// Infrastructure
	EventPublisher  events.Publisher
	EventSubscriber *sharedinfra.SQSSubscriberAdapter
	EventRelay      *sharedinfra.EventRelay
}

func BuildDependencies(config *Config) (*Dependencies, error) {
	deps := &Dependencies{}

	db, err := sqlx.Connect("postgres", config.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	deps.DB = db

	deps.RedisClient = redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	snsPublisher, err := sharedinfra.NewSNSPublisherAdapter(config.AWS.SNSTopicArn)
	if err != nil {
		return nil, fmt.Errorf("failed to create SNS publisher: %w", err)
	}

	deps.EventStore = sharedinfra.NewPostgresEventStore(db)
	deps.EventPublisher = sharedinfra.NewAuditingPublisher(snsPublisher, deps.EventStore)
	// The relay republishes through the raw SNS publisher; going through the
	// auditing one would re-append every swept event to the outbox.
	deps.EventRelay = sharedinfra.NewEventRelay(deps.EventStore, snsPublisher)

	eventSubscriber, err := sharedinfra.NewSQSSubscriberAdapter(config.AWS.SQSQueueURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQS subscriber: %w", err)
	}
	deps.EventSubscriber = eventSubscriber

	deps.SagaStore = infrastructure.NewPostgresSagaStore(db)

	registry := infrastructure.ServiceRegistry{
		contracts.ServicePayment:   config.Services.PaymentURL,
		contracts.ServiceFinancing: config.Services.FinancingURL,
		contracts.ServiceInsurance: config.Services.InsuranceURL,
	}
	invoker := infrastructure.NewHTTPServiceInvoker(registry, infrastructure.RetryPolicy{
		MaxAttempts: config.Retry.MaxAttempts,
		BaseDelay:   config.Retry.BaseDelay(),
		MaxDelay:    config.Retry.MaxDelay(),
	}, config.Retry.CallTimeout())

	deps.Executor = application.NewExecutor(deps.SagaStore, deps.EventPublisher, invoker,
		application.WithWorkers(config.Executor.Workers),
		application.WithQueueSize(config.Executor.QueueSize),
	)

	deps.StartSaga = application.NewStartSaga(deps.SagaStore, deps.EventPublisher, deps.Executor)
	deps.HandleStepOutcome = application.NewHandleStepOutcome(deps.SagaStore, deps.EventPublisher, deps.Executor)
	deps.GetSaga = application.NewGetSaga(deps.SagaStore)
	deps.CancelSaga = application.NewCancelSaga(deps.SagaStore, deps.EventPublisher, deps.Executor)
	deps.RecoverSagas = application.NewRecoverSagas(deps.SagaStore, deps.Executor)

	deps.SagaHandlers = handlers.NewSagaHandlers(deps.StartSaga, deps.GetSaga, deps.CancelSaga)

	// Outcome events are deduplicated by topic + correlation before they
	// reach the idempotent use case.
	dedupStore := sharedinfra.NewRedisDedupStore(deps.RedisClient)
	outcomeHandler := handlers.NewOutcomeEventHandlers(deps.HandleStepOutcome)
	deps.OutcomeEventHandler = sharedinfra.NewDeduplicatingHandler(dedupConsumerName, dedupStore, outcomeHandler)

	return deps, nil
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	// The subscriber stops first so no new outcomes dispatch work into the
	// executor while it drains.
	if d.EventSubscriber != nil {
		if err := d.EventSubscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event subscriber: %w", err))
		}
	}

	if d.Executor != nil {
		d.Executor.Stop()
	}

	if d.RedisClient != nil {
		if err := d.RedisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}
