package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/autosalon/purchase-system/shared/contracts"
	"github.com/autosalon/purchase-system/shared/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ServiceRegistry resolves a downstream service name to its base URL.
type ServiceRegistry map[string]string

// RetryPolicy bounds the retry loop around one invocation.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries transient failures five times with exponential
// backoff capped at 30s.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    30 * time.Second,
}

// Invoker calls downstream service operations.
type Invoker interface {
	Invoke(ctx context.Context, op contracts.Operation, req contracts.Request) (*contracts.Response, error)
}

// HTTPServiceInvoker invokes downstream operations over HTTP. Every attempt
// of one logical invocation carries the same idempotency key, so retries are
// safe against double execution downstream.
type HTTPServiceInvoker struct {
	client   *http.Client
	registry ServiceRegistry
	policy   RetryPolicy
}

// NewHTTPServiceInvoker creates a new HTTPServiceInvoker
func NewHTTPServiceInvoker(registry ServiceRegistry, policy RetryPolicy, timeout time.Duration) *HTTPServiceInvoker {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}
	return &HTTPServiceInvoker{
		client:   &http.Client{Timeout: timeout},
		registry: registry,
		policy:   policy,
	}
}

// Invoke calls the operation, retrying transient failures with exponential
// backoff. It returns the downstream response for accepted and rejected
// outcomes; everything else surfaces as a classified InvocationError.
func (i *HTTPServiceInvoker) Invoke(ctx context.Context, op contracts.Operation, req contracts.Request) (*contracts.Response, error) {
	tracer := otel.Tracer("service-invoker")
	ctx, span := tracer.Start(ctx, op.Service+"."+op.Name)
	defer span.End()

	span.SetAttributes(
		attribute.String("invoke.service", op.Service),
		attribute.String("invoke.operation", op.Name),
		attribute.String("invoke.idempotency_key", req.IdempotencyKey),
	)

	baseURL, ok := i.registry[op.Service]
	if !ok {
		err := contracts.NewMalformed("no registry entry for service "+op.Service, nil)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, contracts.NewMalformed("failed to encode request", err)
	}

	var lastErr error
	for attempt := 1; attempt <= i.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, contracts.NewTransient("invocation cancelled", ctx.Err())
			case <-time.After(i.backoff(attempt - 1)):
			}
		}

		resp, err := i.attempt(ctx, baseURL+op.Path, req.IdempotencyKey, body)
		if err == nil {
			span.SetAttributes(attribute.Int("invoke.attempts", attempt))
			return resp, nil
		}

		if !contracts.IsRetryable(err) {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		lastErr = err
		logger.L().Warn("downstream invocation attempt failed",
			zap.String("service", op.Service),
			zap.String("operation", op.Name),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	span.SetStatus(codes.Error, "retries exhausted")
	return nil, contracts.NewTransient("retries exhausted", lastErr)
}

func (i *HTTPServiceInvoker) attempt(ctx context.Context, url, idempotencyKey string, body []byte) (*contracts.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, contracts.NewMalformed("failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)

	httpResp, err := i.client.Do(httpReq)
	if err != nil {
		return nil, contracts.NewTransient("transport failure", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, contracts.NewTransient("failed to read response body", err)
	}

	switch {
	case httpResp.StatusCode >= 500:
		return nil, contracts.NewTransient("downstream returned "+httpResp.Status, nil)
	case httpResp.StatusCode >= 400:
		return nil, contracts.NewMalformed("downstream returned "+httpResp.Status, nil)
	}

	var resp contracts.Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, contracts.NewMalformed("failed to decode response", err)
	}

	switch resp.Status {
	case contracts.OutcomeAccepted, contracts.OutcomeRejected:
		return &resp, nil
	case contracts.OutcomeError:
		return nil, contracts.NewTransient("downstream reported error: "+resp.Reason, nil)
	default:
		return nil, contracts.NewMalformed("unknown outcome "+string(resp.Status), nil)
	}
}

// backoff grows exponentially with full jitter, capped at MaxDelay.
func (i *HTTPServiceInvoker) backoff(retries int) time.Duration {
	delay := i.policy.BaseDelay << uint(retries-1)
	if delay > i.policy.MaxDelay || delay <= 0 {
		delay = i.policy.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(delay)) + 1)
}

var _ Invoker = (*HTTPServiceInvoker)(nil)
