package client

import (
	"bytes"
	"commerce-reconciler/internal/config"
	"commerce-reconciler/internal/dto"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	retryInitialInterval = 100 * time.Millisecond
	breakerTripFailures  = 5
	breakerOpenTimeout   = 30 * time.Second
	serviceTokenTTL      = time.Minute
)

// PaymentCancelClient asks the payment service to refund a charge. It never
// returns an error: any transport problem becomes a SERVICE_UNAVAILABLE result.
type PaymentCancelClient interface {
	CancelPayment(ctx context.Context, req dto.CancelPaymentRequest) *dto.CancelPaymentResult
}

// TokenSource mints the bearer token sent on behalf of userID.
type TokenSource func(userID string) (string, error)

type paymentCancelClientImpl struct {
	httpClient *http.Client
	url        string
	maxRetries int
	tokens     TokenSource
	breaker    *gobreaker.CircuitBreaker[*dto.CancelPaymentResult]
	log        *zap.Logger
}

// CallBudget is the longest one CancelPayment call can take: every attempt
// running into both timeouts, plus the largest possible waits between attempts.
func CallBudget(cfg config.PaymentClient) time.Duration {
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	budget := time.Duration(attempts) * (cfg.ConnectTimeout + cfg.ReadTimeout)
	interval := float64(retryInitialInterval)
	for i := 1; i < attempts; i++ {
		wait := time.Duration(interval * (1 + backoff.DefaultRandomizationFactor))
		if wait > backoff.DefaultMaxInterval {
			wait = backoff.DefaultMaxInterval
		}
		budget += wait
		interval *= backoff.DefaultMultiplier
	}
	return budget
}

func NewPaymentCancelClient(baseURL string, cfg config.PaymentClient, tokens TokenSource, log *zap.Logger) PaymentCancelClient {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout,
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	breaker := gobreaker.NewCircuitBreaker[*dto.CancelPaymentResult](gobreaker.Settings{
		Name:    "payment-cancel",
		Timeout: breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &paymentCancelClientImpl{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		},
		url:        baseURL + "/api/payments/cancel",
		maxRetries: maxRetries,
		tokens:     tokens,
		breaker:    breaker,
		log:        log,
	}
}

func (c *paymentCancelClientImpl) CancelPayment(ctx context.Context, req dto.CancelPaymentRequest) *dto.CancelPaymentResult {
	result, err := c.breaker.Execute(func() (*dto.CancelPaymentResult, error) {
		return c.cancelWithRetry(ctx, req)
	})
	if err != nil {
		c.log.Warn("payment cancel fallback",
			zap.String("order_id", req.OrderID),
			zap.String("payment_id", req.PaymentID),
			zap.Error(err))
		return fallbackResult(err)
	}
	return result
}

func fallbackResult(err error) *dto.CancelPaymentResult {
	msg := "payment service unavailable"
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		msg = "payment service circuit open"
	}
	return &dto.CancelPaymentResult{
		Success:   false,
		Message:   msg,
		ErrorCode: ErrorCodeServiceUnavailable,
	}
}

func (c *paymentCancelClientImpl) cancelWithRetry(ctx context.Context, req dto.CancelPaymentRequest) (*dto.CancelPaymentResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries-1)), ctx)

	attempt := 0
	return backoff.RetryNotifyWithData(func() (*dto.CancelPaymentResult, error) {
		attempt++
		return c.send(ctx, req)
	}, policy, func(err error, wait time.Duration) {
		c.log.Info("retrying payment cancel",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
}

// send performs one attempt. Transport errors and 5xx are retryable, every
// other answer is a business result.
func (c *paymentCancelClientImpl) send(ctx context.Context, req dto.CancelPaymentRequest) (*dto.CancelPaymentResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal cancel request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("http new request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if c.tokens != nil {
		token, err := c.tokens(req.UserID)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("service token: %w", err))
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read cancel response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("payment service error %d: %s", resp.StatusCode, string(b))
	}

	result, err := decodeCancelResult(b)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode cancel response %d: %w", resp.StatusCode, err))
	}
	if resp.StatusCode >= 300 {
		result.Success = false
	}
	return result, nil
}

func decodeCancelResult(b []byte) (*dto.CancelPaymentResult, error) {
	var envelope struct {
		Success   bool            `json:"success"`
		Message   string          `json:"message"`
		ErrorCode string          `json:"errorCode"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &envelope); err != nil {
		return nil, err
	}

	result := &dto.CancelPaymentResult{
		Success:   envelope.Success,
		Message:   envelope.Message,
		ErrorCode: envelope.ErrorCode,
	}
	if len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ServiceTokenSource signs a short lived token for the order owner.
func ServiceTokenSource(sign func(userID string, ttl time.Duration) (string, error)) TokenSource {
	return func(userID string) (string, error) {
		return sign(userID, serviceTokenTTL)
	}
}
