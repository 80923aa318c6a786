package client

import (
	"commerce-reconciler/internal/config"
	"commerce-reconciler/internal/dto"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testClientCfg = config.PaymentClient{
	ConnectTimeout: time.Second,
	ReadTimeout:    time.Second,
	MaxRetries:     3,
}

func staticToken(string) (string, error) { return "svc-token", nil }

func TestPaymentCancelClient_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/payments/cancel", r.URL.Path)
		assert.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))

		var req dto.CancelPaymentRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "PAY_1", req.PaymentID)

		json.NewEncoder(w).Encode(dto.OK("cancelled", dto.CancelPaymentResult{Success: true, CancelID: "imp_1", Message: "cancelled"}))
	}))
	defer srv.Close()

	c := NewPaymentCancelClient(srv.URL, testClientCfg, staticToken, zap.NewNop())
	res := c.CancelPayment(context.Background(), dto.CancelPaymentRequest{PaymentID: "PAY_1", OrderID: "ORD_1", UserID: "alice"})

	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, "imp_1", res.CancelID)
}

func TestPaymentCancelClient_BusinessRejectionNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(dto.Response{
			Success:   false,
			Message:   "payment is not cancellable",
			ErrorCode: "INVALID_STATE",
			Data:      dto.CancelPaymentResult{Success: false, Message: "payment is not cancellable", ErrorCode: "INVALID_STATE"},
		})
	}))
	defer srv.Close()

	c := NewPaymentCancelClient(srv.URL, testClientCfg, staticToken, zap.NewNop())
	res := c.CancelPayment(context.Background(), dto.CancelPaymentRequest{PaymentID: "PAY_1"})

	assert.False(t, res.Success)
	assert.Equal(t, "INVALID_STATE", res.ErrorCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPaymentCancelClient_ServerErrorRetriedThenFallback(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewPaymentCancelClient(srv.URL, testClientCfg, staticToken, zap.NewNop())
	res := c.CancelPayment(context.Background(), dto.CancelPaymentRequest{PaymentID: "PAY_1"})

	assert.False(t, res.Success)
	assert.Equal(t, ErrorCodeServiceUnavailable, res.ErrorCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPaymentCancelClient_RecoversWithinRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(dto.OK("cancelled", dto.CancelPaymentResult{Success: true, CancelID: "imp_9"}))
	}))
	defer srv.Close()

	c := NewPaymentCancelClient(srv.URL, testClientCfg, staticToken, zap.NewNop())
	res := c.CancelPayment(context.Background(), dto.CancelPaymentRequest{PaymentID: "PAY_1"})

	assert.True(t, res.Success)
	assert.Equal(t, "imp_9", res.CancelID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPaymentCancelClient_ConnectionRefused(t *testing.T) {
	// grab a free port and close it so nothing listens there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	c := NewPaymentCancelClient("http://"+addr, testClientCfg, staticToken, zap.NewNop())
	res := c.CancelPayment(context.Background(), dto.CancelPaymentRequest{PaymentID: "PAY_1"})

	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, ErrorCodeServiceUnavailable, res.ErrorCode)
}

func TestPaymentCancelClient_BreakerOpens(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testClientCfg
	cfg.MaxRetries = 1
	c := NewPaymentCancelClient(srv.URL, cfg, staticToken, zap.NewNop())

	for i := 0; i < breakerTripFailures; i++ {
		c.CancelPayment(context.Background(), dto.CancelPaymentRequest{PaymentID: "PAY_1"})
	}
	before := atomic.LoadInt32(&calls)

	res := c.CancelPayment(context.Background(), dto.CancelPaymentRequest{PaymentID: "PAY_1"})
	assert.Equal(t, ErrorCodeServiceUnavailable, res.ErrorCode)
	assert.Equal(t, "payment service circuit open", res.Message)
	assert.Equal(t, before, atomic.LoadInt32(&calls), "open breaker short-circuits")
}

func TestCallBudget(t *testing.T) {
	budget := CallBudget(config.PaymentClient{ConnectTimeout: 5 * time.Second, ReadTimeout: 10 * time.Second, MaxRetries: 3})
	// three timed out attempts plus two jittered waits of 100ms and 150ms
	assert.Equal(t, 45*time.Second+375*time.Millisecond, budget)

	assert.Equal(t, 15*time.Second, CallBudget(config.PaymentClient{ConnectTimeout: 5 * time.Second, ReadTimeout: 10 * time.Second}))
}
