package server

import (
	"bytes"
	"commerce-reconciler/internal/auth"
	"commerce-reconciler/internal/client"
	"commerce-reconciler/internal/config"
	"commerce-reconciler/internal/lock"
	"commerce-reconciler/internal/mocks"
	"commerce-reconciler/internal/model"
	"commerce-reconciler/internal/repository"
	"commerce-reconciler/internal/service"
	"commerce-reconciler/internal/testutil"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type envelope struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorCode"`
	Data      json.RawMessage `json:"data"`
}

const testSecret = "0123456789abcdef0123456789abcdef"

type stack struct {
	url      string
	db       *gorm.DB
	pg       *mocks.MockPGClient
	verifier auth.Verifier
	token    string
}

// newStack runs the whole api in-process. The order side reaches the
// payment side over real HTTP, as it does in production.
func newStack(t *testing.T) *stack {
	t.Helper()

	var router http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	db := testutil.NewDB(t)
	verifier, err := auth.NewVerifier(testSecret)
	require.NoError(t, err)
	token, err := verifier.Sign("alice", time.Minute)
	require.NoError(t, err)

	pg := &mocks.MockPGClient{}
	locker := lock.NewMemoryLocker()
	orderRepo := repository.NewOrderRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	cancelRepo := repository.NewOrderCancelRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	webhookRepo := repository.NewWebhookEventRepository(db)

	cancelClient := client.NewPaymentCancelClient(ts.URL,
		config.PaymentClient{ConnectTimeout: time.Second, ReadTimeout: 5 * time.Second, MaxRetries: 1},
		client.ServiceTokenSource(verifier.Sign), zap.NewNop())

	orders := service.NewOrderService(db, orderRepo, paymentRepo, cancelRepo, outboxRepo, cancelClient, locker,
		service.OrderConfig{CancelLockTTL: 30 * time.Second, RetryBackoff: time.Minute, MaxAttempts: 3}, zap.NewNop())
	payments := service.NewPaymentService(db, pg, orders, orderRepo, paymentRepo, webhookRepo, outboxRepo, locker, zap.NewNop())

	router = NewServer(orders, payments, verifier, zap.NewNop()).Handler()

	return &stack{url: ts.URL, db: db, pg: pg, verifier: verifier, token: token}
}

func (s *stack) call(t *testing.T, method, path string, body interface{}, authenticated bool) (int, envelope) {
	t.Helper()
	token := ""
	if authenticated {
		token = s.token
	}
	return s.callAs(t, method, path, body, token)
}

func (s *stack) callAs(t *testing.T, method, path string, body interface{}, token string) (int, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.url+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestHealth(t *testing.T) {
	s := newStack(t)

	resp, err := http.Get(s.url + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCheckoutPayCancel(t *testing.T) {
	s := newStack(t)

	status, env := s.call(t, http.MethodPost, "/api/orders/checkout", map[string]interface{}{
		"items":       []map[string]interface{}{{"productId": "1", "productName": "Apple box", "quantity": 2, "unitPrice": 5000}},
		"deliveryFee": 3000,
		"totalPrice":  13000,
	}, true)
	require.Equal(t, http.StatusCreated, status)

	var order struct {
		OrderID    string `json:"orderId"`
		TotalPrice int64  `json:"totalPrice"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &order))
	assert.Equal(t, int64(13000), order.TotalPrice)

	s.pg.On("PreparePayment", mock.Anything, order.OrderID, int64(13000)).Return(nil)
	status, _ = s.call(t, http.MethodPost, "/api/payments/prepare", map[string]interface{}{"orderId": order.OrderID}, true)
	require.Equal(t, http.StatusOK, status)

	s.pg.On("GetPayment", mock.Anything, "imp_123").Return(&client.PGPayment{
		ImpUID:      "imp_123",
		MerchantUID: order.OrderID,
		Amount:      decimal.NewFromInt(13000),
		Status:      "paid",
	}, nil)

	// the PG delivers the same notification twice
	for i := 0; i < 2; i++ {
		status, env = s.call(t, http.MethodPost, "/api/payments/webhook", map[string]string{
			"imp_uid": "imp_123", "merchant_uid": order.OrderID, "status": "paid",
		}, false)
		require.Equal(t, http.StatusOK, status)
		assert.True(t, env.Success)
	}

	s.pg.On("CancelPayment", mock.Anything, client.PGCancelRequest{ImpUID: "imp_123", Reason: "changed my mind"}).
		Return(&client.PGCancelResult{CancelID: "cancel_1"}, nil).Once()

	status, env = s.call(t, http.MethodPost, "/api/orders/"+order.OrderID+"/cancel", map[string]string{
		"reason": "changed my mind",
	}, true)
	require.Equal(t, http.StatusOK, status, env.Message)

	var cancelled struct {
		OrderStatus     string `json:"orderStatus"`
		RefundStatus    string `json:"refundStatus"`
		PaymentCancelID string `json:"paymentCancelId"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &cancelled))
	assert.Equal(t, "CANCELLED", cancelled.OrderStatus)
	assert.Equal(t, "COMPLETED", cancelled.RefundStatus)
	assert.Equal(t, "cancel_1", cancelled.PaymentCancelID)

	var payment model.Payment
	require.NoError(t, s.db.Where("invoice_po_id = ?", "imp_123").First(&payment).Error)
	assert.Equal(t, model.PaymentStatusCancelled, payment.PaymentStatus)

	status, env = s.call(t, http.MethodPost, "/api/orders/"+order.OrderID+"/cancel", map[string]string{}, true)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ALREADY_CANCELLED", env.ErrorCode)

	s.pg.AssertNumberOfCalls(t, "GetPayment", 1)
}

func TestCancel_RequiresToken(t *testing.T) {
	s := newStack(t)

	status, env := s.call(t, http.MethodPost, "/api/orders/ORD_1/cancel", map[string]string{}, false)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, env.Success)
}

func TestAdvanceStatus_OperatorOnly(t *testing.T) {
	s := newStack(t)

	status, env := s.call(t, http.MethodPost, "/api/orders/checkout", map[string]interface{}{
		"items": []map[string]interface{}{{"productId": "1", "quantity": 1, "unitPrice": 5000}},
	}, true)
	require.Equal(t, http.StatusCreated, status)
	var order struct {
		OrderID string `json:"orderId"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &order))
	path := "/api/orders/" + order.OrderID + "/status"

	mallory, err := s.verifier.Sign("mallory", time.Minute)
	require.NoError(t, err)
	for _, next := range []string{"PAYMENT_COMPLETED", "PREPARING", "SHIPPED"} {
		status, env = s.callAs(t, http.MethodPost, path, map[string]string{"status": next, "trackingNumber": "T1"}, mallory)
		assert.Equal(t, http.StatusForbidden, status, next)
		assert.Equal(t, "FORBIDDEN", env.ErrorCode)
	}

	operator, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ops",
		"roles": []string{auth.RoleOperator},
		"exp":   time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	// even operators cannot mark an order paid
	status, env = s.callAs(t, http.MethodPost, path, map[string]string{"status": "PAYMENT_COMPLETED"}, operator)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", env.ErrorCode)

	var stored model.Order
	require.NoError(t, s.db.Where("order_id = ?", order.OrderID).First(&stored).Error)
	assert.Equal(t, model.OrderStatusOrdered, stored.OrderStatus)

	status, env = s.call(t, http.MethodPost, "/api/orders/"+order.OrderID+"/cancel", map[string]string{}, true)
	assert.Equal(t, http.StatusOK, status, env.Message)
}

// checkoutAndPay places a 13000 order for alice and settles it through the webhook.
func (s *stack) checkoutAndPay(t *testing.T, impUID string) string {
	t.Helper()

	status, env := s.call(t, http.MethodPost, "/api/orders/checkout", map[string]interface{}{
		"items":       []map[string]interface{}{{"productId": "1", "quantity": 2, "unitPrice": 5000}},
		"deliveryFee": 3000,
	}, true)
	require.Equal(t, http.StatusCreated, status)
	var order struct {
		OrderID string `json:"orderId"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &order))

	s.pg.On("GetPayment", mock.Anything, impUID).Return(&client.PGPayment{
		ImpUID:      impUID,
		MerchantUID: order.OrderID,
		Amount:      decimal.NewFromInt(13000),
		Status:      "paid",
	}, nil)
	status, env = s.call(t, http.MethodPost, "/api/payments/webhook", map[string]string{
		"imp_uid": impUID, "merchant_uid": order.OrderID, "status": "paid",
	}, false)
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.Success, env.Message)
	return order.OrderID
}

func TestCancel_PGOutageLeavesRefundPending(t *testing.T) {
	s := newStack(t)
	orderID := s.checkoutAndPay(t, "imp_outage")

	s.pg.On("CancelPayment", mock.Anything, mock.Anything).
		Return(nil, errors.New("dial tcp: i/o timeout")).Once()

	status, env := s.call(t, http.MethodPost, "/api/orders/"+orderID+"/cancel", map[string]string{}, true)
	assert.Equal(t, http.StatusAccepted, status, env.Message)

	var cancels []model.OrderCancel
	require.NoError(t, s.db.Where("order_id = ?", orderID).Find(&cancels).Error)
	require.Len(t, cancels, 1)
	assert.Equal(t, model.RefundStatusPending, cancels[0].RefundStatus)
	assert.Equal(t, client.ErrorCodeServiceUnavailable, cancels[0].ErrorCode)
	assert.NotNil(t, cancels[0].NextAttemptAt)

	var order model.Order
	require.NoError(t, s.db.Where("order_id = ?", orderID).First(&order).Error)
	assert.Equal(t, model.OrderStatusPaymentCompleted, order.OrderStatus)
}
