package client

import (
	"bytes"
	"commerce-reconciler/internal/config"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPGRejected is returned when the gateway refuses a request. Transport
// failures and 5xx answers are not rejections.
var ErrPGRejected = errors.New("pg rejected request")

// PGClient talks to the payment gateway REST api.
type PGClient interface {
	GetPayment(ctx context.Context, impUID string) (*PGPayment, error)
	PreparePayment(ctx context.Context, merchantUID string, amount int64) error
	CancelPayment(ctx context.Context, req PGCancelRequest) (*PGCancelResult, error)
}

type PGPayment struct {
	ImpUID      string          `json:"imp_uid"`
	MerchantUID string          `json:"merchant_uid"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"` // ready, paid, cancelled, failed
	PayMethod   string          `json:"pay_method"`
	CardName    string          `json:"card_name"`
	ApplyNum    string          `json:"apply_num"`
	FailReason  string          `json:"fail_reason"`
}

type PGCancelRequest struct {
	ImpUID string
	// Amount zero cancels the remaining balance.
	Amount int64
	Reason string
}

type PGCancelResult struct {
	// CancelID is the gateway transaction id of this cancellation.
	CancelID     string
	CancelAmount decimal.Decimal
}

type pgCancelHistory struct {
	PGTID       string          `json:"pg_tid"`
	Amount      decimal.Decimal `json:"amount"`
	CancelledAt int64           `json:"cancelled_at"`
	ReceiptURL  string          `json:"receipt_url"`
}

// pgEnvelope wraps every gateway response.
type pgEnvelope struct {
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Response json.RawMessage `json:"response"`
}

type pgClientImpl struct {
	httpClient *http.Client
	baseApiURL string
	apiKey     string
	apiSecret  string

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

func NewPGClient(pgCfg *config.PG) PGClient {
	return &pgClientImpl{
		httpClient: &http.Client{
			Timeout: pgCfg.Timeout,
		},
		baseApiURL: pgCfg.BaseApiURL,
		apiKey:     pgCfg.APIKey,
		apiSecret:  pgCfg.APISecret,
	}
}

func (c *pgClientImpl) getAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.expiresAt) {
		return c.accessToken, nil
	}

	var res struct {
		AccessToken string `json:"access_token"`
		ExpiredAt   int64  `json:"expired_at"`
	}
	err := c.call(ctx, http.MethodPost, "/users/getToken", "", map[string]string{
		"imp_key":    c.apiKey,
		"imp_secret": c.apiSecret,
	}, &res)
	if err != nil {
		return "", fmt.Errorf("request pg token: %w", err)
	}

	c.accessToken = res.AccessToken
	// refresh a minute early
	c.expiresAt = time.Unix(res.ExpiredAt, 0).Add(-time.Minute)
	return c.accessToken, nil
}

func (c *pgClientImpl) GetPayment(ctx context.Context, impUID string) (*PGPayment, error) {
	accessToken, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("get pg access token: %w", err)
	}

	var payment PGPayment
	if err := c.call(ctx, http.MethodGet, "/payments/"+impUID, accessToken, nil, &payment); err != nil {
		return nil, fmt.Errorf("get pg payment %s: %w", impUID, err)
	}
	return &payment, nil
}

func (c *pgClientImpl) PreparePayment(ctx context.Context, merchantUID string, amount int64) error {
	accessToken, err := c.getAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("get pg access token: %w", err)
	}

	payload := map[string]interface{}{
		"merchant_uid": merchantUID,
		"amount":       amount,
	}
	if err := c.call(ctx, http.MethodPost, "/payments/prepare", accessToken, payload, nil); err != nil {
		return fmt.Errorf("prepare pg payment %s: %w", merchantUID, err)
	}
	return nil
}

func (c *pgClientImpl) CancelPayment(ctx context.Context, req PGCancelRequest) (*PGCancelResult, error) {
	accessToken, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("get pg access token: %w", err)
	}

	payload := map[string]interface{}{
		"imp_uid":  req.ImpUID,
		"checksum": nil,
		"reason":   req.Reason,
	}
	if req.Amount > 0 {
		payload["amount"] = req.Amount
	}

	var res struct {
		ImpUID        string            `json:"imp_uid"`
		CancelAmount  decimal.Decimal   `json:"cancel_amount"`
		CancelHistory []pgCancelHistory `json:"cancel_history"`
	}
	if err := c.call(ctx, http.MethodPost, "/payments/cancel", accessToken, payload, &res); err != nil {
		return nil, fmt.Errorf("cancel pg payment %s: %w", req.ImpUID, err)
	}

	result := &PGCancelResult{CancelAmount: res.CancelAmount}
	// history is oldest first; partial refunds append
	if n := len(res.CancelHistory); n > 0 {
		result.CancelID = res.CancelHistory[n-1].PGTID
	}
	return result, nil
}

// call sends a json request and unwraps the gateway envelope into out.
func (c *pgClientImpl) call(ctx context.Context, method, path, accessToken string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal req payload: %w", err)
		}
		body = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseApiURL+path, body)
	if err != nil {
		return fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read pg response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("pg error %d: %s", resp.StatusCode, string(b))
	}

	var envelope pgEnvelope
	if err := json.Unmarshal(b, &envelope); err != nil {
		return fmt.Errorf("pg error %d: %s", resp.StatusCode, string(b))
	}
	if envelope.Code != 0 || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: code %d status %d: %s", ErrPGRejected, envelope.Code, resp.StatusCode, envelope.Message)
	}

	if out == nil || len(envelope.Response) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Response, out); err != nil {
		return fmt.Errorf("decode pg response: %w", err)
	}
	return nil
}
