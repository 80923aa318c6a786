package client

import (
	"commerce-reconciler/internal/config"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakePG(t *testing.T, tokenCalls *int32, routes map[string]http.HandlerFunc) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/getToken", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(tokenCalls, 1)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "key", body["imp_key"])
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"response": map[string]interface{}{
				"access_token": "tok",
				"expired_at":   time.Now().Add(30 * time.Minute).Unix(),
			},
		})
	})
	for path, h := range routes {
		mux.HandleFunc(path, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestPGClient(url string) PGClient {
	return NewPGClient(&config.PG{BaseApiURL: url, APIKey: "key", APISecret: "secret", Timeout: 5 * time.Second})
}

func TestPGClient_GetPayment(t *testing.T) {
	var tokenCalls int32
	srv := newFakePG(t, &tokenCalls, map[string]http.HandlerFunc{
		"/payments/imp_1": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "tok", r.Header.Get("Authorization"))
			w.Write([]byte(`{"code":0,"response":{"imp_uid":"imp_1","merchant_uid":"ORD_1","amount":13000,"status":"paid","card_name":"VISA","apply_num":"123"}}`))
		},
	})

	c := newTestPGClient(srv.URL)
	ctx := context.Background()

	p, err := c.GetPayment(ctx, "imp_1")
	require.NoError(t, err)
	assert.Equal(t, "paid", p.Status)
	assert.Equal(t, "ORD_1", p.MerchantUID)
	assert.Equal(t, int64(13000), p.Amount.IntPart())

	_, err = c.GetPayment(ctx, "imp_1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls), "token is cached")
}

func TestPGClient_Rejected(t *testing.T) {
	var tokenCalls int32
	srv := newFakePG(t, &tokenCalls, map[string]http.HandlerFunc{
		"/payments/cancel": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"code":1,"message":"already cancelled","response":null}`))
		},
	})

	_, err := newTestPGClient(srv.URL).CancelPayment(context.Background(), PGCancelRequest{ImpUID: "imp_1"})
	assert.ErrorIs(t, err, ErrPGRejected)
}

func TestPGClient_Cancel(t *testing.T) {
	var tokenCalls int32
	srv := newFakePG(t, &tokenCalls, map[string]http.HandlerFunc{
		"/payments/cancel": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "imp_1", body["imp_uid"])
			assert.Equal(t, float64(5000), body["amount"])
			w.Write([]byte(`{"code":0,"response":{"imp_uid":"imp_1","cancel_amount":8000,"cancel_history":[` +
				`{"pg_tid":"tid_first","amount":3000,"cancelled_at":1700000000},` +
				`{"pg_tid":"tid_second","amount":5000,"cancelled_at":1700000100}]}}`))
		},
		"/payments/prepare": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"code":0,"response":{"merchant_uid":"ORD_1","amount":13000}}`))
		},
	})

	c := newTestPGClient(srv.URL)
	res, err := c.CancelPayment(context.Background(), PGCancelRequest{ImpUID: "imp_1", Amount: 5000, Reason: "changed mind"})
	require.NoError(t, err)
	assert.Equal(t, "tid_second", res.CancelID)
	assert.Equal(t, int64(8000), res.CancelAmount.IntPart())

	assert.NoError(t, c.PreparePayment(context.Background(), "ORD_1", 13000))
}

func TestPGClient_HTTPError(t *testing.T) {
	var tokenCalls int32
	srv := newFakePG(t, &tokenCalls, map[string]http.HandlerFunc{
		"/payments/imp_x": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
		},
	})

	_, err := newTestPGClient(srv.URL).GetPayment(context.Background(), "imp_x")
	assert.ErrorContains(t, err, "pg error 502")
}

func TestPGClient_ServerErrorIsNotRejection(t *testing.T) {
	var tokenCalls int32
	srv := newFakePG(t, &tokenCalls, map[string]http.HandlerFunc{
		"/payments/cancel": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"code":-1,"message":"maintenance","response":null}`))
		},
	})

	_, err := newTestPGClient(srv.URL).CancelPayment(context.Background(), PGCancelRequest{ImpUID: "imp_1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPGRejected)
	assert.ErrorContains(t, err, "pg error 503")
}
