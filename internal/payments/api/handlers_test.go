package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrecon/internal/chain"
	"payrecon/internal/common/clock"
	"payrecon/internal/common/events"
	"payrecon/internal/order"
	"payrecon/internal/payments"
	"payrecon/internal/reconcile"
)

type testServer struct {
	router    http.Handler
	ledger    *chain.Ledger
	clock     *clock.Manual
	recipient solana.PublicKey
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	ts := &testServer{
		ledger:    chain.NewLedger(clk),
		clock:     clk,
		recipient: key.PublicKey(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := order.NewMemoryStore(ts.clock)
	recorder := &events.Recorder{}
	engine := reconcile.NewEngine(store, ts.ledger, recorder, ts.clock, reconcile.Config{}, logger)

	svc, err := payments.NewService(payments.Config{
		Recipient: ts.recipient.String(),
		UnitPrice: "0.1",
		Label:     "Solana Shirts",
		Memo:      "T-shirt purchase",
		OrderTTL:  15 * time.Minute,
	}, store, nil, engine, recorder, ts.clock, logger)
	require.NoError(t, err)

	h := NewHandler(svc)
	r := chi.NewRouter()
	r.Mount("/api/v1", h.Routes())
	h.MountCompat(r)
	ts.router = r
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

type envelope[T any] struct {
	Data  T `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestCreateAndPollOrder(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/orders", `{"amount":"0.0001"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[envelope[CreateOrderResponse]](t, rec).Data
	assert.True(t, strings.HasPrefix(created.PaymentURL, "solana:"+ts.recipient.String()+"?amount=0.0001&reference="+created.Reference))
	assert.Equal(t, int64(100_000), created.Amount.AmountMinor)

	statusPath := "/api/v1/orders/" + created.Reference + "/status"
	rec = ts.do(t, http.MethodGet, statusPath, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, order.StatusPending, decode[envelope[StatusResponse]](t, rec).Data.Status)

	ref := solana.MustPublicKeyFromBase58(created.Reference)
	_, err := ts.ledger.Pay(chain.PayParams{
		Source:      solana.SystemProgramID,
		Destination: ts.recipient,
		Lamports:    100_000,
		References:  []solana.PublicKey{ref},
		Memo:        "T-shirt purchase",
	})
	require.NoError(t, err)

	rec = ts.do(t, http.MethodGet, statusPath, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, order.StatusPaid, decode[envelope[StatusResponse]](t, rec).Data.Status)

	rec = ts.do(t, http.MethodGet, "/api/v1/orders/"+created.Reference, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var full envelope[map[string]interface{}]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &full))
	assert.Equal(t, "paid", full.Data["status"])
	assert.NotNil(t, full.Data["payment"])
}

func TestCreateOrder_Errors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/orders", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/orders", `{"quantity":-2}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/orders", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[envelope[any]](t, rec).Error.Code)
}

func TestStatus_Errors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/orders/garbage!/status", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	unknown := solana.NewWallet().PublicKey().String()
	rec = ts.do(t, http.MethodGet, "/api/v1/orders/"+unknown+"/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ORDER_NOT_FOUND", decode[envelope[any]](t, rec).Error.Code)
}

func TestStatus_Expired(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/orders", `{"quantity":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[envelope[CreateOrderResponse]](t, rec).Data

	ts.clock.Advance(16 * time.Minute)
	rec = ts.do(t, http.MethodGet, "/api/v1/orders/"+created.Reference+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, order.StatusExpired, decode[envelope[StatusResponse]](t, rec).Data.Status)
}

func TestCompatPayRoutes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/pay", `{"shirtQuantity":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decode[PayResponse](t, rec)
	assert.Contains(t, created.PaymentURL, "amount=0.2&")
	assert.Contains(t, created.PaymentURL, "message=Purchase%20of%202%20shirt%28s%29%20for%200.2%20SOL")

	rec = ts.do(t, http.MethodGet, "/api/pay?orderKey="+created.OrderKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, order.StatusPending, decode[payStatus](t, rec).Status)

	rec = ts.do(t, http.MethodGet, "/api/pay", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Order key not provided", decode[payError](t, rec).Error)

	rec = ts.do(t, http.MethodGet, "/api/pay?orderKey="+solana.NewWallet().PublicKey().String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/pay", `{"shirtQuantity":0}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStatus_CancelledRequest(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/orders", `{"quantity":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[envelope[CreateOrderResponse]](t, rec).Data

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+created.Reference+"/status", nil).WithContext(ctx)
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
