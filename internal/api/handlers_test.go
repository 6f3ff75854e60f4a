package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cantonex/engine/internal/ledger"
	"github.com/cantonex/engine/internal/trading"
	"github.com/cantonex/engine/internal/trading/lifecycle"
	"github.com/cantonex/engine/internal/trading/model"
	errs "github.com/cantonex/engine/pkg/errors"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestRouter(t *testing.T) (*gin.Engine, *ledger.InMemory) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	client := ledger.NewInMemory()
	svc, err := trading.NewService(zap.NewNop(), client, ledger.RetryPolicy{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		CallTimeout:     time.Second,
	}, trading.Config{
		Lifecycle: lifecycle.Config{Pairs: []string{"BTC/USDT"}},
	}, nil)
	require.NoError(t, err)
	return NewRouter(svc, nil, zap.NewNop()), client
}

func doJSON(t *testing.T, router *gin.Engine, method, path, party string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if party != "" {
		req.Header.Set(PartyHeader, party)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func placeOrder(t *testing.T, router *gin.Engine, party string, req PlaceOrderRequest) PlaceOrderResponse {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/v1/orders", party, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp PlaceOrderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestPlaceOrderEndpoint(t *testing.T) {
	router, client := newTestRouter(t)
	client.Deposit("alice", "USDT", d("100000"))

	resp := placeOrder(t, router, "alice", PlaceOrderRequest{
		Pair:     "BTC/USDT",
		Side:     model.OrderSideBuy,
		Kind:     model.OrderKindLimit,
		Price:    d("50000"),
		Quantity: d("1"),
	})
	require.NotNil(t, resp.Order)
	assert.Equal(t, model.OrderStatusOpen, resp.Order.Status)
	assert.Equal(t, "alice", resp.Order.Owner)
	assert.Empty(t, resp.Trades)
}

func TestPlaceOrderRequiresParty(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodPost, "/v1/orders", "", PlaceOrderRequest{
		Pair:     "BTC/USDT",
		Side:     model.OrderSideBuy,
		Kind:     model.OrderKindLimit,
		Price:    d("50000"),
		Quantity: d("1"),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlaceOrderValidationErrors(t *testing.T) {
	router, _ := newTestRouter(t)

	cases := []PlaceOrderRequest{
		{Pair: "BTCUSDT", Side: "BUY", Kind: "LIMIT", Price: d("1"), Quantity: d("1")},
		{Pair: "BTC/USDT", Side: "HOLD", Kind: "LIMIT", Price: d("1"), Quantity: d("1")},
		{Pair: "BTC/USDT", Side: "BUY", Kind: "STOP", Price: d("1"), Quantity: d("1")},
		{Pair: "BTC/USDT", Side: "BUY", Kind: "LIMIT", Price: d("1")},
	}
	for i, req := range cases {
		w := doJSON(t, router, http.MethodPost, "/v1/orders", "alice", req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "case %d: %s", i, w.Body.String())
		var er ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &er))
		assert.Equal(t, errs.KindInvalidOrder, er.Error)
	}
}

func TestPlaceOrderInsufficientFunds(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/orders", "pauper", PlaceOrderRequest{
		Pair:     "BTC/USDT",
		Side:     model.OrderSideBuy,
		Kind:     model.OrderKindLimit,
		Price:    d("50000"),
		Quantity: d("1"),
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &er))
	assert.Equal(t, errs.KindInsufficientFunds, er.Error)
}

func TestCancelOrderEndpoint(t *testing.T) {
	router, client := newTestRouter(t)
	client.Deposit("alice", "USDT", d("50000"))

	resp := placeOrder(t, router, "alice", PlaceOrderRequest{
		Pair:     "BTC/USDT",
		Side:     model.OrderSideBuy,
		Kind:     model.OrderKindLimit,
		Price:    d("50000"),
		Quantity: d("1"),
	})

	w := doJSON(t, router, http.MethodDelete, "/v1/orders/"+resp.Order.ID.String(), "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	avail, locked := client.Balances("alice", "USDT")
	assert.True(t, avail.Equal(d("50000")))
	assert.True(t, locked.IsZero())
}

func TestCancelOrderErrors(t *testing.T) {
	router, client := newTestRouter(t)
	client.Deposit("alice", "USDT", d("50000"))

	w := doJSON(t, router, http.MethodDelete, "/v1/orders/not-a-uuid", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/v1/orders/"+uuid.NewString(), "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Someone else's order is indistinguishable from a missing one.
	resp := placeOrder(t, router, "alice", PlaceOrderRequest{
		Pair:     "BTC/USDT",
		Side:     model.OrderSideBuy,
		Kind:     model.OrderKindLimit,
		Price:    d("50000"),
		Quantity: d("1"),
	})
	w = doJSON(t, router, http.MethodDelete, "/v1/orders/"+resp.Order.ID.String(), "mallory", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOrderBookEndpoint(t *testing.T) {
	router, client := newTestRouter(t)
	client.Deposit("alice", "USDT", d("49900"))
	client.Deposit("bob", "BTC", d("1"))

	placeOrder(t, router, "alice", PlaceOrderRequest{
		Pair: "BTC/USDT", Side: "BUY", Kind: "LIMIT", Price: d("49900"), Quantity: d("1"),
	})
	placeOrder(t, router, "bob", PlaceOrderRequest{
		Pair: "BTC/USDT", Side: "SELL", Kind: "LIMIT", Price: d("50100"), Quantity: d("1"),
	})

	w := doJSON(t, router, http.MethodGet, "/v1/orderbook?pair=BTC/USDT&depth=5&precision=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var snap lifecycle.BookSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "BTC/USDT", snap.Pair)
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 1)
	require.NotNil(t, snap.Spread)
	assert.True(t, snap.Spread.Equal(d("200")))

	w = doJSON(t, router, http.MethodGet, "/v1/orderbook?pair=ETH/USDT", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOpenOrdersEndpoint(t *testing.T) {
	router, client := newTestRouter(t)
	client.Deposit("alice", "USDT", d("100000"))

	placeOrder(t, router, "alice", PlaceOrderRequest{
		Pair: "BTC/USDT", Side: "BUY", Kind: "LIMIT", Price: d("49000"), Quantity: d("1"),
	})
	placeOrder(t, router, "alice", PlaceOrderRequest{
		Pair: "BTC/USDT", Side: "BUY", Kind: "LIMIT", Price: d("48000"), Quantity: d("1"),
	})

	w := doJSON(t, router, http.MethodGet, "/v1/orders", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Orders []*model.Order `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Orders, 2)

	w = doJSON(t, router, http.MethodGet, "/v1/orders", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Orders)
}

func TestTradeHistoryEndpoint(t *testing.T) {
	router, client := newTestRouter(t)
	client.Deposit("alice", "BTC", d("1"))
	client.Deposit("bob", "USDT", d("50000"))

	placeOrder(t, router, "alice", PlaceOrderRequest{
		Pair: "BTC/USDT", Side: "SELL", Kind: "LIMIT", Price: d("50000"), Quantity: d("1"),
	})
	resp := placeOrder(t, router, "bob", PlaceOrderRequest{
		Pair: "BTC/USDT", Side: "BUY", Kind: "LIMIT", Price: d("50000"), Quantity: d("1"),
	})
	require.Len(t, resp.Trades, 1)

	w := doJSON(t, router, http.MethodGet, "/v1/trades?pair=BTC/USDT&limit=10", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Trades []*model.Trade `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	require.Len(t, hist.Trades, 1)
	assert.True(t, hist.Trades[0].Price.Equal(d("50000")))
}

func TestPairsAndHealthEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/v1/pairs", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "BTC/USDT")

	w = doJSON(t, router, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFullFillScenarioOverHTTP(t *testing.T) {
	router, client := newTestRouter(t)
	client.Deposit("alice", "BTC", d("1"))
	client.Deposit("bob", "USDT", d("50000"))

	placeOrder(t, router, "alice", PlaceOrderRequest{
		Pair: "BTC/USDT", Side: "SELL", Kind: "LIMIT", Price: d("50000"), Quantity: d("1"),
	})
	resp := placeOrder(t, router, "bob", PlaceOrderRequest{
		Pair: "BTC/USDT", Side: "BUY", Kind: "LIMIT", Price: d("50000"), Quantity: d("1"),
	})
	require.Len(t, resp.Trades, 1)
	assert.Equal(t, model.OrderStatusFilled, resp.Order.Status)

	btcAvail, _ := client.Balances("bob", "BTC")
	assert.True(t, btcAvail.Equal(d("1")))
	usdtAvail, _ := client.Balances("alice", "USDT")
	assert.True(t, usdtAvail.Equal(d("50000")))

	w := doJSON(t, router, http.MethodGet, fmt.Sprintf("/v1/orderbook?pair=%s", "BTC/USDT"), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap lifecycle.BookSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.NotNil(t, snap.LastPrice)
	assert.True(t, snap.LastPrice.Equal(d("50000")))
}
