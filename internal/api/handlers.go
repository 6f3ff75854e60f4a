// Package api exposes the trading engine over HTTP. The wire format is
// an implementation choice of this layer; the engine itself is
// transport-agnostic. Callers arrive pre-authorized: the opaque party
// identifier is taken from the X-Party-ID header.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cantonex/engine/internal/trading"
	"github.com/cantonex/engine/internal/trading/model"
	errs "github.com/cantonex/engine/pkg/errors"
)

// PartyHeader carries the already-authorized party identifier.
const PartyHeader = "X-Party-ID"

// Handler handles trading-related HTTP requests
type Handler struct {
	svc    trading.Service
	logger *zap.Logger
}

// NewHandler creates a new trading handler
func NewHandler(svc trading.Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// PlaceOrderRequest represents order placement request
type PlaceOrderRequest struct {
	Pair      string          `json:"pair" binding:"required,trading_pair"`
	Side      string          `json:"side" binding:"required,oneof=BUY SELL"`
	Kind      string          `json:"kind" binding:"required,oneof=LIMIT MARKET"`
	Quantity  decimal.Decimal `json:"quantity" binding:"required"`
	Price     decimal.Decimal `json:"price,omitempty"`
	StopPrice decimal.Decimal `json:"stop_price,omitempty"`
}

// PlaceOrderResponse represents order placement response
type PlaceOrderResponse struct {
	Order  *model.Order   `json:"order"`
	Trades []*model.Trade `json:"trades,omitempty"`
}

// PlaceOrder handles POST /v1/orders.
func (h *Handler) PlaceOrder(c *gin.Context) {
	owner, ok := h.party(c)
	if !ok {
		return
	}
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid order placement request", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   errs.KindInvalidOrder,
			Message: err.Error(),
		})
		return
	}

	order, trades, err := h.svc.PlaceOrder(c.Request.Context(), owner, req.Pair, req.Side, req.Kind, req.Price, req.Quantity, req.StopPrice)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, PlaceOrderResponse{Order: order, Trades: trades})
}

// CancelOrder handles DELETE /v1/orders/:orderID.
func (h *Handler) CancelOrder(c *gin.Context) {
	owner, ok := h.party(c)
	if !ok {
		return
	}
	orderID, err := uuid.Parse(c.Param("orderID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   errs.KindInvalidOrder,
			Message: "order id must be a UUID",
		})
		return
	}
	if err := h.svc.CancelOrder(c.Request.Context(), owner, orderID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "status": model.OrderStatusCancelled})
}

// GetOrderBook handles GET /v1/orderbook?pair=&depth=&precision=.
func (h *Handler) GetOrderBook(c *gin.Context) {
	pair := c.Query("pair")
	depth := intQuery(c, "depth", 20)
	precision := intQuery(c, "precision", 8)

	snap, err := h.svc.GetOrderBook(pair, depth, int32(precision))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetOpenOrders handles GET /v1/orders.
func (h *Handler) GetOpenOrders(c *gin.Context) {
	owner, ok := h.party(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": h.svc.GetOpenOrders(owner)})
}

// GetTradeHistory handles GET /v1/trades?pair=&limit=.
func (h *Handler) GetTradeHistory(c *gin.Context) {
	pair := c.Query("pair")
	limit := intQuery(c, "limit", 100)

	trades, err := h.svc.GetTradeHistory(pair, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pair": pair, "trades": trades})
}

// GetPairs handles GET /v1/pairs.
func (h *Handler) GetPairs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pairs": h.svc.Pairs()})
}

func (h *Handler) party(c *gin.Context) (string, bool) {
	owner := c.GetHeader(PartyHeader)
	if owner == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   errs.KindInvalidOrder,
			Message: PartyHeader + " header is required",
		})
		return "", false
	}
	return owner, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, ErrorResponse{Error: errs.KindOf(err), Message: err.Error()})
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
