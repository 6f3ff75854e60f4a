package api

import (
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cantonex/engine/internal/trading"
	"github.com/cantonex/engine/internal/trading/model"
	"github.com/cantonex/engine/internal/ws"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("trading_pair", func(fl validator.FieldLevel) bool {
			_, _, err := model.SplitPair(fl.Field().String())
			return err == nil
		})
	}
}

// NewRouter wires the HTTP surface: trading endpoints, the trade feed,
// health and metrics.
func NewRouter(svc trading.Service, hub *ws.Hub, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	h := NewHandler(svc, logger)

	v1 := router.Group("/v1")
	{
		v1.POST("/orders", h.PlaceOrder)
		v1.DELETE("/orders/:orderID", h.CancelOrder)
		v1.GET("/orders", h.GetOpenOrders)
		v1.GET("/orderbook", h.GetOrderBook)
		v1.GET("/trades", h.GetTradeHistory)
		v1.GET("/pairs", h.GetPairs)
	}

	if hub != nil {
		router.GET("/ws", func(c *gin.Context) {
			hub.ServeWS(c.Writer, c.Request)
		})
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
