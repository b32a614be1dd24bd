package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turbofakesmile/haos-prediction-markets/internal/metrics"
	"github.com/turbofakesmile/haos-prediction-markets/internal/middleware"
	"github.com/turbofakesmile/haos-prediction-markets/internal/ws"
)

// Routes collects everything RegisterRoutes mounts. Auth, RateLimiter and
// WS may be nil.
type Routes struct {
	Handler     *Handler
	Admin       *AdminHandler
	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter
	WS          *ws.Handler
	Metrics     *metrics.Metrics
}

func RegisterRoutes(r *gin.Engine, rt Routes) {
	r.Use(gin.Recovery())
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.LoggingMiddleware(rt.Metrics))

	r.GET("/health", rt.Admin.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/admin/stats", rt.Admin.Stats)

	api := r.Group("/api")
	{
		api.GET("/instruments", rt.Handler.ListInstruments)
		api.GET("/instruments/:id/book", rt.Handler.GetOrderBook)
		api.GET("/instruments/:id/settlement", rt.Handler.GetSettlement)
		api.GET("/instruments/:id/executions", rt.Handler.GetExecutions)

		orders := api.Group("/orders")
		if rt.Auth != nil {
			orders.Use(rt.Auth.GinMiddleware())
		}
		if rt.RateLimiter != nil {
			orders.Use(rt.RateLimiter.GinMiddleware())
		}
		{
			orders.POST("", rt.Handler.PlaceOrder)
			orders.DELETE("/:id", rt.Handler.CancelOrder)
		}
	}

	if rt.WS != nil {
		r.GET("/ws/stats", rt.WS.HandleStats)
		r.GET("/ws/:instrument", rt.WS.HandleUpgrade)
	}
}
