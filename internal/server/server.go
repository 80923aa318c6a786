package server

import (
	"commerce-reconciler/internal/auth"
	"commerce-reconciler/internal/handler"
	authmw "commerce-reconciler/internal/middleware"
	"commerce-reconciler/internal/service"
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type Server struct {
	echo           *echo.Echo
	verifier       auth.Verifier
	orderHandler   *handler.OrderHandler
	paymentHandler *handler.PaymentHandler
}

func NewServer(orderService service.OrderService, paymentService service.PaymentService, verifier auth.Verifier, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				log.Error("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			log.Info("request", fields...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:           e,
		verifier:       verifier,
		orderHandler:   handler.NewOrderHandler(orderService, log),
		paymentHandler: handler.NewPaymentHandler(paymentService, log),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	required := authmw.RequireIdentity(s.verifier)
	optional := authmw.OptionalIdentity(s.verifier)

	api := s.echo.Group("/api")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// -------- orders --------
	orders := api.Group("/orders")
	orders.POST("/checkout", s.orderHandler.Checkout, optional)
	orders.GET("/list", s.orderHandler.List, required)
	orders.GET("/count", s.orderHandler.Count, required)
	orders.GET("/:orderId", s.orderHandler.Get, optional)
	orders.POST("/:orderId/cancel", s.orderHandler.Cancel, required)
	orders.POST("/:orderId/status", s.orderHandler.AdvanceStatus, required, authmw.RequireRole(auth.RoleOperator))

	// -------- payments --------
	payments := api.Group("/payments")
	payments.POST("/prepare", s.paymentHandler.Prepare, optional)
	payments.POST("/verify", s.paymentHandler.Verify, optional)
	payments.POST("/cancel", s.paymentHandler.Cancel, required)
	payments.POST("/:impUid/cancel", s.paymentHandler.CancelByImpUID, required)
	payments.GET("/:paymentId", s.paymentHandler.GetStatus, required)

	// -------- pg webhooks --------
	payments.POST("/webhook", s.paymentHandler.Webhook)
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
