package handler

import (
	"commerce-reconciler/internal/dto"
	"commerce-reconciler/internal/middleware"
	"commerce-reconciler/internal/model"
	"commerce-reconciler/internal/service"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type OrderHandler struct {
	orderService service.OrderService
	log          *zap.Logger
}

func NewOrderHandler(orderService service.OrderService, log *zap.Logger) *OrderHandler {
	return &OrderHandler{
		orderService: orderService,
		log:          log,
	}
}

func (h *OrderHandler) Checkout(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.CheckoutRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	order, err := h.orderService.CreateOrder(ctx, middleware.UserID(c), &req)
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusCreated, dto.OK("order created", order))
}

func (h *OrderHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	orders, err := h.orderService.ListOrders(ctx, middleware.UserID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusOK, dto.OK("", orders))
}

func (h *OrderHandler) Count(c echo.Context) error {
	ctx := c.Request().Context()

	count, err := h.orderService.CountOrders(ctx, middleware.UserID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusOK, dto.OK("", dto.OrderCount{Count: count}))
}

func (h *OrderHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	order, err := h.orderService.GetOrderDetail(ctx, c.Param("orderId"), middleware.UserID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusOK, dto.OK("", order))
}

// Cancel answers 202 when the order is recorded for cancellation but the
// refund has not gone through yet.
func (h *OrderHandler) Cancel(c echo.Context) error {
	ctx := c.Request().Context()
	userID := middleware.UserID(c)
	orderID := c.Param("orderId")

	var req dto.CancelOrderRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if req.UserID != "" && req.UserID != userID {
		return c.JSON(http.StatusForbidden, dto.Fail("user id does not match the authenticated user", "FORBIDDEN"))
	}
	if req.OrderID != "" && req.OrderID != orderID {
		return badRequest(c, "order id in body does not match the path")
	}
	req.OrderID = orderID
	req.UserID = userID

	resp, err := h.orderService.CancelOrder(ctx, &req)
	if err != nil {
		return respondError(c, h.log, err)
	}

	if resp.RefundStatus == string(model.RefundStatusPending) {
		return c.JSON(http.StatusAccepted, dto.OK(resp.Message, resp))
	}
	return c.JSON(http.StatusOK, dto.OK(resp.Message, resp))
}

func (h *OrderHandler) AdvanceStatus(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.AdvanceStatusRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	order, err := h.orderService.AdvanceStatus(ctx, c.Param("orderId"), &req)
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusOK, dto.OK("order status updated", order))
}
