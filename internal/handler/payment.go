package handler

import (
	"commerce-reconciler/internal/dto"
	"commerce-reconciler/internal/middleware"
	"commerce-reconciler/internal/service"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type PaymentHandler struct {
	paymentService service.PaymentService
	log            *zap.Logger
}

func NewPaymentHandler(paymentService service.PaymentService, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
		log:            log,
	}
}

func (h *PaymentHandler) Prepare(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.PrepareRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	resp, err := h.paymentService.PreparePayment(ctx, middleware.UserID(c), &req)
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusOK, dto.OK("payment prepared", resp))
}

func (h *PaymentHandler) Verify(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.VerifyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	resp, err := h.paymentService.VerifyPayment(ctx, req.ImpUID, req.MerchantUID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return verifyResult(c, resp)
}

// verifyResult reports a refused charge as 400 with the recorded outcome.
func verifyResult(c echo.Context, resp *dto.VerifyResponse) error {
	if !resp.Success {
		return c.JSON(http.StatusBadRequest, dto.Response{
			Success:   false,
			Message:   resp.Message,
			Data:      resp,
			ErrorCode: service.ErrorCodePaymentFailed,
		})
	}
	return c.JSON(http.StatusOK, dto.OK(resp.Message, resp))
}

func (h *PaymentHandler) Cancel(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.CancelPaymentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	result, err := h.paymentService.CancelPayment(ctx, middleware.UserID(c), &req)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return cancelResult(c, result)
}

func (h *PaymentHandler) CancelByImpUID(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	result, err := h.paymentService.CancelPaymentByImpUID(ctx, middleware.UserID(c), c.Param("impUid"), req.Reason)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return cancelResult(c, result)
}

func cancelResult(c echo.Context, result *dto.CancelPaymentResult) error {
	if !result.Success {
		return c.JSON(http.StatusBadRequest, dto.Response{
			Success:   false,
			Message:   result.Message,
			Data:      result,
			ErrorCode: result.ErrorCode,
		})
	}
	return c.JSON(http.StatusOK, dto.OK(result.Message, result))
}

func (h *PaymentHandler) GetStatus(c echo.Context) error {
	ctx := c.Request().Context()

	status, err := h.paymentService.GetPaymentStatus(ctx, c.Param("paymentId"), middleware.UserID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusOK, dto.OK("", status))
}

// Webhook answers 200 for every business outcome so the PG stops
// redelivering. Internal failures and an unreachable PG return 500, which
// the PG retries.
func (h *PaymentHandler) Webhook(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.WebhookRequest
	if err := c.Bind(&req); err != nil {
		h.log.Warn("malformed webhook body", zap.Error(err))
		return c.JSON(http.StatusOK, dto.Fail("invalid webhook body", "VALIDATION_ERROR"))
	}

	h.log.Info("pg webhook received",
		zap.String("imp_uid", req.ImpUID),
		zap.String("merchant_uid", req.MerchantUID),
		zap.String("status", req.Status))

	resp, err := h.paymentService.HandleWebhook(ctx, &req)
	if err != nil {
		if kind := service.KindOf(err); kind == service.KindInternal || kind == service.KindUpstream {
			h.log.Error("webhook processing failed", zap.String("imp_uid", req.ImpUID), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, dto.Fail("internal server error", "INTERNAL_ERROR"))
		}
		h.log.Warn("webhook rejected", zap.String("imp_uid", req.ImpUID), zap.Error(err))
		return c.JSON(http.StatusOK, dto.Response{Success: false, Message: err.Error()})
	}

	if resp == nil {
		return c.JSON(http.StatusOK, dto.Response{Success: true, Message: "ignored"})
	}
	return c.JSON(http.StatusOK, dto.Response{Success: resp.Success, Message: resp.Message})
}
