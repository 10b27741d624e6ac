package httpgin

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kirinyoku/ticksy/internal/gateway/mpesa"
	"github.com/kirinyoku/ticksy/internal/service"
	"github.com/kirinyoku/ticksy/internal/service/payment"
)

const maxCallbackBytes = 64 << 10

var callbackAccepted = CallbackAck{ResultCode: 0, ResultDesc: "Accepted"}

// @Summary  M-Pesa STK push result
// @Description Acknowledged unless the body is not JSON or the result could
// @Description not be stored, in which case M-Pesa delivers it again.
// @Success  200 {object} CallbackAck
// @Failure  400 {object} ErrorResponse
// @Failure  500 {object} ErrorResponse
// @Router   /payments/mpesa/callback [post]
func handleMpesaCallback(svcs *service.Services, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBytes))
		if err != nil || !json.Valid(body) {
			badRequest(c, "invalid callback body")
			return
		}

		cb, err := mpesa.ParseCallback(body)
		if err != nil {
			// Redelivery will not fix a body we cannot read.
			logger.WarnContext(ctx, "unusable mpesa callback", slog.Any("err", err), slog.String("body", string(body)))
			c.JSON(http.StatusOK, callbackAccepted)
			return
		}

		if err := svcs.Payment.HandleCallback(ctx, payment.FromMpesa(cb)); err != nil {
			logger.ErrorContext(ctx, "mpesa callback not applied",
				slog.String("correlation_key", cb.CheckoutRequestID),
				slog.Int("result_code", cb.ResultCode),
				slog.Any("err", err),
			)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
			return
		}

		c.JSON(http.StatusOK, callbackAccepted)
	}
}
