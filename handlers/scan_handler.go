package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	pbmodels "github.com/pocketbase/pocketbase/models"

	"festival-gate/internal/status"
	"festival-gate/models"
	"festival-gate/services"
)

// ScanHandler drives the gate flow: resolve a scanned code, quote the
// sale, settle money when due, commit.
type ScanHandler struct {
	app        *pocketbase.PocketBase
	redemption *services.RedemptionService
	payments   *services.PaymentService

	webhookSecretHash string
}

func NewScanHandler(app *pocketbase.PocketBase, redemption *services.RedemptionService, payments *services.PaymentService, webhookSecretHash string) *ScanHandler {
	return &ScanHandler{
		app:        app,
		redemption: redemption,
		payments:   payments,

		webhookSecretHash: webhookSecretHash,
	}
}

func (h *ScanHandler) Scan(c echo.Context) error {
	authRecord, _ := c.Get(apis.ContextAuthRecordKey).(*pbmodels.Record)
	if authRecord == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		DeviceID string `json:"device_id"`
		Code     string `json:"code"`
	}
	if err := c.Bind(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.DeviceID == "" || req.Code == "" {
		return apis.NewBadRequestError("device_id and code are required", nil)
	}

	result, err := h.redemption.Resolve(c.Request().Context(), req.DeviceID, req.Code)
	if err != nil {
		return toAPIError(err, "Failed to resolve scan")
	}

	return c.JSON(http.StatusOK, result)
}

func (h *ScanHandler) Quote(c echo.Context) error {
	authRecord, _ := c.Get(apis.ContextAuthRecordKey).(*pbmodels.Record)
	if authRecord == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		Result      *models.ScanResult `json:"result"`
		AddedKids   int                `json:"added_kids"`
		AddedAdults int                `json:"added_adults"`
	}
	if err := c.Bind(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.Result == nil {
		return apis.NewBadRequestError("result is required", nil)
	}

	quote, err := h.redemption.QuoteFor(req.Result, req.AddedKids, req.AddedAdults)
	if err != nil {
		return toAPIError(err, "Failed to build quote")
	}

	return c.JSON(http.StatusOK, quote)
}

func (h *ScanHandler) Confirm(c echo.Context) error {
	authRecord, _ := c.Get(apis.ContextAuthRecordKey).(*pbmodels.Record)
	if authRecord == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		DeviceID      string        `json:"device_id"`
		Quote         *models.Quote `json:"quote"`
		PaymentMethod string        `json:"payment_method"`
	}
	if err := c.Bind(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.DeviceID == "" || req.Quote == nil {
		return apis.NewBadRequestError("device_id and quote are required", nil)
	}

	ticket, err := h.redemption.Commit(c.Request().Context(), req.DeviceID, req.Quote, req.PaymentMethod, authRecord.Id)
	if err != nil {
		return toAPIError(err, "Failed to commit sale")
	}

	return c.JSON(http.StatusOK, ticket)
}

func (h *ScanHandler) Cancel(c echo.Context) error {
	authRecord, _ := c.Get(apis.ContextAuthRecordKey).(*pbmodels.Record)
	if authRecord == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := c.Bind(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	h.redemption.Cancel(c.Request().Context(), req.DeviceID)

	return c.JSON(http.StatusOK, map[string]any{"message": "Scan cancelled"})
}

// PaymentQR opens a bank_qr settlement session for a quoted sale.
func (h *ScanHandler) PaymentQR(c echo.Context) error {
	authRecord, _ := c.Get(apis.ContextAuthRecordKey).(*pbmodels.Record)
	if authRecord == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		DeviceID string        `json:"device_id"`
		Quote    *models.Quote `json:"quote"`
	}
	if err := c.Bind(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.DeviceID == "" || req.Quote == nil {
		return apis.NewBadRequestError("device_id and quote are required", nil)
	}

	session, err := h.payments.CreatePaymentQR(c.Request().Context(), req.DeviceID, req.Quote)
	if err != nil {
		return toAPIError(err, "Failed to create payment QR")
	}

	return c.JSON(http.StatusOK, session)
}

// PaymentStatus reports a settlement session; pass verify=1 to force a
// gateway recheck when the push notification is late.
func (h *ScanHandler) PaymentStatus(c echo.Context) error {
	authRecord, _ := c.Get(apis.ContextAuthRecordKey).(*pbmodels.Record)
	if authRecord == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	paymentID := c.PathParam("id")

	var st string
	var err error
	if c.QueryParam("verify") == "1" {
		st, err = h.payments.VerifyPayment(c.Request().Context(), paymentID)
	} else {
		st, err = h.payments.PaymentStatus(c.Request().Context(), paymentID)
	}
	if err != nil {
		return toAPIError(err, "Failed to check payment")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"payment_id": paymentID,
		"status":     st,
	})
}

// PaymentWebhook is the gateway's HTTP fallback for settlement
// notifications, authenticated by the shared webhook secret.
func (h *ScanHandler) PaymentWebhook(c echo.Context) error {
	secret := c.Request().Header.Get("X-Webhook-Secret")
	if !services.VerifyWebhookSecret(h.webhookSecretHash, secret) {
		return apis.NewUnauthorizedError("Invalid webhook secret", nil)
	}

	var tran status.Transaction
	if err := c.Bind(&tran); err != nil {
		return apis.NewBadRequestError("Invalid notification", err)
	}
	if tran.UUID == "" {
		return apis.NewBadRequestError("uuid is required", nil)
	}

	h.payments.Settle(c.Request().Context(), &tran)

	return c.JSON(http.StatusOK, map[string]any{"message": "ok"})
}

// toAPIError maps service sentinels onto HTTP error responses.
func toAPIError(err error, fallback string) error {
	switch {
	case errors.Is(err, status.ErrNotFound):
		return apis.NewNotFoundError("Ticket not found", err)

	case errors.Is(err, status.ErrScanInFlight),
		errors.Is(err, status.ErrConcurrentModification),
		errors.Is(err, status.ErrDuplicateID),
		errors.Is(err, status.ErrTicketExists):
		return apis.NewApiError(http.StatusConflict, err.Error(), nil)

	case errors.Is(err, status.ErrInvalidQuote),
		errors.Is(err, status.ErrPaymentRequired),
		errors.Is(err, status.ErrTargetUserUnresolved):
		return apis.NewBadRequestError(err.Error(), nil)

	case errors.Is(err, status.ErrStoreUnavailable):
		return apis.NewApiError(http.StatusServiceUnavailable, "Store temporarily unavailable", nil)

	default:
		return apis.NewBadRequestError(fallback, err)
	}
}
