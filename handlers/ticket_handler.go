package handlers

import (
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	pbmodels "github.com/pocketbase/pocketbase/models"

	"festival-gate/models"
	"festival-gate/qr"
	"festival-gate/services"
)

type TicketHandler struct {
	app        *pocketbase.PocketBase
	store      *services.TicketStore
	redemption *services.RedemptionService
}

func NewTicketHandler(app *pocketbase.PocketBase, store *services.TicketStore, redemption *services.RedemptionService) *TicketHandler {
	return &TicketHandler{
		app:        app,
		store:      store,
		redemption: redemption,
	}
}

// Reserve creates a pending ticket the visitor pays for at the gate.
func (h *TicketHandler) Reserve(c echo.Context) error {
	authRecord, _ := c.Get(apis.ContextAuthRecordKey).(*pbmodels.Record)
	if authRecord == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		Kids   int `json:"kids"`
		Adults int `json:"adults"`
	}
	if err := c.Bind(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	ticket, err := h.redemption.Reserve(c.Request().Context(), services.CurrentUser(authRecord), req.Kids, req.Adults)
	if err != nil {
		return toAPIError(err, "Failed to reserve ticket")
	}

	return c.JSON(http.StatusOK, ticket)
}

func (h *TicketHandler) Mine(c echo.Context) error {
	authRecord, _ := c.Get(apis.ContextAuthRecordKey).(*pbmodels.Record)
	if authRecord == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	tickets := h.store.ListForUser(authRecord.Id)

	return c.JSON(http.StatusOK, map[string]any{
		"tickets": tickets,
		"active":  h.store.FindActiveForUser(authRecord.Id),
	})
}

func (h *TicketHandler) Get(c echo.Context) error {
	authRecord, _ := c.Get(apis.ContextAuthRecordKey).(*pbmodels.Record)
	if authRecord == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	ticket := h.store.FindByID(c.PathParam("id"))
	if ticket == nil {
		return apis.NewNotFoundError("Ticket not found", nil)
	}
	if !canViewTicket(authRecord, ticket) {
		return apis.NewForbiddenError("Not your ticket", nil)
	}

	return c.JSON(http.StatusOK, ticket)
}

// TicketQR renders the ticket's redemption code as a PNG.
func (h *TicketHandler) TicketQR(c echo.Context) error {
	authRecord, _ := c.Get(apis.ContextAuthRecordKey).(*pbmodels.Record)
	if authRecord == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	ticket := h.store.FindByID(c.PathParam("id"))
	if ticket == nil {
		return apis.NewNotFoundError("Ticket not found", nil)
	}
	if !canViewTicket(authRecord, ticket) {
		return apis.NewForbiddenError("Not your ticket", nil)
	}

	png, err := qr.RenderPNG(ticket.Code)
	if err != nil {
		return apis.NewBadRequestError("Failed to render QR", err)
	}

	return c.Blob(http.StatusOK, "image/png", png)
}

// MyQR renders the caller's long-lived identity code as a PNG. The
// stored code is preferred; a missing one is encoded on the fly.
func (h *TicketHandler) MyQR(c echo.Context) error {
	authRecord, _ := c.Get(apis.ContextAuthRecordKey).(*pbmodels.Record)
	if authRecord == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	code := authRecord.GetString("qr_code")
	if code == "" {
		code = qr.EncodeUserCode(authRecord.Id, authRecord.GetString("name"), authRecord.Email())
	}

	png, err := qr.RenderPNG(code)
	if err != nil {
		return apis.NewBadRequestError("Failed to render QR", err)
	}

	return c.Blob(http.StatusOK, "image/png", png)
}

func canViewTicket(authRecord *pbmodels.Record, ticket *models.Ticket) bool {
	return ticket.UserID == authRecord.Id || authRecord.GetBool("is_seller")
}
