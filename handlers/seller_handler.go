package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	pbmodels "github.com/pocketbase/pocketbase/models"

	"festival-gate/services"
)

type SellerHandler struct {
	app   *pocketbase.PocketBase
	sales *services.SaleService
}

func NewSellerHandler(app *pocketbase.PocketBase, sales *services.SaleService) *SellerHandler {
	return &SellerHandler{
		app:   app,
		sales: sales,
	}
}

// Sales lists the caller's recorded sales for a day, newest first.
// The day defaults to today; override with ?day=2026-08-29.
func (h *SellerHandler) Sales(c echo.Context) error {
	authRecord, err := h.sellerRecord(c)
	if err != nil {
		return err
	}

	day, err := dayParam(c)
	if err != nil {
		return err
	}

	sales, err := h.sales.ListBySeller(c.Request().Context(), authRecord.Id, day)
	if err != nil {
		return toAPIError(err, "Failed to list sales")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"day":   day.Format("2006-01-02"),
		"sales": sales,
	})
}

// Summary aggregates the caller's shift: sale count, guest counts and
// totals split by payment method.
func (h *SellerHandler) Summary(c echo.Context) error {
	authRecord, err := h.sellerRecord(c)
	if err != nil {
		return err
	}

	day, err := dayParam(c)
	if err != nil {
		return err
	}

	summary, err := h.sales.Summary(c.Request().Context(), authRecord.Id, day)
	if err != nil {
		return toAPIError(err, "Failed to build summary")
	}

	return c.JSON(http.StatusOK, summary)
}

func (h *SellerHandler) sellerRecord(c echo.Context) (*pbmodels.Record, error) {
	authRecord, _ := c.Get(apis.ContextAuthRecordKey).(*pbmodels.Record)
	if authRecord == nil {
		return nil, apis.NewUnauthorizedError("Unauthorized", nil)
	}
	if !authRecord.GetBool("is_seller") {
		return nil, apis.NewForbiddenError("Seller account required", nil)
	}
	return authRecord, nil
}

func dayParam(c echo.Context) (time.Time, error) {
	raw := c.QueryParam("day")
	if raw == "" {
		return time.Now(), nil
	}
	day, err := time.ParseInLocation("2006-01-02", raw, time.Local)
	if err != nil {
		return time.Time{}, apis.NewBadRequestError("Invalid day, expected YYYY-MM-DD", err)
	}
	return day, nil
}
