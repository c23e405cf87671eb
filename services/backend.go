package services

import (
	"context"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase"
	pbmodels "github.com/pocketbase/pocketbase/models"
	"github.com/shopspring/decimal"

	"festival-gate/models"
)

// Backend is the persistence boundary of the ticket store: a replicated
// document store reachable over the network. The store only constrains
// its semantics (all-fields-atomic saves), not the wire protocol.
type Backend interface {
	LoadTickets(ctx context.Context) ([]*models.Ticket, error)
	SaveTicket(ctx context.Context, t *models.Ticket) error
	SaveSale(ctx context.Context, s *models.Sale) error
	ListSalesBySeller(ctx context.Context, sellerID string, day time.Time) ([]*models.Sale, error)
}

// PBBackend persists tickets and sales into PocketBase collections.
type PBBackend struct {
	app *pocketbase.PocketBase
}

func NewPBBackend(app *pocketbase.PocketBase) *PBBackend {
	return &PBBackend{app: app}
}

func (b *PBBackend) LoadTickets(ctx context.Context) ([]*models.Ticket, error) {
	records, err := b.app.Dao().FindRecordsByFilter(
		"tickets",
		"id != ''",
		"-purchase_date",
		0,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("load tickets: %w", err)
	}

	tickets := make([]*models.Ticket, 0, len(records))
	for _, record := range records {
		tickets = append(tickets, recordToTicket(record))
	}
	return tickets, nil
}

func (b *PBBackend) SaveTicket(ctx context.Context, t *models.Ticket) error {
	dao := b.app.Dao()

	record, err := dao.FindRecordById("tickets", t.ID)
	if err != nil {
		collection, err := dao.FindCollectionByNameOrId("tickets")
		if err != nil {
			return fmt.Errorf("save ticket: %w", err)
		}
		record = pbmodels.NewRecord(collection)
		record.SetId(t.ID)
		record.MarkAsNew()
	}

	record.Set("user_id", t.UserID)
	record.Set("user_name", t.UserName)
	record.Set("user_email", t.UserEmail)
	record.Set("code", t.Code)
	record.Set("status", t.Status)
	record.Set("kids", t.Kids)
	record.Set("adults", t.Adults)
	record.Set("total_amount", t.TotalAmount.InexactFloat64())
	record.Set("purchase_date", t.PurchaseDate)
	record.Set("expiry_date", t.ExpiryDate)
	record.Set("payment_method", t.PaymentMethod)
	record.Set("issuer_id", t.IssuerID)
	record.Set("version", t.Version)

	if err := dao.SaveRecord(record); err != nil {
		return fmt.Errorf("save ticket %s: %w", t.ID, err)
	}
	return nil
}

func (b *PBBackend) SaveSale(ctx context.Context, s *models.Sale) error {
	dao := b.app.Dao()

	collection, err := dao.FindCollectionByNameOrId("sales")
	if err != nil {
		return fmt.Errorf("save sale: %w", err)
	}

	record := pbmodels.NewRecord(collection)
	record.SetId(s.ID)
	record.MarkAsNew()
	record.Set("ticket_id", s.TicketID)
	record.Set("seller_id", s.SellerID)
	record.Set("customer_name", s.CustomerName)
	record.Set("kids", s.Kids)
	record.Set("adults", s.Adults)
	record.Set("amount", s.Amount.InexactFloat64())
	record.Set("payment_method", s.PaymentMethod)
	record.Set("sale_date", s.SaleDate)

	if err := dao.SaveRecord(record); err != nil {
		return fmt.Errorf("save sale %s: %w", s.ID, err)
	}
	return nil
}

func (b *PBBackend) ListSalesBySeller(ctx context.Context, sellerID string, day time.Time) ([]*models.Sale, error) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	to := from.Add(24 * time.Hour)

	records, err := b.app.Dao().FindRecordsByFilter(
		"sales",
		"seller_id = {:seller} && sale_date >= {:from} && sale_date < {:to}",
		"-sale_date",
		0,
		0,
		dbx.Params{"seller": sellerID, "from": from.UTC(), "to": to.UTC()},
	)
	if err != nil {
		return nil, fmt.Errorf("list sales for %s: %w", sellerID, err)
	}

	sales := make([]*models.Sale, 0, len(records))
	for _, record := range records {
		sales = append(sales, &models.Sale{
			ID:            record.Id,
			TicketID:      record.GetString("ticket_id"),
			SellerID:      record.GetString("seller_id"),
			CustomerName:  record.GetString("customer_name"),
			Kids:          record.GetInt("kids"),
			Adults:        record.GetInt("adults"),
			Amount:        decimal.NewFromFloat(record.GetFloat("amount")),
			PaymentMethod: record.GetString("payment_method"),
			SaleDate:      record.GetDateTime("sale_date").Time(),
		})
	}
	return sales, nil
}

func recordToTicket(record *pbmodels.Record) *models.Ticket {
	return &models.Ticket{
		ID:            record.Id,
		UserID:        record.GetString("user_id"),
		UserName:      record.GetString("user_name"),
		UserEmail:     record.GetString("user_email"),
		Code:          record.GetString("code"),
		Status:        record.GetString("status"),
		Kids:          record.GetInt("kids"),
		Adults:        record.GetInt("adults"),
		TotalAmount:   decimal.NewFromFloat(record.GetFloat("total_amount")),
		PurchaseDate:  record.GetDateTime("purchase_date").Time(),
		ExpiryDate:    record.GetDateTime("expiry_date").Time(),
		PaymentMethod: record.GetString("payment_method"),
		IssuerID:      record.GetString("issuer_id"),
		Version:       int64(record.GetInt("version")),
	}
}
