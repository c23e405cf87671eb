package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"festival-gate/internal/status"
	"festival-gate/models"
	"festival-gate/utils"
)

// SaleService records confirmed gate commits for the seller's history
// and end-of-shift summary.
type SaleService struct {
	backend Backend
	timeout time.Duration
}

func NewSaleService(backend Backend, storeTimeout time.Duration) *SaleService {
	return &SaleService{backend: backend, timeout: storeTimeout}
}

// Record persists one sale. Failing to record history must not undo an
// already committed ticket mutation, so callers treat errors here as
// log-and-continue.
func (s *SaleService) Record(ctx context.Context, sale *models.Sale) error {
	if sale.ID == "" {
		suffix, err := utils.GenerateCode(4)
		if err != nil {
			return err
		}
		sale.ID = fmt.Sprintf("SALE-%d-%s", sale.SaleDate.UnixMilli(), suffix)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.backend.SaveSale(ctx, sale); err != nil {
		return fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SaleService) ListBySeller(ctx context.Context, sellerID string, day time.Time) ([]*models.Sale, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sales, err := s.backend.ListSalesBySeller(ctx, sellerID, day)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}
	return sales, nil
}

// Summary aggregates a seller's day: totals per payment method and
// overall, for the end-of-shift reconciliation screen.
func (s *SaleService) Summary(ctx context.Context, sellerID string, day time.Time) (*models.ShiftSummary, error) {
	sales, err := s.ListBySeller(ctx, sellerID, day)
	if err != nil {
		return nil, err
	}

	summary := &models.ShiftSummary{
		SellerID:   sellerID,
		Day:        day.Format("2006-01-02"),
		CashTotal:  decimal.Zero,
		CardTotal:  decimal.Zero,
		BankTotal:  decimal.Zero,
		GrandTotal: decimal.Zero,
	}

	for _, sale := range sales {
		summary.SaleCount++
		summary.Kids += sale.Kids
		summary.Adults += sale.Adults
		summary.GrandTotal = summary.GrandTotal.Add(sale.Amount)

		switch sale.PaymentMethod {
		case PaymentMethodCash:
			summary.CashTotal = summary.CashTotal.Add(sale.Amount)
		case PaymentMethodCard:
			summary.CardTotal = summary.CardTotal.Add(sale.Amount)
		case PaymentMethodBankQR:
			summary.BankTotal = summary.BankTotal.Add(sale.Amount)
		default:
			log.Printf("Sale %s has unknown payment method %q", sale.ID, sale.PaymentMethod)
		}
	}
	return summary, nil
}
