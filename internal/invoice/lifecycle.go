package invoice

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/tenant"
)

// Finalize moves a draft invoice to FINALIZED and stamps finalized_at. A
// second call fails with a FinalizedStateError.
func (g *Generator) Finalize(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID) (*db.Invoice, error) {
	return g.transition(ctx, scope, invoiceID, db.InvoiceDraft, db.InvoiceFinalized, "Invoice finalized")
}

// MarkPaid moves a finalized invoice to PAID.
func (g *Generator) MarkPaid(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID) (*db.Invoice, error) {
	return g.transition(ctx, scope, invoiceID, db.InvoiceFinalized, db.InvoicePaid, "Invoice marked as paid")
}

func (g *Generator) transition(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID, from, to db.InvoiceStatus, description string) (*db.Invoice, error) {
	var result *db.Invoice
	err := g.store.RunInTx(ctx, func(ctx context.Context) error {
		inv, err := g.store.LockInvoice(ctx, scope, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != from {
			if !inv.Status.Mutable() {
				return apperr.Finalized(inv.ID.String(), string(inv.Status))
			}
			return apperr.Validation("status", "invoice %s must be %s before it can be %s", inv.ID, from, to)
		}

		now := g.now().UTC()
		ok, err := g.store.TransitionInvoice(ctx, scope, inv.ID, from, to, now)
		if err != nil {
			return fmt.Errorf("failed to update invoice status: %w", err)
		}
		if !ok {
			return apperr.Finalized(inv.ID.String(), string(to))
		}

		inv.Status, inv.UpdatedAt = to, now
		switch to {
		case db.InvoiceFinalized:
			inv.FinalizedAt = &now
		case db.InvoicePaid:
			inv.PaidAt = &now
		}
		result = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info("invoice status changed",
		zap.String("invoice_id", result.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	g.record(ctx, result, description, scope.ActorID(), nil)
	return result, nil
}

// UpdateTotal overrides the total of a draft invoice.
func (g *Generator) UpdateTotal(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID, total decimal.Decimal) error {
	return g.store.RunInTx(ctx, func(ctx context.Context) error {
		inv, err := g.lockMutable(ctx, scope, invoiceID)
		if err != nil {
			return err
		}
		if err := g.store.UpdateInvoiceTotal(ctx, inv.ID, total.Round(2), g.now().UTC()); err != nil {
			return fmt.Errorf("failed to update invoice total: %w", err)
		}
		return nil
	})
}

// ReplaceItems swaps the items of a draft invoice; the total follows the items.
func (g *Generator) ReplaceItems(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID, items []db.InvoiceItem) error {
	return g.store.RunInTx(ctx, func(ctx context.Context) error {
		inv, err := g.lockMutable(ctx, scope, invoiceID)
		if err != nil {
			return err
		}
		now := g.now().UTC()
		replaced := make([]db.InvoiceItem, len(items))
		for i, it := range items {
			if it.ID == uuid.Nil {
				it.ID = uuid.New()
			}
			it.InvoiceID = inv.ID
			if it.CreatedAt.IsZero() {
				it.CreatedAt = now
			}
			replaced[i] = it
		}
		if err := g.store.ReplaceInvoiceItems(ctx, inv.ID, replaced, sumItems(replaced), now); err != nil {
			return fmt.Errorf("failed to replace invoice items: %w", err)
		}
		return nil
	})
}

// DeleteItem removes one item from a draft invoice.
func (g *Generator) DeleteItem(ctx context.Context, scope tenant.Scope, invoiceID, itemID uuid.UUID) error {
	return g.store.RunInTx(ctx, func(ctx context.Context) error {
		inv, err := g.lockMutable(ctx, scope, invoiceID)
		if err != nil {
			return err
		}
		var remaining []db.InvoiceItem
		found := false
		for _, it := range inv.Items {
			if it.ID == itemID {
				found = true
				continue
			}
			remaining = append(remaining, it)
		}
		if !found {
			return apperr.NotFound("invoice item", itemID.String())
		}
		if err := g.store.DeleteInvoiceItem(ctx, inv.ID, itemID, sumItems(remaining), g.now().UTC()); err != nil {
			return fmt.Errorf("failed to delete invoice item: %w", err)
		}
		return nil
	})
}

// Get loads an invoice with its items.
func (g *Generator) Get(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID) (*db.Invoice, error) {
	return g.store.GetInvoice(ctx, scope, invoiceID)
}

func (g *Generator) lockMutable(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID) (*db.Invoice, error) {
	inv, err := g.store.LockInvoice(ctx, scope, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Status.Mutable() {
		return nil, apperr.Finalized(inv.ID.String(), string(inv.Status))
	}
	return inv, nil
}
