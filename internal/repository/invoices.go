package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/tenant"
)

const invoiceColumns = `id, tenant_id, tenant_renter_id, invoice_number, billing_period_start, billing_period_end,
	due_date, status, total_amount, finalized_at, paid_at, created_at, updated_at`

const itemColumns = `id, invoice_id, description, quantity, unit, unit_price, total, tariff_snapshot, reading_summary, created_at`

func scanInvoice(row pgx.Row) (*db.Invoice, error) {
	var inv db.Invoice
	if err := row.Scan(&inv.ID, &inv.TenantID, &inv.TenantRenterID, &inv.InvoiceNumber,
		&inv.BillingPeriodStart, &inv.BillingPeriodEnd, &inv.DueDate, &inv.Status, &inv.TotalAmount,
		&inv.FinalizedAt, &inv.PaidAt, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	return &inv, nil
}

// InsertInvoice inserts an invoice header together with its items
func (r *Repository) InsertInvoice(ctx context.Context, inv *db.Invoice) error {
	return r.RunInTx(ctx, func(ctx context.Context) error {
		_, err := r.q(ctx).Exec(ctx,
			`INSERT INTO invoices (`+invoiceColumns+`)
			VALUES ($1, $2, $3, $4, $5::date, $6::date, $7::date, $8, $9, $10, $11, $12, $13)`,
			inv.ID, inv.TenantID, inv.TenantRenterID, inv.InvoiceNumber, inv.BillingPeriodStart, inv.BillingPeriodEnd,
			inv.DueDate, inv.Status, inv.TotalAmount, inv.FinalizedAt, inv.PaidAt, inv.CreatedAt, inv.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert invoice: %w", err)
		}
		return r.insertItems(ctx, inv.ID, inv.Items)
	})
}

func (r *Repository) insertItems(ctx context.Context, invoiceID uuid.UUID, items []db.InvoiceItem) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`INSERT INTO invoice_items (`+itemColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			it.ID, invoiceID, it.Description, it.Quantity, it.Unit, it.UnitPrice, it.Total,
			it.TariffSnapshot, it.ReadingSummary, it.CreatedAt)
	}
	if err := r.q(ctx).SendBatch(ctx, batch).Close(); err != nil {
		return mapWriteError(err, invoiceID.String())
	}
	return nil
}

func (r *Repository) loadItems(ctx context.Context, inv *db.Invoice) error {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+itemColumns+` FROM invoice_items WHERE invoice_id = $1 ORDER BY created_at, id`, inv.ID)
	if err != nil {
		return fmt.Errorf("failed to query invoice items: %w", err)
	}
	defer rows.Close()

	inv.Items = nil
	for rows.Next() {
		var it db.InvoiceItem
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.Description, &it.Quantity, &it.Unit, &it.UnitPrice,
			&it.Total, &it.TariffSnapshot, &it.ReadingSummary, &it.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan invoice item: %w", err)
		}
		inv.Items = append(inv.Items, it)
	}
	return rows.Err()
}

func (r *Repository) getInvoice(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID, lock bool) (*db.Invoice, error) {
	bypass, tenantID := scoped(scope)
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1 AND ($2 OR tenant_id = $3)`
	if lock {
		query += ` FOR UPDATE`
	}
	inv, err := scanInvoice(r.q(ctx).QueryRow(ctx, query, invoiceID, bypass, tenantID))
	if err != nil {
		return nil, notFound(err, "invoice", invoiceID.String())
	}
	if err := r.loadItems(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// GetInvoice loads an invoice and its items
func (r *Repository) GetInvoice(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID) (*db.Invoice, error) {
	return r.getInvoice(ctx, scope, invoiceID, false)
}

// LockInvoice loads an invoice and its items under a row lock
func (r *Repository) LockInvoice(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID) (*db.Invoice, error) {
	return r.getInvoice(ctx, scope, invoiceID, true)
}

// TransitionInvoice performs a compare-and-set on the invoice status
func (r *Repository) TransitionInvoice(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID, from, to db.InvoiceStatus, at time.Time) (bool, error) {
	bypass, tenantID := scoped(scope)
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE invoices SET status = $3, updated_at = $4,
			finalized_at = CASE WHEN $3::text = 'finalized' THEN $4 ELSE finalized_at END,
			paid_at = CASE WHEN $3::text = 'paid' THEN $4 ELSE paid_at END
		WHERE id = $1 AND status = $2 AND ($5 OR tenant_id = $6)`,
		invoiceID, from, to, at, bypass, tenantID)
	if err != nil {
		return false, mapWriteError(err, invoiceID.String())
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateInvoiceTotal stores a new total on a draft invoice
func (r *Repository) UpdateInvoiceTotal(ctx context.Context, invoiceID uuid.UUID, total decimal.Decimal, at time.Time) error {
	_, err := r.q(ctx).Exec(ctx,
		`UPDATE invoices SET total_amount = $2, updated_at = $3 WHERE id = $1`,
		invoiceID, total, at)
	if err != nil {
		return mapWriteError(err, invoiceID.String())
	}
	return nil
}

// ReplaceInvoiceItems swaps every item of a draft invoice and stores the new total
func (r *Repository) ReplaceInvoiceItems(ctx context.Context, invoiceID uuid.UUID, items []db.InvoiceItem, total decimal.Decimal, at time.Time) error {
	return r.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := r.q(ctx).Exec(ctx, `DELETE FROM invoice_items WHERE invoice_id = $1`, invoiceID); err != nil {
			return mapWriteError(err, invoiceID.String())
		}
		if err := r.insertItems(ctx, invoiceID, items); err != nil {
			return err
		}
		return r.UpdateInvoiceTotal(ctx, invoiceID, total, at)
	})
}

// DeleteInvoiceItem removes one item of a draft invoice and stores the new total
func (r *Repository) DeleteInvoiceItem(ctx context.Context, invoiceID, itemID uuid.UUID, total decimal.Decimal, at time.Time) error {
	return r.RunInTx(ctx, func(ctx context.Context) error {
		_, err := r.q(ctx).Exec(ctx,
			`DELETE FROM invoice_items WHERE id = $1 AND invoice_id = $2`, itemID, invoiceID)
		if err != nil {
			return mapWriteError(err, invoiceID.String())
		}
		return r.UpdateInvoiceTotal(ctx, invoiceID, total, at)
	})
}
