package database

import (
	"context"
	"time"
)

// Invoice is a paid provider invoice. Rows are inserted once and never updated.
type Invoice struct {
	ProviderInvoiceID      string
	UserID                 string
	ProviderSubscriptionID string
	Amount                 int64 // minor currency units
	Currency               string
	Status                 string
	IssuedAt               time.Time
	PDFURL                 string
	HostedURL              string
}

// ListInvoices returns the user's most recent invoices, newest first.
func (db *DB) ListInvoices(ctx context.Context, userID string, limit int) ([]Invoice, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := db.pool.Query(ctx,
		`SELECT provider_invoice_id, user_id, COALESCE(provider_subscription_id, ''), amount, currency,
		        status, issued_at, pdf_url, hosted_url
		 FROM invoices
		 WHERE user_id = $1
		 ORDER BY issued_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(
			&inv.ProviderInvoiceID, &inv.UserID, &inv.ProviderSubscriptionID, &inv.Amount, &inv.Currency,
			&inv.Status, &inv.IssuedAt, &inv.PDFURL, &inv.HostedURL,
		); err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// insertInvoice inserts the invoice unless its provider ID is already stored.
func insertInvoice(ctx context.Context, q querier, inv Invoice) (bool, error) {
	var subID *string
	if inv.ProviderSubscriptionID != "" {
		subID = &inv.ProviderSubscriptionID
	}

	tag, err := q.Exec(ctx,
		`INSERT INTO invoices (
		     provider_invoice_id, user_id, provider_subscription_id, amount, currency,
		     status, issued_at, pdf_url, hosted_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (provider_invoice_id) DO NOTHING`,
		inv.ProviderInvoiceID, inv.UserID, subID, inv.Amount, inv.Currency,
		inv.Status, inv.IssuedAt, inv.PDFURL, inv.HostedURL,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
