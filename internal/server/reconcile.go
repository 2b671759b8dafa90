package server

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fieldbooks/fieldbooks/internal/schema"
)

// ReconcileBalances recomputes the running balance on every ledger entry
// for the given customers. With no arguments it reconciles all customers.
//
// The balance column is the only mutable ledger column (the append-only
// triggers permit exactly that change). It is derived state: the running
// total over the customer's entries in global (created_at, id) order, so a
// late-arriving entry that sorts into the past shifts the balance of every
// entry after it. Corrected rows get a fresh server stamp, so devices whose
// download cursor already passed them receive the new balance on their next
// download. Returns the number of rows whose balance changed.
func (s *Store) ReconcileBalances(ctx context.Context, customerIDs ...string) (int, error) {
	if len(customerIDs) == 0 {
		rows, err := s.conn.QueryContext(ctx,
			fmt.Sprintf("SELECT DISTINCT customer_id FROM %s", schema.TableLedgerEntries))
		if err != nil {
			return 0, fmt.Errorf("failed to list ledger customers: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, fmt.Errorf("failed to scan customer id: %w", err)
			}
			customerIDs = append(customerIDs, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return 0, fmt.Errorf("error iterating customers: %w", err)
		}
		rows.Close()
	}

	updated := 0
	for _, customerID := range customerIDs {
		n, err := s.reconcileCustomer(ctx, customerID)
		if err != nil {
			return updated, fmt.Errorf("customer %s: %w", customerID, err)
		}
		updated += n
	}
	return updated, nil
}

// reconcileCustomer walks one customer's entries in (created_at, id) order
// and rewrites any balance that diverges from the running total.
func (s *Store) reconcileCustomer(ctx context.Context, customerID string) (int, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, amount, balance FROM %s
		WHERE customer_id = ?
		ORDER BY created_at ASC, id ASC`, schema.TableLedgerEntries),
		customerID)
	if err != nil {
		return 0, fmt.Errorf("failed to query ledger entries: %w", err)
	}

	type fix struct {
		id      string
		balance string
	}
	var fixes []fix

	running := decimal.Zero
	for rows.Next() {
		var id, amountStr string
		var balance sql.NullString
		if err := rows.Scan(&id, &amountStr, &balance); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan ledger entry: %w", err)
		}

		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("entry %s has invalid amount %q: %w", id, amountStr, err)
		}

		// Invoices raise what the customer owes; payments and downward
		// adjustments carry negative amounts and reduce it.
		running = running.Add(amount)

		want := running.StringFixed(2)
		if !balance.Valid || balance.String != want {
			fixes = append(fixes, fix{id: id, balance: want})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	rows.Close()

	for _, f := range fixes {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET balance = ?, server_updated_at = ? WHERE id = ?",
				schema.TableLedgerEntries),
			f.balance, s.nextServerStamp(), f.id); err != nil {
			return 0, fmt.Errorf("failed to update balance for entry %s: %w", f.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	return len(fixes), nil
}
