// Package account provides the account ledger store: lookups and the
// row-locked balance mutations every reservation operation depends on.
package account

import (
    "context"
    "database/sql"

    "github.com/shopspring/decimal"

    "github.com/telecom/billingcore/internal/models"
    "github.com/telecom/billingcore/pkg/billingerr"
)

type Store struct {
    db *sql.DB
}

func NewStore(db *sql.DB) *Store {
    return &Store{db: db}
}

// GetByNumber looks up an account by its external account_number.
func (s *Store) GetByNumber(ctx context.Context, accountNumber string) (*models.Account, error) {
    return scanOne(s.db.QueryRowContext(ctx, `
        SELECT id, account_number, type, balance, credit_limit, currency,
               status, max_concurrent_calls, created_at, updated_at
        FROM accounts WHERE account_number = ?
    `, accountNumber))
}

// GetByID looks up an account by its primary key.
func (s *Store) GetByID(ctx context.Context, id int64) (*models.Account, error) {
    return scanOne(s.db.QueryRowContext(ctx, `
        SELECT id, account_number, type, balance, credit_limit, currency,
               status, max_concurrent_calls, created_at, updated_at
        FROM accounts WHERE id = ?
    `, id))
}

// List returns accounts ordered by id, for CLI inspection.
func (s *Store) List(ctx context.Context, limit int) ([]models.Account, error) {
    rows, err := s.db.QueryContext(ctx, `
        SELECT id, account_number, type, balance, credit_limit, currency,
               status, max_concurrent_calls, created_at, updated_at
        FROM accounts ORDER BY id LIMIT ?
    `, limit)
    if err != nil {
        return nil, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to list accounts")
    }
    defer rows.Close()

    var out []models.Account
    for rows.Next() {
        var a models.Account
        if err := rows.Scan(&a.ID, &a.AccountNumber, &a.Type, &a.Balance, &a.CreditLimit,
            &a.Currency, &a.Status, &a.MaxConcurrentCalls, &a.CreatedAt, &a.UpdatedAt); err != nil {
            return nil, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to scan account")
        }
        out = append(out, a)
    }
    return out, rows.Err()
}

// LockForUpdate re-reads the account row with SELECT ... FOR UPDATE
// inside tx, for use inside a balance-mutating transaction.
func (s *Store) LockForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.Account, error) {
    return scanOne(tx.QueryRowContext(ctx, `
        SELECT id, account_number, type, balance, credit_limit, currency,
               status, max_concurrent_calls, created_at, updated_at
        FROM accounts WHERE id = ? FOR UPDATE
    `, id))
}

func scanOne(row *sql.Row) (*models.Account, error) {
    var a models.Account
    err := row.Scan(&a.ID, &a.AccountNumber, &a.Type, &a.Balance, &a.CreditLimit,
        &a.Currency, &a.Status, &a.MaxConcurrentCalls, &a.CreatedAt, &a.UpdatedAt)
    if err == sql.ErrNoRows {
        return nil, billingerr.New(billingerr.ErrAccountNotFound, "account not found")
    }
    if err != nil {
        return nil, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to scan account")
    }
    return &a, nil
}

// ApplyDelta adjusts the account's balance by delta (positive credits,
// negative debits) inside tx and writes the audit row, returning the
// balance after the mutation. It takes its own row lock, so callers that
// already hold one via LockForUpdate in the same transaction are not
// blocked: MySQL's InnoDB lets a transaction re-acquire a lock it already
// holds.
func ApplyDelta(ctx context.Context, tx *sql.Tx, accountID int64, delta decimal.Decimal,
    reservationID *string, txType models.TransactionType) (decimal.Decimal, error) {

    var newBalance decimal.Decimal
    row := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ? FOR UPDATE`, accountID)
    if err := row.Scan(&newBalance); err != nil {
        return decimal.Zero, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to read balance for update")
    }
    newBalance = newBalance.Add(delta)

    if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE id = ?`, newBalance, accountID); err != nil {
        return decimal.Zero, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to update balance")
    }

    if _, err := tx.ExecContext(ctx, `
        INSERT INTO balance_transactions (account_id, reservation_id, amount, type, balance_after)
        VALUES (?, ?, ?, ?, ?)
    `, accountID, reservationID, delta, txType, newBalance); err != nil {
        return decimal.Zero, billingerr.Wrap(err, billingerr.ErrDatabase, "failed to write balance transaction")
    }

    return newBalance, nil
}
