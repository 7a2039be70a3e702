package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/itembazaar/bazaar/internal/idgen"
	"github.com/itembazaar/bazaar/internal/points"
)

// PostgresStore implements Store with PostgreSQL.
//
// All mutations run in SERIALIZABLE transactions. CHECK constraints on
// wallet_accounts enforce non-negative balances at the database level, and
// the UNIQUE idempotency_key column on ledger_entries makes replays no-ops.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// pqCode returns the Postgres error code, or "" for non-pq errors.
func pqCode(err error) string {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return string(pe.Code)
	}
	return ""
}

// translate maps low-level Postgres failures to domain errors.
// shortfall is returned for CHECK violations: ErrInsufficientFunds when the
// available balance went negative through a user-facing path, otherwise
// ErrInvariantViolation.
func translate(err error, shortfall error) error {
	switch pqCode(err) {
	case "40001", "40P01": // serialization failure, deadlock
		return ErrConcurrencyConflict
	case "23514": // check_violation
		return shortfall
	}
	return err
}

// seenKey reports whether an idempotency key has already produced an entry.
// Settle suffixes its per-entry keys, so "<key>/debit" is probed as well.
func seenKey(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM ledger_entries
			WHERE idempotency_key IN ($1, $1 || '/debit'))
	`, key).Scan(&exists)
	return exists, err
}

// insertEntry appends one ledger entry inside tx. A duplicate-key failure is
// a concurrent replay of the same idempotency key and is reported as such.
func insertEntry(ctx context.Context, tx *sql.Tx, userID string, kind EntryKind, amount, balanceAfter, txID, key string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, kind, amount, balance_after, transaction_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5::NUMERIC(20,2), NULLIF($6, ''), $7, NOW())
	`, idgen.WithPrefix("led_"), userID, string(kind), amount, balanceAfter, txID, key)
	if err != nil {
		if pqCode(err) == "23505" {
			return errReplayed
		}
		return fmt.Errorf("record %s entry: %w", kind, err)
	}
	return nil
}

// errReplayed signals that the idempotency key raced with another writer;
// the operation is treated as already applied.
var errReplayed = errors.New("idempotency key already applied")

// ensureAccount lazily creates the account row and returns nothing; the
// caller's subsequent UPDATE carries the balance movement.
func ensureAccount(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_accounts (user_id, available, frozen, version, updated_at)
		VALUES ($1, 0, 0, 0, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

// moveBalance applies available/frozen deltas to one account and returns the
// wallet total (available+frozen) after the move.
func moveBalance(ctx context.Context, tx *sql.Tx, userID, availDelta, frozenDelta string) (string, error) {
	var total string
	err := tx.QueryRowContext(ctx, `
		UPDATE wallet_accounts SET
			available  = available + $2::NUMERIC(20,2),
			frozen     = frozen    + $3::NUMERIC(20,2),
			version    = version + 1,
			updated_at = NOW()
		WHERE user_id = $1
		RETURNING (available + frozen)::TEXT
	`, userID, availDelta, frozenDelta).Scan(&total)
	return total, err
}

func neg(amount string) string { return "-" + amount }

func (p *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	acct := &Account{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT available::TEXT, frozen::TEXT, version, updated_at
		FROM wallet_accounts WHERE user_id = $1
	`, userID).Scan(&acct.Available, &acct.Frozen, &acct.Version, &acct.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Account{
			UserID:    userID,
			Available: "0.00",
			Frozen:    "0.00",
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) Deposit(ctx context.Context, userID, amount, key string) error {
	return p.mutate(ctx, key, ErrInvalidAmount, func(tx *sql.Tx) error {
		if err := ensureAccount(ctx, tx, userID); err != nil {
			return err
		}
		total, err := moveBalance(ctx, tx, userID, amount, "0")
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, userID, KindDeposit, amount, total, "", key)
	})
}

func (p *PostgresStore) Freeze(ctx context.Context, userID, amount, txID, key string) error {
	return p.mutate(ctx, key, ErrInsufficientFunds, func(tx *sql.Tx) error {
		if err := ensureAccount(ctx, tx, userID); err != nil {
			return err
		}
		total, err := moveBalance(ctx, tx, userID, neg(amount), amount)
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, userID, KindFreeze, amount, total, txID, key)
	})
}

func (p *PostgresStore) Unfreeze(ctx context.Context, userID, amount, txID, key string) error {
	return p.mutate(ctx, key, ErrInvariantViolation, func(tx *sql.Tx) error {
		total, err := moveBalance(ctx, tx, userID, amount, neg(amount))
		if err == sql.ErrNoRows {
			return ErrInvariantViolation
		}
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, userID, KindUnfreeze, amount, total, txID, key)
	})
}

func (p *PostgresStore) Settle(ctx context.Context, buyerID, sellerID, total, fee, txID, key string) error {
	totalVal, ok := points.Parse(total)
	if !ok {
		return ErrInvalidAmount
	}
	feeVal, ok := points.Parse(fee)
	if !ok {
		return ErrInvalidAmount
	}
	sellerShare := points.Format(new(big.Int).Sub(totalVal, feeVal))

	return p.mutate(ctx, key, ErrInvariantViolation, func(tx *sql.Tx) error {
		// Debit the buyer's frozen total.
		buyerTotal, err := moveBalance(ctx, tx, buyerID, "0", neg(total))
		if err == sql.ErrNoRows {
			return ErrInvariantViolation
		}
		if err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, buyerID, KindDebit, total, buyerTotal, txID, key+"/debit"); err != nil {
			return err
		}

		// Credit the seller with total minus commission.
		if err := ensureAccount(ctx, tx, sellerID); err != nil {
			return err
		}
		sellerTotal, err := moveBalance(ctx, tx, sellerID, sellerShare, "0")
		if err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, sellerID, KindCredit, sellerShare, sellerTotal, txID, key+"/credit"); err != nil {
			return err
		}

		// Platform keeps the commission.
		if feeVal.Sign() > 0 {
			if err := ensureAccount(ctx, tx, PlatformAccount); err != nil {
				return err
			}
			platformTotal, err := moveBalance(ctx, tx, PlatformAccount, fee, "0")
			if err != nil {
				return err
			}
			if err := insertEntry(ctx, tx, PlatformAccount, KindCommission, fee, platformTotal, txID, key+"/commission"); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresStore) Refund(ctx context.Context, userID, amount, txID, key string) error {
	return p.mutate(ctx, key, ErrInvariantViolation, func(tx *sql.Tx) error {
		total, err := moveBalance(ctx, tx, userID, amount, neg(amount))
		if err == sql.ErrNoRows {
			return ErrInvariantViolation
		}
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, userID, KindRefund, amount, total, txID, key)
	})
}

// mutate runs fn inside a SERIALIZABLE transaction with the idempotency-key
// check. shortfall is the domain error for a balance CHECK violation.
func (p *PostgresStore) mutate(ctx context.Context, key string, shortfall error, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	replayed, err := seenKey(ctx, tx, key)
	if err != nil {
		return err
	}
	if replayed {
		return nil
	}

	if err := fn(tx); err != nil {
		if errors.Is(err, errReplayed) {
			return nil
		}
		return translate(err, shortfall)
	}

	if err := tx.Commit(); err != nil {
		return translate(err, shortfall)
	}
	return nil
}

// HasEntry reports whether an idempotency key has already produced an entry.
// Settle suffixes its per-entry keys, so "<key>/debit" is probed as well.
func (p *PostgresStore) HasEntry(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM ledger_entries
			WHERE idempotency_key IN ($1, $1 || '/debit'))
	`, key).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, kind, amount::TEXT, balance_after::TEXT,
		       COALESCE(transaction_id, ''), idempotency_key, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var kind string
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &e.Amount, &e.BalanceAfter, &e.TransactionID, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = EntryKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) ReplaySums(ctx context.Context, userID string) (string, string, error) {
	var available, frozen string
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE kind
				WHEN 'deposit'    THEN amount
				WHEN 'freeze'     THEN -amount
				WHEN 'unfreeze'   THEN amount
				WHEN 'refund'     THEN amount
				WHEN 'credit'     THEN amount
				WHEN 'commission' THEN amount
				ELSE 0 END), 0)::TEXT,
			COALESCE(SUM(CASE kind
				WHEN 'freeze'   THEN amount
				WHEN 'unfreeze' THEN -amount
				WHEN 'refund'   THEN -amount
				WHEN 'debit'    THEN -amount
				ELSE 0 END), 0)::TEXT
		FROM ledger_entries
		WHERE user_id = $1
	`, userID).Scan(&available, &frozen)
	if err != nil {
		return "", "", err
	}
	return available, frozen, nil
}
