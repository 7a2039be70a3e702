package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, listing_id, buyer_id, seller_id, quantity,
			unit_price, total_amount, commission_amount, status,
			dispute_reason, resolution_outcome, resolution_note, resolved_by,
			created_at, pending_at, confirmed_at, in_progress_at,
			transferred_at, received_at, resolved_at,
			cancel_deadline, ack_deadline, updated_at, version
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(20,2), $7::NUMERIC(20,2), $8::NUMERIC(20,2), $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20,
			$21, $22, $23, $24
		)`,
		t.ID, t.ListingID, t.BuyerID, t.SellerID, t.Quantity,
		t.UnitPrice, t.TotalAmount, t.CommissionAmount, string(t.Status),
		nullString(t.DisputeReason), nullString(t.ResolutionOutcome), nullString(t.ResolutionNote), nullString(t.ResolvedBy),
		t.CreatedAt, nullTimePtr(t.PendingAt), nullTimePtr(t.ConfirmedAt), nullTimePtr(t.InProgressAt),
		nullTimePtr(t.TransferredAt), nullTimePtr(t.ReceivedAt), nullTimePtr(t.ResolvedAt),
		t.CancelDeadline, nullTimePtr(t.AckDeadline), t.UpdatedAt, t.Version,
	)
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return ErrDuplicateTransaction
	}
	return err
}

const transactionColumns = `id, listing_id, buyer_id, seller_id, quantity,
		       unit_price::TEXT, total_amount::TEXT, commission_amount::TEXT, status,
		       dispute_reason, resolution_outcome, resolution_note, resolved_by,
		       created_at, pending_at, confirmed_at, in_progress_at,
		       transferred_at, received_at, resolved_at,
		       cancel_deadline, ack_deadline, updated_at, version`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, dispute_reason = $2, resolution_outcome = $3,
			resolution_note = $4, resolved_by = $5,
			pending_at = $6, confirmed_at = $7, in_progress_at = $8,
			transferred_at = $9, received_at = $10, resolved_at = $11,
			ack_deadline = $12, updated_at = $13,
			version = version + 1
		WHERE id = $14 AND version = $15`,
		string(t.Status), nullString(t.DisputeReason), nullString(t.ResolutionOutcome),
		nullString(t.ResolutionNote), nullString(t.ResolvedBy),
		nullTimePtr(t.PendingAt), nullTimePtr(t.ConfirmedAt), nullTimePtr(t.InProgressAt),
		nullTimePtr(t.TransferredAt), nullTimePtr(t.ReceivedAt), nullTimePtr(t.ResolvedAt),
		nullTimePtr(t.AckDeadline), t.UpdatedAt,
		t.ID, t.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the row is gone or another instance won the version race.
		if _, getErr := p.Get(ctx, t.ID); getErr != nil {
			return getErr
		}
		return ErrConcurrencyConflict
	}
	t.Version++
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListCancelDue(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status IN ('created', 'pending')
		  AND cancel_deadline < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListAckDue(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'seller_transferred'
		  AND ack_deadline IS NOT NULL
		  AND ack_deadline < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListUnappliedDisputes(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'disputed'
		  AND resolution_outcome IS NOT NULL
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		status            string
		disputeReason     sql.NullString
		resolutionOutcome sql.NullString
		resolutionNote    sql.NullString
		resolvedBy        sql.NullString
		pendingAt         sql.NullTime
		confirmedAt       sql.NullTime
		inProgressAt      sql.NullTime
		transferredAt     sql.NullTime
		receivedAt        sql.NullTime
		resolvedAt        sql.NullTime
		ackDeadline       sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.ListingID, &t.BuyerID, &t.SellerID, &t.Quantity,
		&t.UnitPrice, &t.TotalAmount, &t.CommissionAmount, &status,
		&disputeReason, &resolutionOutcome, &resolutionNote, &resolvedBy,
		&t.CreatedAt, &pendingAt, &confirmedAt, &inProgressAt,
		&transferredAt, &receivedAt, &resolvedAt,
		&t.CancelDeadline, &ackDeadline, &t.UpdatedAt, &t.Version,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.DisputeReason = disputeReason.String
	t.ResolutionOutcome = resolutionOutcome.String
	t.ResolutionNote = resolutionNote.String
	t.ResolvedBy = resolvedBy.String
	t.PendingAt = timePtr(pendingAt)
	t.ConfirmedAt = timePtr(confirmedAt)
	t.InProgressAt = timePtr(inProgressAt)
	t.TransferredAt = timePtr(transferredAt)
	t.ReceivedAt = timePtr(receivedAt)
	t.ResolvedAt = timePtr(resolvedAt)
	t.AckDeadline = timePtr(ackDeadline)
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTimePtr converts a nil *time.Time to sql.NullTime.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
