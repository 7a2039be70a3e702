package market

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/itembazaar/bazaar/internal/pagination"
)

// PostgresStore persists listings in PostgreSQL. The version column is the
// optimistic-concurrency guard: Update compares and increments it in one
// statement, so a stale writer always observes the conflict.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (
			id, seller_id, item_ref, title, category, quality,
			unit_price, quantity, expiry_days, status,
			listed_at, expires_at, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC(20,2), $8, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		l.ID, l.SellerID, l.ItemRef, l.Title, nullString(l.Category), nullString(l.Quality),
		l.UnitPrice, l.Quantity, l.ExpiryDays, string(l.Status),
		nullTimeValue(l.ListedAt), nullTimeValue(l.ExpiresAt), l.Version, l.CreatedAt, l.UpdatedAt,
	)
	return err
}

const listingColumns = `id, seller_id, item_ref, title, category, quality,
		       unit_price::TEXT, quantity, expiry_days, status,
		       listed_at, expires_at, version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)

	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	return l, err
}

func (p *PostgresStore) Update(ctx context.Context, l *Listing, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET
			unit_price = $1::NUMERIC(20,2), quantity = $2, status = $3,
			listed_at = $4, expires_at = $5, updated_at = $6,
			version = version + 1
		WHERE id = $7 AND version = $8`,
		l.UnitPrice, l.Quantity, string(l.Status),
		nullTimeValue(l.ListedAt), nullTimeValue(l.ExpiresAt), l.UpdatedAt,
		l.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the row is gone or someone else won the version race.
		if _, getErr := p.Get(ctx, l.ID); getErr != nil {
			return getErr
		}
		return ErrConcurrencyConflict
	}
	l.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) Search(ctx context.Context, f Filter, cursor *pagination.Cursor, limit int) ([]*Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.SellerID != "" {
		query += ` AND seller_id = ` + arg(f.SellerID)
	}
	if f.Category != "" {
		query += ` AND category = ` + arg(f.Category)
	}
	if f.Status != "" {
		query += ` AND status = ` + arg(string(f.Status))
	}
	if f.MinPrice != "" {
		query += ` AND unit_price >= ` + arg(f.MinPrice) + `::NUMERIC(20,2)`
	}
	if f.MaxPrice != "" {
		query += ` AND unit_price <= ` + arg(f.MaxPrice) + `::NUMERIC(20,2)`
	}
	if cursor != nil {
		query += ` AND (created_at, id) < (` + arg(cursor.CreatedAt) + `, ` + arg(cursor.ID) + `)`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanListings(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE status IN ('active', 'paused')
		  AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanListings(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(s scanner) (*Listing, error) {
	l := &Listing{}
	var (
		category  sql.NullString
		quality   sql.NullString
		listedAt  sql.NullTime
		expiresAt sql.NullTime
		status    string
	)

	err := s.Scan(
		&l.ID, &l.SellerID, &l.ItemRef, &l.Title, &category, &quality,
		&l.UnitPrice, &l.Quantity, &l.ExpiryDays, &status,
		&listedAt, &expiresAt, &l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	l.Status = Status(status)
	l.Category = category.String
	l.Quality = quality.String
	if listedAt.Valid {
		l.ListedAt = listedAt.Time
	}
	if expiresAt.Valid {
		l.ExpiresAt = expiresAt.Time
	}
	return l, nil
}

func scanListings(rows *sql.Rows) ([]*Listing, error) {
	var result []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
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

// nullTimeValue converts a zero time.Time to sql.NullTime.
func nullTimeValue(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
