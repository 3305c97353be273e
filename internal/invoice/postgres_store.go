package invoice

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/chainbill/internal/pricing"
)

// PostgresStore persists invoices in PostgreSQL. The schema lives in
// migrations/; tx_hash carries a UNIQUE constraint.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed invoice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const invoiceColumns = `id, project_id, tier, billing_period, price_cents, token, chain,
		       recipient, amount_token::TEXT, tx_hash, payer_address, status, failure_reason,
		       period_start, period_end, expires_at, confirmed_at, activated_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, inv *Invoice) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO invoices (
			id, project_id, tier, billing_period, price_cents, token, chain,
			recipient, amount_token, tx_hash, payer_address, status, failure_reason,
			period_start, period_end, expires_at, confirmed_at, activated_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9::NUMERIC(78,0), $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20
		)`,
		inv.ID, inv.ProjectID, string(inv.Tier), string(inv.BillingPeriod), inv.PriceCents, inv.Token, inv.Chain,
		inv.Recipient, inv.AmountToken, nullString(inv.TxHash), nullString(inv.PayerAddress),
		string(inv.Status), nullString(inv.FailureReason),
		nullTime(inv.PeriodStart), nullTime(inv.PeriodEnd), inv.ExpiresAt, nullTime(inv.ConfirmedAt),
		nullTime(inv.ActivatedAt), inv.CreatedAt, inv.UpdatedAt,
	)
	return mapUniqueViolation(err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)

	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

func (p *PostgresStore) FindByTxHash(ctx context.Context, txHash string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE tx_hash = $1`, txHash)

	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

func (p *PostgresStore) UpdateWhere(ctx context.Context, id string, expected Status, u Update) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE invoices SET
			status         = $1,
			tx_hash        = COALESCE($2, tx_hash),
			payer_address  = COALESCE($3, payer_address),
			failure_reason = COALESCE($4, failure_reason),
			period_start   = COALESCE($5, period_start),
			period_end     = COALESCE($6, period_end),
			confirmed_at   = COALESCE($7, confirmed_at),
			activated_at   = COALESCE($8, activated_at),
			updated_at     = COALESCE($9, NOW())
		WHERE id = $10 AND status = $11
		RETURNING `+invoiceColumns,
		string(u.Status), nullStringPtr(u.TxHash), nullStringPtr(u.PayerAddress), nullStringPtr(u.FailureReason),
		nullTime(u.PeriodStart), nullTime(u.PeriodEnd), nullTime(u.ConfirmedAt),
		nullTime(u.ActivatedAt), nullTimeValue(u.UpdatedAt),
		id, string(expected),
	)

	inv, err := scanInvoice(row)
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, mapUniqueViolation(err)
	}

	// Nothing matched: either the invoice is gone or its status moved on.
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM invoices WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrInvoiceNotFound
	}
	return nil, ErrStatusConflict
}

func (p *PostgresStore) ExpireDue(ctx context.Context, now time.Time) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE invoices SET status = 'expired', updated_at = $1
		WHERE status IN ('pending', 'submitted')
		  AND expires_at <= $1
		RETURNING `+invoiceColumns, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanInvoices(rows)
}

func (p *PostgresStore) ListByProject(ctx context.Context, projectID string, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE project_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanInvoices(rows)
}

func (p *PostgresStore) ListAwaitingActivation(ctx context.Context, confirmedBefore time.Time, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status = 'confirmed'
		  AND activated_at IS NULL
		  AND confirmed_at <= $1
		ORDER BY confirmed_at ASC
		LIMIT $2`, confirmedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanInvoices(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanInvoices(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(s scanner) (*Invoice, error) {
	inv := &Invoice{}
	var (
		tier, period, status string
		txHash, payer        sql.NullString
		failureReason        sql.NullString
		periodStart          sql.NullTime
		periodEnd            sql.NullTime
		confirmedAt          sql.NullTime
		activatedAt          sql.NullTime
	)

	err := s.Scan(
		&inv.ID, &inv.ProjectID, &tier, &period, &inv.PriceCents, &inv.Token, &inv.Chain,
		&inv.Recipient, &inv.AmountToken, &txHash, &payer, &status, &failureReason,
		&periodStart, &periodEnd, &inv.ExpiresAt, &confirmedAt, &activatedAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inv.Tier = pricing.Tier(tier)
	inv.BillingPeriod = pricing.Period(period)
	inv.Status = Status(status)
	inv.TxHash = txHash.String
	inv.PayerAddress = payer.String
	inv.FailureReason = failureReason.String
	if periodStart.Valid {
		inv.PeriodStart = &periodStart.Time
	}
	if periodEnd.Valid {
		inv.PeriodEnd = &periodEnd.Time
	}
	if confirmedAt.Valid {
		inv.ConfirmedAt = &confirmedAt.Time
	}
	if activatedAt.Valid {
		inv.ActivatedAt = &activatedAt.Time
	}
	return inv, nil
}

func scanInvoices(rows *sql.Rows) ([]*Invoice, error) {
	var result []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

// Unique constraint names from migrations/.
const (
	txHashConstraint     = "invoices_tx_hash_key"
	primaryKeyConstraint = "invoices_pkey"
)

// mapUniqueViolation turns unique constraint failures into store sentinels.
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}
	switch pqErr.Constraint {
	case txHashConstraint:
		return ErrTxHashUsed
	case primaryKeyConstraint:
		return ErrDuplicateInvoice
	}
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTimeValue(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
