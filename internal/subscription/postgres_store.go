package subscription

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/chainbill/internal/pricing"
)

// PostgresStore persists subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, projectID string) (*Subscription, error) {
	var (
		s                      Subscription
		tier, status, provider string
		chain, txHash          sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT project_id, tier, status, provider, provider_ref, chain, tx_hash,
		       period_start, period_end, created_at, updated_at
		FROM subscriptions WHERE project_id = $1`, projectID,
	).Scan(&s.ProjectID, &tier, &status, &provider, &s.ProviderRef, &chain, &txHash,
		&s.PeriodStart, &s.PeriodEnd, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Tier = pricing.Tier(tier)
	s.Status = Status(status)
	s.Provider = Provider(provider)
	s.Chain = chain.String
	s.TxHash = txHash.String
	return &s, nil
}

func (p *PostgresStore) Put(ctx context.Context, s *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (
			project_id, tier, status, provider, provider_ref, chain, tx_hash,
			period_start, period_end, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (project_id) DO UPDATE SET
			tier         = EXCLUDED.tier,
			status       = EXCLUDED.status,
			provider     = EXCLUDED.provider,
			provider_ref = EXCLUDED.provider_ref,
			chain        = EXCLUDED.chain,
			tx_hash      = EXCLUDED.tx_hash,
			period_start = EXCLUDED.period_start,
			period_end   = EXCLUDED.period_end,
			updated_at   = EXCLUDED.updated_at`,
		s.ProjectID, string(s.Tier), string(s.Status), string(s.Provider), s.ProviderRef,
		nullString(s.Chain), nullString(s.TxHash),
		s.PeriodStart, s.PeriodEnd, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
