package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/huntaze/ai-governor/pkg/database"
	"github.com/huntaze/ai-governor/pkg/models"
	"github.com/shopspring/decimal"
)

// PostgresStore persists usage records and monthly rollups.
//
// Expected schema:
//
//	usage_records (
//	    id uuid primary key,
//	    tenant_id uuid not null,
//	    feature text not null,
//	    agent_id text,
//	    model text not null,
//	    input_tokens bigint not null,
//	    output_tokens bigint not null,
//	    cost_usd numeric(12,6) not null,
//	    created_at timestamptz not null
//	)
//	with index (tenant_id, created_at) -- keeps SumCost on the hot path bounded
//
//	usage_rollups (
//	    tenant_id uuid not null,
//	    month text not null,
//	    total_input_tokens bigint not null,
//	    total_output_tokens bigint not null,
//	    total_cost_usd numeric(14,6) not null,
//	    updated_at timestamptz not null,
//	    primary key (tenant_id, month)
//	)
type PostgresStore struct {
	db *database.Database
}

// NewPostgresStore creates a Postgres-backed ledger store.
func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, rec models.UsageRecord) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO usage_records (
			id, tenant_id, feature, agent_id, model,
			input_tokens, output_tokens, cost_usd, created_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
	`,
		rec.ID,
		rec.TenantID,
		rec.Feature,
		rec.AgentID,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) SumCost(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE tenant_id = $1
			AND created_at >= $2
			AND created_at < $3
	`, tenantID, from, to).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum usage cost: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) AggregateMonth(ctx context.Context, tenantID uuid.UUID, month string) (models.MonthlyAggregate, error) {
	from, to, err := models.MonthBounds(month)
	if err != nil {
		return models.MonthlyAggregate{}, fmt.Errorf("invalid month %q: %w", month, err)
	}

	agg := models.MonthlyAggregate{TenantID: tenantID, Month: month}
	err = s.db.Pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE tenant_id = $1
			AND created_at >= $2
			AND created_at < $3
	`, tenantID, from, to).Scan(&agg.TotalInputTokens, &agg.TotalOutputTokens, &agg.TotalCostUSD)
	if err != nil {
		return models.MonthlyAggregate{}, fmt.Errorf("failed to aggregate month: %w", err)
	}
	return agg, nil
}

func (s *PostgresStore) UpsertRollup(ctx context.Context, agg models.MonthlyAggregate) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO usage_rollups (
			tenant_id, month, total_input_tokens, total_output_tokens, total_cost_usd, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, month)
		DO UPDATE SET
			total_input_tokens = $3,
			total_output_tokens = $4,
			total_cost_usd = $5,
			updated_at = $6
	`,
		agg.TenantID,
		agg.Month,
		agg.TotalInputTokens,
		agg.TotalOutputTokens,
		agg.TotalCostUSD,
		agg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rollup: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTenant(ctx context.Context, tenantID uuid.UUID) error {
	if _, err := s.db.Pool.Exec(ctx, `DELETE FROM usage_records WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("failed to delete usage records: %w", err)
	}
	if _, err := s.db.Pool.Exec(ctx, `DELETE FROM usage_rollups WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("failed to delete usage rollups: %w", err)
	}
	return nil
}
