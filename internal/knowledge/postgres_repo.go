package knowledge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/huntaze/ai-governor/pkg/database"
	"github.com/huntaze/ai-governor/pkg/models"
)

// PostgresRepository persists insights in the insights table:
//
//	CREATE TABLE insights (
//	    id           UUID PRIMARY KEY,
//	    tenant_id    UUID NOT NULL,
//	    source_agent TEXT NOT NULL,
//	    type         TEXT NOT NULL,
//	    confidence   DOUBLE PRECISION NOT NULL,
//	    payload      TEXT NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX idx_insights_tenant_type ON insights (tenant_id, type);
type PostgresRepository struct {
	db *database.Database
}

// NewPostgresRepository creates a Postgres-backed insight repository.
func NewPostgresRepository(db *database.Database) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, insight models.Insight) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO insights (id, tenant_id, source_agent, type, confidence, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		insight.ID, insight.TenantID, insight.SourceAgent, insight.Type,
		insight.Confidence, insight.Payload, insight.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert insight: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListByType(ctx context.Context, tenantID uuid.UUID, insightType string) ([]models.Insight, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, tenant_id, source_agent, type, confidence, payload, created_at
		FROM insights
		WHERE tenant_id = $1 AND type = $2`,
		tenantID, insightType,
	)
	if err != nil {
		return nil, fmt.Errorf("list insights by type: %w", err)
	}
	defer rows.Close()
	return scanInsights(rows)
}

func (r *PostgresRepository) ListAll(ctx context.Context, tenantID uuid.UUID) ([]models.Insight, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, tenant_id, source_agent, type, confidence, payload, created_at
		FROM insights
		WHERE tenant_id = $1`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()
	return scanInsights(rows)
}

func (r *PostgresRepository) Count(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM insights WHERE tenant_id = $1`, tenantID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count insights: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) Remove(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM insights WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("remove insights: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteTenant(ctx context.Context, tenantID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM insights WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("delete tenant insights: %w", err)
	}
	return nil
}

type insightRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanInsights(rows insightRows) ([]models.Insight, error) {
	var out []models.Insight
	for rows.Next() {
		var in models.Insight
		if err := rows.Scan(&in.ID, &in.TenantID, &in.SourceAgent, &in.Type,
			&in.Confidence, &in.Payload, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate insights: %w", err)
	}
	return out, nil
}
