package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/huntaze/ai-governor/pkg/cache"
	"github.com/huntaze/ai-governor/pkg/database"
	"github.com/huntaze/ai-governor/pkg/models"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrInvalidAPIKey is returned for unknown, revoked or suspended keys.
var ErrInvalidAPIKey = errors.New("invalid API key")

// authCacheTTL bounds how stale a cached tenant row (including its
// tier) can be.
const authCacheTTL = 5 * time.Minute

// TenantResolver maps an API key to the tenant behind it. The tier is
// always re-derived here; a caller-supplied plan is never trusted.
type TenantResolver interface {
	Resolve(ctx context.Context, apiKey string) (models.Tenant, error)
}

// Authenticator resolves API keys against the tenants table and caches
// hits in Redis for authCacheTTL. The cached row includes the tier, so
// a plan change or suspension can take up to authCacheTTL to reach the
// quota and rate-limit checks. Revoking the API key itself is also
// subject to the same bound.
type Authenticator struct {
	db     *database.Database
	cache  *cache.Cache
	logger *zap.Logger
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(db *database.Database, c *cache.Cache, logger *zap.Logger) *Authenticator {
	return &Authenticator{db: db, cache: c, logger: logger}
}

func (a *Authenticator) Resolve(ctx context.Context, apiKey string) (models.Tenant, error) {
	if apiKey == "" {
		return models.Tenant{}, ErrInvalidAPIKey
	}

	keyHash := hashAPIKey(apiKey)
	cacheKey := "auth:key:" + keyHash

	if cached, err := a.cache.Get(ctx, cacheKey); err == nil {
		var tenant models.Tenant
		if err := json.Unmarshal([]byte(cached), &tenant); err == nil {
			return tenant, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		a.logger.Warn("auth cache read failed", zap.Error(err))
	}

	var tenant models.Tenant
	err := a.db.Pool.QueryRow(ctx, `
		SELECT t.id, t.name, t.tier, t.status, t.created_at
		FROM api_keys k
		JOIN tenants t ON t.id = k.tenant_id
		WHERE k.key_hash = $1 AND k.revoked_at IS NULL`,
		keyHash,
	).Scan(&tenant.ID, &tenant.Name, &tenant.Tier, &tenant.Status, &tenant.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tenant{}, ErrInvalidAPIKey
	}
	if err != nil {
		return models.Tenant{}, fmt.Errorf("failed to resolve API key: %w", err)
	}
	if tenant.Status != "active" {
		return models.Tenant{}, ErrInvalidAPIKey
	}

	if encoded, err := json.Marshal(tenant); err == nil {
		if err := a.cache.Set(ctx, cacheKey, string(encoded), authCacheTTL); err != nil {
			a.logger.Warn("auth cache write failed", zap.Error(err))
		}
	}

	return tenant, nil
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
