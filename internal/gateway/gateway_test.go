package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/huntaze/ai-governor/internal/agents"
	"github.com/huntaze/ai-governor/internal/config"
	"github.com/huntaze/ai-governor/internal/costmodel"
	"github.com/huntaze/ai-governor/internal/knowledge"
	"github.com/huntaze/ai-governor/internal/ledger"
	"github.com/huntaze/ai-governor/internal/orchestrator"
	"github.com/huntaze/ai-governor/internal/provider"
	"github.com/huntaze/ai-governor/internal/quota"
	"github.com/huntaze/ai-governor/internal/ratelimit"
	"github.com/huntaze/ai-governor/pkg/cache"
	"github.com/huntaze/ai-governor/pkg/events"
	"github.com/huntaze/ai-governor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticResolver struct {
	tenants map[string]models.Tenant
}

func (r *staticResolver) Resolve(_ context.Context, apiKey string) (models.Tenant, error) {
	tenant, ok := r.tenants[apiKey]
	if !ok {
		return models.Tenant{}, ErrInvalidAPIKey
	}
	return tenant, nil
}

type stubProvider struct{}

func (stubProvider) Complete(_ context.Context, req provider.Request) (*provider.Completion, error) {
	return &provider.Completion{
		Text:         "stub reply",
		Model:        req.Model,
		InputTokens:  200,
		OutputTokens: 100,
	}, nil
}

type testEnv struct {
	gateway   *Gateway
	tenant    models.Tenant
	ledger    *ledger.Ledger
	store     *ledger.MemoryStore
	knowledge *knowledge.Store
	cleanup   func()
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	port, _ := strconv.Atoi(mr.Port())
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)

	logger := zap.NewNop()
	bus := events.NewBus(logger)
	store := ledger.NewMemoryStore()
	costs := costmodel.New()
	l := ledger.New(store, costs, logger)
	know := knowledge.NewStore(knowledge.NewMemoryRepository(), 100, logger)
	guard := quota.NewGuard(l, c, bus, logger)
	limiter := ratelimit.NewLimiter(c, bus, logger)

	providerCfg := config.ProviderConfig{
		CallTimeout:   time.Second,
		MaxAttempts:   1,
		BackoffBase:   time.Millisecond,
		DefaultModel:  "gpt-4o-mini",
		AssumedTokens: 1024,
	}
	orch := orchestrator.New(agents.Deps{
		Knowledge:   know,
		Provider:    stubProvider{},
		Ledger:      l,
		Logger:      logger,
		Model:       providerCfg.DefaultModel,
		CallTimeout: providerCfg.CallTimeout,
		MaxAttempts: providerCfg.MaxAttempts,
		BackoffBase: providerCfg.BackoffBase,
	}, guard, logger)

	tenant := models.Tenant{
		ID:     uuid.New(),
		Name:   "creator-one",
		Tier:   models.TierStarter,
		Status: "active",
	}

	g := New(Deps{
		Cache:        c,
		Resolver:     &staticResolver{tenants: map[string]models.Tenant{"sk-test": tenant}},
		Limiter:      limiter,
		Guard:        guard,
		Orchestrator: orch,
		Ledger:       l,
		Knowledge:    know,
		Costs:        costs,
		Bus:          bus,
		Logger:       logger,
		AdminToken:   "admin-secret",
		ProviderCfg:  providerCfg,
	})

	return &testEnv{
		gateway:   g,
		tenant:    tenant,
		ledger:    l,
		store:     store,
		knowledge: know,
		cleanup: func() {
			c.Close()
			mr.Close()
		},
	}
}

func (e *testEnv) do(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	e.gateway.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSubmitRequestRequiresAuth(t *testing.T) {
	env := setupEnv(t)
	defer env.cleanup()

	rec := env.do(t, http.MethodPost, "/v1/requests", "", map[string]any{"kind": "fan_message"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/requests", "sk-wrong", map[string]any{"kind": "fan_message"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitRequestSucceeds(t *testing.T) {
	env := setupEnv(t)
	defer env.cleanup()

	rec := env.do(t, http.MethodPost, "/v1/requests", "sk-test", map[string]any{
		"kind":    "fan_message",
		"payload": map[string]any{"message": "hi!"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "succeeded", body["status"])
	outputs := body["outputs"].([]any)
	require.Len(t, outputs, 1)
	output := outputs[0].(map[string]any)
	assert.Equal(t, "messaging", output["agent_id"])
	assert.NotEmpty(t, output["usage"].(map[string]any)["cost_usd"])

	assert.Equal(t, 1, env.store.Len())
}

func TestSubmitRequestUnknownKind(t *testing.T) {
	env := setupEnv(t)
	defer env.cleanup()

	rec := env.do(t, http.MethodPost, "/v1/requests", "sk-test", map[string]any{"kind": "mind_control"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeBody(t, rec)["error"])
}

func TestSubmitRequestUnknownModel(t *testing.T) {
	env := setupEnv(t)
	defer env.cleanup()

	rec := env.do(t, http.MethodPost, "/v1/requests", "sk-test", map[string]any{
		"kind":  "fan_message",
		"model": "gpt-99-ultra",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_model", decodeBody(t, rec)["error"])
}

func TestSubmitRequestRateLimited(t *testing.T) {
	env := setupEnv(t)
	defer env.cleanup()

	plan := models.PlanForTier(models.TierStarter)
	for i := int64(0); i < plan.HourlyRequestLimit; i++ {
		rec := env.do(t, http.MethodPost, "/v1/requests", "sk-test", map[string]any{
			"kind":    "generate_caption",
			"payload": map[string]any{"topic": "gym"},
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/v1/requests", "sk-test", map[string]any{
		"kind": "generate_caption",
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	body := decodeBody(t, rec)
	assert.Equal(t, "rate_limited", body["error"])
	assert.Greater(t, body["retry_after_seconds"].(float64), 0.0)
}

func TestSubmitRequestQuotaExceeded(t *testing.T) {
	env := setupEnv(t)
	defer env.cleanup()

	// Spend the whole $10 cap: 2M output tokens of gpt-4o costs $20,
	// so 1M costs $10 exactly.
	_, err := env.ledger.Record(context.Background(), models.UsageRecord{
		TenantID:     env.tenant.ID,
		Model:        "gpt-4o",
		OutputTokens: 1_000_000,
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/v1/requests", "sk-test", map[string]any{
		"kind": "fan_message",
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "quota_exceeded", body["error"])
	assert.Equal(t, "10", body["current_usage_usd"])
	assert.Equal(t, "10", body["cap_usd"])
}

func TestSubmitRequestEstimateCoversAgentChain(t *testing.T) {
	env := setupEnv(t)
	defer env.cleanup()

	// Leave exactly $0.001 of headroom. One gpt-4o-mini call is
	// estimated at 1024 * $0.60/M = $0.0006144, so a single-agent kind
	// fits but the two-agent optimize_sales chain ($0.0012288) does not.
	_, err := env.ledger.Record(context.Background(), models.UsageRecord{
		TenantID:     env.tenant.ID,
		Model:        "gpt-4o",
		OutputTokens: 999_900, // $9.999
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/v1/requests", "sk-test", map[string]any{
		"kind":    "optimize_sales",
		"payload": map[string]any{"goal": "raise price"},
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())
	assert.Equal(t, "quota_exceeded", decodeBody(t, rec)["error"])

	rec = env.do(t, http.MethodPost, "/v1/requests", "sk-test", map[string]any{
		"kind":    "fan_message",
		"payload": map[string]any{"message": "hi!"},
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCurrentUsageEndpoint(t *testing.T) {
	env := setupEnv(t)
	defer env.cleanup()

	_, err := env.ledger.Record(context.Background(), models.UsageRecord{
		TenantID:     env.tenant.ID,
		Model:        "gpt-4o",
		OutputTokens: 100_000, // $1.00
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/usage/current", "sk-test", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "starter", body["tier"])
	assert.Equal(t, "1", body["current_usage_usd"])
	assert.Equal(t, "10", body["cap_usd"])
}

func TestInsightsEndpoint(t *testing.T) {
	env := setupEnv(t)
	defer env.cleanup()

	_, err := env.knowledge.Save(context.Background(), models.Insight{
		TenantID:    env.tenant.ID,
		SourceAgent: "messaging",
		Type:        "successful_response_pattern",
		Confidence:  0.9,
		Payload:     `{"tone":"casual"}`,
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/insights?type=successful_response_pattern", "sk-test", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	insights := body["insights"].([]any)
	require.Len(t, insights, 1)
	assert.Equal(t, "messaging", insights[0].(map[string]any)["source_agent"])
}

func TestDeleteTenantCascades(t *testing.T) {
	env := setupEnv(t)
	defer env.cleanup()

	_, err := env.ledger.Record(context.Background(), models.UsageRecord{
		TenantID:     env.tenant.ID,
		Model:        "gpt-4o-mini",
		OutputTokens: 1000,
	})
	require.NoError(t, err)
	_, err = env.knowledge.Save(context.Background(), models.Insight{
		TenantID:   env.tenant.ID,
		Type:       "caption_style",
		Confidence: 0.5,
	})
	require.NoError(t, err)

	// Without the admin token the delete is refused.
	req := httptest.NewRequest(http.MethodDelete, "/admin/tenants/"+env.tenant.ID.String(), nil)
	rec := httptest.NewRecorder()
	env.gateway.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/admin/tenants/"+env.tenant.ID.String(), nil)
	req.Header.Set("X-Admin-Token", "admin-secret")
	rec = httptest.NewRecorder()
	env.gateway.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 0, env.store.Len())
	remaining, err := env.knowledge.Query(context.Background(), env.tenant.ID, "caption_style", 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
