package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/huntaze/ai-governor/internal/config"
	"github.com/huntaze/ai-governor/internal/costmodel"
	"github.com/huntaze/ai-governor/internal/knowledge"
	"github.com/huntaze/ai-governor/internal/ledger"
	"github.com/huntaze/ai-governor/internal/orchestrator"
	"github.com/huntaze/ai-governor/internal/quota"
	"github.com/huntaze/ai-governor/internal/ratelimit"
	"github.com/huntaze/ai-governor/pkg/cache"
	"github.com/huntaze/ai-governor/pkg/database"
	"github.com/huntaze/ai-governor/pkg/events"
	"github.com/huntaze/ai-governor/pkg/metrics"
	"github.com/huntaze/ai-governor/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type contextKey string

const tenantKey contextKey = "tenant"

// Gateway is the HTTP surface of the governance layer. Every request
// passes rate limiting, then quota, before it may spend provider money.
type Gateway struct {
	db           *database.Database
	cache        *cache.Cache
	resolver     TenantResolver
	limiter      *ratelimit.Limiter
	guard        *quota.Guard
	orchestrator *orchestrator.Orchestrator
	ledger       *ledger.Ledger
	knowledge    *knowledge.Store
	costs        *costmodel.Model
	bus          *events.Bus
	logger       *zap.Logger
	adminToken   string
	providerCfg  config.ProviderConfig
	router       *chi.Mux
}

// Deps bundles the gateway's collaborators.
type Deps struct {
	DB           *database.Database
	Cache        *cache.Cache
	Resolver     TenantResolver
	Limiter      *ratelimit.Limiter
	Guard        *quota.Guard
	Orchestrator *orchestrator.Orchestrator
	Ledger       *ledger.Ledger
	Knowledge    *knowledge.Store
	Costs        *costmodel.Model
	Bus          *events.Bus
	Logger       *zap.Logger
	AdminToken   string
	ProviderCfg  config.ProviderConfig
}

// New creates the gateway and wires its routes.
func New(deps Deps) *Gateway {
	g := &Gateway{
		db:           deps.DB,
		cache:        deps.Cache,
		resolver:     deps.Resolver,
		limiter:      deps.Limiter,
		guard:        deps.Guard,
		orchestrator: deps.Orchestrator,
		ledger:       deps.Ledger,
		knowledge:    deps.Knowledge,
		costs:        deps.Costs,
		bus:          deps.Bus,
		logger:       deps.Logger,
		adminToken:   deps.AdminToken,
		providerCfg:  deps.ProviderCfg,
		router:       chi.NewRouter(),
	}
	g.setupRoutes()
	return g
}

// Router exposes the configured mux.
func (g *Gateway) Router() http.Handler {
	return g.router
}

func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "https://*.huntaze.com"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	g.router.Handle("/metrics", promhttp.Handler())
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	g.router.Group(func(r chi.Router) {
		r.Use(g.authMiddleware)

		r.Post("/v1/requests", g.handleSubmitRequest)
		r.Get("/v1/usage/current", g.handleCurrentUsage)
		r.Get("/v1/insights", g.handleQueryInsights)
	})

	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)

		r.Get("/admin/usage/{tenant_id}", g.handleAdminUsage)
		r.Delete("/admin/tenants/{tenant_id}", g.handleDeleteTenant)
	})
}

// Middleware

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.RequestsTotal.WithLabelValues(r.URL.Path, fmt.Sprintf("%d", ww.Status())).Inc()
	})
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			g.writeError(w, http.StatusUnauthorized, "unauthorized", "missing authorization header")
			return
		}

		apiKey := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		tenant, err := g.resolver.Resolve(r.Context(), apiKey)
		if err != nil {
			g.logger.Warn("authentication failed", zap.Error(err))
			g.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), tenantKey, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if token == "" {
			g.writeError(w, http.StatusUnauthorized, "unauthorized", "missing admin token")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(g.adminToken)) != 1 {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func tenantFrom(ctx context.Context) models.Tenant {
	tenant, _ := ctx.Value(tenantKey).(models.Tenant)
	return tenant
}

// Handlers

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := g.db.Health(ctx); err != nil {
		g.writeError(w, http.StatusServiceUnavailable, "not_ready", "database not ready")
		return
	}
	if err := g.cache.Health(ctx); err != nil {
		g.writeError(w, http.StatusServiceUnavailable, "not_ready", "cache not ready")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequestBody struct {
	Kind    models.RequestKind `json:"kind"`
	Model   string             `json:"model,omitempty"`
	Payload map[string]any     `json:"payload"`
}

func (g *Gateway) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	plan := models.PlanForTier(tenant.Tier)

	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	if !isKnownKind(body.Kind) {
		g.writeError(w, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("unknown request kind %q", body.Kind))
		return
	}

	rl, err := g.limiter.Allow(ctx, tenant.ID, plan)
	if err != nil {
		g.logger.Error("rate limit check failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal_error", "rate limit check failed")
		return
	}
	if !rl.Allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", rl.RetryAfterSeconds))
		g.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               "rate_limited",
			"retry_after_seconds": rl.RetryAfterSeconds,
			"hourly_limit":        rl.Limit,
		})
		return
	}

	model := body.Model
	if model == "" {
		model = g.providerCfg.DefaultModel
	}
	estimate, err := g.costs.Estimate(model, g.providerCfg.AssumedTokens)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "unknown_model",
			fmt.Sprintf("model %q is not priced", model))
		return
	}
	// Multi-agent kinds make one provider call per agent, so the
	// pre-admission estimate covers the whole chain.
	if n := g.orchestrator.ChainLength(body.Kind); n > 1 {
		estimate = estimate.Mul(decimal.NewFromInt(int64(n)))
	}

	_, err = g.guard.Check(ctx, tenant.ID, plan, estimate)
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		g.bus.Publish(ctx, events.NewEvent(events.EventQuotaExceeded, tenant.ID.String(), map[string]interface{}{
			"current_usage_usd": exceeded.CurrentUsage.String(),
			"cap_usd":           exceeded.Cap.String(),
			"tier":              string(plan.Tier),
		}))
		g.writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":             "quota_exceeded",
			"current_usage_usd": exceeded.CurrentUsage.String(),
			"cap_usd":           exceeded.Cap.String(),
		})
		return
	}
	if err != nil {
		g.logger.Error("quota check failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal_error", "quota check failed")
		return
	}

	payload := body.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if body.Model != "" {
		payload["model"] = body.Model
	}

	result, err := g.orchestrator.Route(ctx, models.Request{
		ID:       uuid.New(),
		TenantID: tenant.ID,
		Kind:     body.Kind,
		Payload:  payload,
	}, plan)
	if err != nil {
		g.logger.Error("routing failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal_error", "routing failed")
		return
	}

	status := http.StatusOK
	if result.Status == models.ResultFailed {
		status = http.StatusBadGateway
	}
	g.writeJSON(w, status, result)
}

func (g *Gateway) handleCurrentUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	plan := models.PlanForTier(tenant.Tier)

	current, err := g.ledger.CurrentMonthCost(ctx, tenant.ID)
	if err != nil {
		g.logger.Error("failed to read current usage", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal_error", "failed to read usage")
		return
	}

	resp := map[string]any{
		"tenant_id":         tenant.ID,
		"tier":              string(plan.Tier),
		"current_usage_usd": current.String(),
		"unlimited":         plan.Unlimited,
	}
	if !plan.Unlimited {
		resp["cap_usd"] = plan.MonthlyCostCapUSD.String()
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleQueryInsights(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)

	insightType := r.URL.Query().Get("type")
	if insightType == "" {
		g.writeError(w, http.StatusBadRequest, "invalid_request", "type query parameter is required")
		return
	}

	ranked, err := g.knowledge.Query(ctx, tenant.ID, insightType, 20)
	if err != nil {
		g.logger.Error("failed to query insights", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal_error", "failed to query insights")
		return
	}

	type insightView struct {
		ID                  uuid.UUID `json:"id"`
		SourceAgent         string    `json:"source_agent"`
		Type                string    `json:"type"`
		EffectiveConfidence float64   `json:"effective_confidence"`
		Payload             string    `json:"payload"`
		CreatedAt           time.Time `json:"created_at"`
	}
	views := make([]insightView, 0, len(ranked))
	for _, in := range ranked {
		views = append(views, insightView{
			ID:                  in.ID,
			SourceAgent:         in.SourceAgent,
			Type:                in.Type,
			EffectiveConfidence: in.EffectiveConfidence,
			Payload:             in.Payload,
			CreatedAt:           in.CreatedAt,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"insights": views})
}

func (g *Gateway) handleAdminUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenant_id"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid_request", "invalid tenant id")
		return
	}

	month := r.URL.Query().Get("month")
	if month == "" {
		month = models.MonthOf(time.Now())
	}

	aggregate, err := g.ledger.MonthlyRollup(r.Context(), tenantID, month)
	if err != nil {
		g.logger.Error("failed to compute rollup", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal_error", "failed to compute rollup")
		return
	}
	g.writeJSON(w, http.StatusOK, aggregate)
}

// handleDeleteTenant cascades through both stores so no usage or
// insight survives the tenant.
func (g *Gateway) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenant_id"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid_request", "invalid tenant id")
		return
	}

	if err := g.ledger.DeleteTenant(ctx, tenantID); err != nil {
		g.logger.Error("failed to delete tenant usage", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete tenant usage")
		return
	}
	if err := g.knowledge.DeleteTenant(ctx, tenantID); err != nil {
		g.logger.Error("failed to delete tenant insights", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete tenant insights")
		return
	}

	g.bus.Publish(ctx, events.NewEvent(events.EventTenantDeleted, tenantID.String(), nil))
	g.logger.Info("tenant data deleted", zap.String("tenant_id", tenantID.String()))
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// StartHealthMetrics periodically reports dependency health gauges.
func (g *Gateway) StartHealthMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	dbStatus := 0.0
	if err := g.db.Health(ctx); err == nil {
		dbStatus = 1.0
	}
	metrics.DependencyUp.WithLabelValues("postgres").Set(dbStatus)

	redisStatus := 0.0
	if err := g.cache.Health(ctx); err == nil {
		redisStatus = 1.0
	}
	metrics.DependencyUp.WithLabelValues("redis").Set(redisStatus)
}

// Helpers

func isKnownKind(kind models.RequestKind) bool {
	for _, known := range models.KnownKinds() {
		if kind == known {
			return true
		}
	}
	return false
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	g.writeJSON(w, statusCode, map[string]string{
		"error":   code,
		"message": message,
	})
}
