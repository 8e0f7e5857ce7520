package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/tool-gateway/internal/auth"
	"github.com/vnmchuo/tool-gateway/internal/billing"
	"github.com/vnmchuo/tool-gateway/internal/policy"
	"github.com/vnmchuo/tool-gateway/internal/usage"
)

type countingReloader struct{ calls int }

func (c *countingReloader) Invalidate() { c.calls++ }

type adminEnv struct {
	router   http.Handler
	runs     *billing.MemoryStore
	plans    *auth.PlanResolver
	reloader *countingReloader
}

func setupAdmin(t *testing.T) *adminEnv {
	t.Helper()
	env := &adminEnv{
		runs:     billing.NewMemoryStore(),
		plans:    auth.NewPlanResolver(auth.NewMemoryStore(), nil, zerolog.Nop()),
		reloader: &countingReloader{},
	}
	r := chi.NewRouter()
	NewAdmin("s3cret", env.runs, env.plans, env.reloader, zerolog.Nop()).Mount(r)
	env.router = r
	return env
}

func (e *adminEnv) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	return serve(e.router, req)
}

func TestAdmin_RequiresToken(t *testing.T) {
	env := setupAdmin(t)

	w := serve(env.router, httptest.NewRequest("POST", "/admin/policy/reload", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest("POST", "/admin/policy/reload", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = serve(env.router, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, env.reloader.calls)
}

func TestAdmin_EmptyTokenDisablesRoutes(t *testing.T) {
	r := chi.NewRouter()
	NewAdmin("", billing.NewMemoryStore(), nil, &countingReloader{}, zerolog.Nop()).Mount(r)

	req := httptest.NewRequest("POST", "/admin/policy/reload", nil)
	req.Header.Set("Authorization", "Bearer ")
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)
}

func TestAdmin_ReloadPolicy(t *testing.T) {
	env := setupAdmin(t)

	w := env.do("POST", "/admin/policy/reload")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.reloader.calls)
}

func TestAdmin_ListRuns(t *testing.T) {
	env := setupAdmin(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, env.runs.LogRun(ctx, &billing.RunLog{Subject: "ip:1.2.3.4", Tool: "rotate-pdf", Status: billing.RunCompleted, CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, env.runs.LogRun(ctx, &billing.RunLog{Subject: "ip:5.6.7.8", Tool: "rotate-pdf", Status: billing.RunFailed, CreatedAt: now.Add(-time.Hour)}))

	w := env.do("GET", "/admin/runs?subject=ip:1.2.3.4")
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode(t, w)["runs"].([]interface{})
	require.Len(t, runs, 1)
	assert.Equal(t, "rotate-pdf", runs[0].(map[string]interface{})["tool"])

	assert.Equal(t, http.StatusBadRequest, env.do("GET", "/admin/runs").Code)
	assert.Equal(t, http.StatusBadRequest, env.do("GET", "/admin/runs?subject=ip:1.2.3.4&from=yesterday").Code)
}

func TestAdmin_ToolRuns(t *testing.T) {
	env := setupAdmin(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, status := range []billing.RunStatus{billing.RunCompleted, billing.RunCompleted, billing.RunFailed} {
		require.NoError(t, env.runs.LogRun(ctx, &billing.RunLog{Subject: "ip:1.2.3.4", Tool: "rotate-pdf", Status: status, CreatedAt: now.Add(-time.Minute)}))
	}

	w := env.do("GET", "/admin/tools/Rotate-PDF/runs")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "rotate-pdf", body["tool"])
	assert.Equal(t, float64(2), body["completed"])
	assert.Equal(t, float64(1), body["failed"])
}

func TestAdmin_RevokeEntitlement(t *testing.T) {
	env := setupAdmin(t)
	ctx := context.Background()
	require.NoError(t, env.plans.Grant(ctx, &auth.Entitlement{Subject: auth.UserSubject("42"), Plan: policy.PlanPremium}))

	w := env.do("DELETE", "/admin/entitlements/user:42")
	require.Equal(t, http.StatusOK, w.Code)

	plan, err := env.plans.PlanFor(ctx, usage.Caller{UserID: "42"})
	require.NoError(t, err)
	assert.Equal(t, policy.PlanStandard, plan)

	assert.Equal(t, http.StatusNotFound, env.do("DELETE", "/admin/entitlements/user:42").Code)
	assert.Equal(t, http.StatusBadRequest, env.do("DELETE", "/admin/entitlements/42").Code)
}
