package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/tool-gateway/internal/auth"
	"github.com/vnmchuo/tool-gateway/internal/billing"
	"github.com/vnmchuo/tool-gateway/internal/toolkey"
)

const defaultRunWindow = 30 * 24 * time.Hour

type PolicyReloader interface {
	Invalidate()
}

type EntitlementRevoker interface {
	Revoke(ctx context.Context, subject string) error
}

// Admin serves operator routes behind a static bearer token.
type Admin struct {
	token    string
	runs     billing.Store
	revoker  EntitlementRevoker
	policies PolicyReloader
	logger   zerolog.Logger
	now      func() time.Time
}

func NewAdmin(token string, runs billing.Store, revoker EntitlementRevoker, policies PolicyReloader, logger zerolog.Logger) *Admin {
	return &Admin{
		token:    token,
		runs:     runs,
		revoker:  revoker,
		policies: policies,
		logger:   logger,
		now:      time.Now,
	}
}

func (a *Admin) Mount(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(a.requireToken)
		r.Get("/runs", a.HandleListRuns)
		r.Get("/tools/{tool}/runs", a.HandleToolRuns)
		r.Delete("/entitlements/{subject}", a.HandleRevoke)
		r.Post("/policy/reload", a.HandleReloadPolicy)
	})
}

func (a *Admin) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if a.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// window reads from/to (RFC 3339). Defaults to the last 30 days.
func (a *Admin) window(r *http.Request) (time.Time, time.Time, error) {
	to := a.now().UTC()
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = t
	}
	from := to.Add(-defaultRunWindow)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = t
	}
	return from, to, nil
}

func (a *Admin) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		writeError(w, http.StatusBadRequest, "subject is required")
		return
	}
	from, to, err := a.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "from and to must be RFC 3339 timestamps")
		return
	}

	runs, err := a.runs.ListRuns(r.Context(), subject, from, to)
	if err != nil {
		a.logger.Error().Err(err).Str("subject", subject).Msg("failed to list runs")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	if runs == nil {
		runs = []*billing.RunLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"subject": subject,
		"runs":    runs,
	})
}

func (a *Admin) HandleToolRuns(w http.ResponseWriter, r *http.Request) {
	tool := toolkey.Normalize(chi.URLParam(r, "tool"))
	from, to, err := a.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "from and to must be RFC 3339 timestamps")
		return
	}

	completed, failed, err := a.runs.CountRuns(r.Context(), tool.String(), from, to)
	if err != nil {
		a.logger.Error().Err(err).Str("tool", tool.String()).Msg("failed to count runs")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"tool":      tool,
		"completed": completed,
		"failed":    failed,
	})
}

func (a *Admin) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	if !strings.HasPrefix(subject, "user:") && !strings.HasPrefix(subject, "token:") {
		writeError(w, http.StatusBadRequest, "subject must start with user: or token:")
		return
	}

	err := a.revoker.Revoke(r.Context(), subject)
	switch {
	case errors.Is(err, auth.ErrEntitlementNotFound):
		writeError(w, http.StatusNotFound, "Entitlement not found")
		return
	case err != nil:
		a.logger.Error().Err(err).Str("subject", subject).Msg("failed to revoke entitlement")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	a.logger.Info().Str("subject", subject).Msg("entitlement revoked")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "subject": subject})
}

func (a *Admin) HandleReloadPolicy(w http.ResponseWriter, r *http.Request) {
	a.policies.Invalidate()
	a.logger.Info().Msg("tool policy reload requested")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
