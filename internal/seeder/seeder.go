package seeder

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/tool-gateway/internal/auth"
	"github.com/vnmchuo/tool-gateway/internal/policy"
)

const (
	TestUserID = "1"
	TestToken  = "test-premium-token-12345"
)

type Granter interface {
	Grant(ctx context.Context, e *auth.Entitlement) error
}

// SeedPremium grants premium to the test user and the test token. When
// sessions are configured it also logs a session token for the test user.
func SeedPremium(ctx context.Context, granter Granter, sessions *auth.Sessions, period time.Duration, logger zerolog.Logger) {
	expires := time.Now().UTC().Add(period)
	for _, subject := range []string{auth.UserSubject(TestUserID), auth.TokenSubject(TestToken)} {
		err := granter.Grant(ctx, &auth.Entitlement{
			Subject:   subject,
			Plan:      policy.PlanPremium,
			ExpiresAt: &expires,
		})
		if err != nil {
			logger.Warn().Err(err).Str("subject", subject).Msg("seed entitlement failed, skipping")
			return
		}
	}
	logger.Info().Str("user_id", TestUserID).Str("token", TestToken).Time("expires_at", expires).Msg("seeded premium entitlements")

	if sessions == nil {
		return
	}
	session, err := sessions.Issue(TestUserID, period)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to issue seed session token")
		return
	}
	logger.Info().Str("session_token", session).Msg("seeded session token")
}
