package auth

import (
	"time"
)

// DefaultTTL is the lifetime of tokens minted by Service.Issue.
const DefaultTTL = 24 * time.Hour

// Service verifies identity tokens presented on join. A service without a
// secret is disabled: announced identities are trusted as-is.
type Service struct {
	jwtConfig *JWTConfig
	now       func() time.Time
}

// NewService creates an auth service. A nil config or empty secret disables verification.
func NewService(jwtConfig *JWTConfig) *Service {
	return &Service{jwtConfig: jwtConfig, now: time.Now}
}

// Enabled reports whether tokens are required.
func (s *Service) Enabled() bool {
	return s != nil && s.jwtConfig != nil && len(s.jwtConfig.Secret) > 0
}

// Identify validates tokenString and returns its claims.
func (s *Service) Identify(tokenString string) (*Claims, error) {
	return ValidateToken(s.jwtConfig, tokenString)
}

// Issue mints a token for the given identity, e.g. for local development.
func (s *Service) Issue(userID, username, avatar string) (string, error) {
	cfg := *s.jwtConfig
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	return GenerateToken(&cfg, userID, username, avatar, s.now())
}
