package users

import (
	"context"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
)

// Authenticator turns a raw session token into a resolved user id for the
// realtime handshake.
type Authenticator struct {
	validator *auth.SessionValidator
	service   *Service
}

// NewAuthenticator binds the session validator to the user service.
func NewAuthenticator(validator *auth.SessionValidator, service *Service) *Authenticator {
	return &Authenticator{validator: validator, service: service}
}

// Authenticate validates the token and returns the canonical user id.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (string, error) {
	claims, err := a.validator.ValidateToken(token)
	if err != nil {
		return "", err
	}
	user, err := a.service.ResolveUser(ctx, claims)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}
