package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionTTL = time.Hour

var (
	errMissingIssuerSecret = errors.New("session issuer: signing secret required")
	errMissingIssuerName   = errors.New("session issuer: issuer required")
	errMissingIssuedUser   = errors.New("session issuer: user id required")
)

// SessionIssuerConfig configures the session token minter.
type SessionIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// SessionIssuer mints session JWTs accepted by SessionValidator.
// Production sessions come from the identity service; the issuer backs
// local development tokens and tests.
type SessionIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// SessionProfile is the user data embedded in a minted session.
type SessionProfile struct {
	UserID      string
	Email       string
	DisplayName string
	AvatarURL   string
}

// NewSessionIssuer constructs a SessionIssuer.
func NewSessionIssuer(cfg SessionIssuerConfig) (*SessionIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingIssuerSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuerName
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Issue signs a session token for the profile and returns it with its expiry.
func (i *SessionIssuer) Issue(profile SessionProfile) (string, time.Time, error) {
	userID := strings.TrimSpace(profile.UserID)
	if userID == "" {
		return "", time.Time{}, errMissingIssuedUser
	}
	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := SessionClaims{
		UserID:          userID,
		UserEmail:       strings.TrimSpace(profile.Email),
		UserDisplayName: strings.TrimSpace(profile.DisplayName),
		UserAvatarURL:   strings.TrimSpace(profile.AvatarURL),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
