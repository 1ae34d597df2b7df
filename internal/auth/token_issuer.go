package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL      = 12 * time.Hour
	defaultSessionIssuer = "storefront-session"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject or email claim must be provided")
)

// TokenIssuerConfig configures the session token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs the session tokens stored next to each identity entry.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}
}

// Issue produces a signed session token for the snapshot and its expiry time.
// The subject falls back to the email for identities without a backend id.
func (i *TokenIssuer) Issue(snapshot identity.Snapshot) (string, time.Time, error) {
	if len(i.signingSecret) == 0 {
		return "", time.Time{}, errMissingSigningSecret
	}
	subject := sessionSubject(snapshot)
	if subject == "" {
		return "", time.Time{}, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl).UTC()
	claims := SessionClaims{
		UserID:          subject,
		UserEmail:       snapshot.Email,
		UserDisplayName: snapshot.DisplayName,
		UserRole:        string(snapshot.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
