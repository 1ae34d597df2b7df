package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultJWKSCacheTTL = 10 * time.Minute
	defaultGoogleJWKS   = "https://www.googleapis.com/oauth2/v3/certs"
)

var (
	errMissingIDToken        = errors.New("id token must not be empty")
	errMissingKeyIdentifier  = errors.New("token missing key identifier")
	errUntrustedIssuer       = errors.New("token issuer not allowed")
	errMissingGoogleSubject  = errors.New("token missing subject claim")
	errMissingGoogleEmail    = errors.New("token missing email claim")
	errUnverifiedEmail       = errors.New("token email not verified")
	ErrInvalidVerifierConfig = errors.New("auth: invalid google verifier config")
)

var defaultGoogleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// GoogleVerifierConfig bundles configuration required to instantiate a GoogleVerifier.
type GoogleVerifierConfig struct {
	ClientID       string
	JWKSURL        string
	AllowedIssuers []string
	HTTPClient     *http.Client
	CacheTTL       time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// GoogleClaims is the verified part of a Google ID token.
type GoogleClaims struct {
	Subject string
	Email   string
	Name    string
	Picture string
	Issuer  string
	Expiry  time.Time
}

// Candidate converts the verified claims into a reconciliation candidate.
// Google never asserts storefront roles, so role and status stay absent.
func (c GoogleClaims) Candidate() identity.Candidate {
	return identity.Candidate{
		SubjectID:   c.Subject,
		Email:       strings.ToLower(c.Email),
		DisplayName: c.Name,
		AvatarURL:   c.Picture,
		Provenance:  identity.ProvenanceDelegatedProvider,
	}
}

type googleIDTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	jwt.RegisteredClaims
}

// GoogleVerifier verifies Google ID tokens offline using cached JWKS.
type GoogleVerifier struct {
	clientID string
	keys     *keySet
	issuers  map[string]struct{}
	clock    func() time.Time
}

// NewGoogleVerifier constructs a verifier with validated configuration.
func NewGoogleVerifier(cfg GoogleVerifierConfig) (*GoogleVerifier, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: client id required", ErrInvalidVerifierConfig)
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		jwksURL = defaultGoogleJWKS
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultJWKSCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	allowed := cfg.AllowedIssuers
	if len(allowed) == 0 {
		allowed = defaultGoogleIssuers
	}
	issuers := make(map[string]struct{}, len(allowed))
	for _, issuer := range allowed {
		if normalized := strings.TrimSpace(issuer); normalized != "" {
			issuers[normalized] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: no allowed issuers configured", ErrInvalidVerifierConfig)
	}

	return &GoogleVerifier{
		clientID: clientID,
		keys:     newKeySet(jwksURL, httpClient, cacheTTL, logger),
		issuers:  issuers,
		clock:    clock,
	}, nil
}

// Verify validates the ID token signature, audience, issuer and email claims.
func (v *GoogleVerifier) Verify(ctx context.Context, rawToken string) (GoogleClaims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return GoogleClaims{}, errMissingIDToken
	}

	claims := &googleIDTokenClaims{}
	_, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			return v.keys.lookup(ctx, keyID, v.clock())
		},
		jwt.WithAudience(v.clientID),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return GoogleClaims{}, err
	}

	if _, allowed := v.issuers[claims.Issuer]; !allowed {
		return GoogleClaims{}, errUntrustedIssuer
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return GoogleClaims{}, errMissingGoogleSubject
	}
	if strings.TrimSpace(claims.Email) == "" {
		return GoogleClaims{}, errMissingGoogleEmail
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return GoogleClaims{}, errUnverifiedEmail
	}

	return GoogleClaims{
		Subject: claims.Subject,
		Email:   strings.TrimSpace(claims.Email),
		Name:    strings.TrimSpace(claims.Name),
		Picture: strings.TrimSpace(claims.Picture),
		Issuer:  claims.Issuer,
		Expiry:  claims.ExpiresAt.Time,
	}, nil
}
