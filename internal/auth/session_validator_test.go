package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
	"github.com/golang-jwt/jwt/v5"
)

const testSessionSigningSecret = "secret"

func TestSessionValidatorAcceptsIssuedToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }
	issuer := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte(testSessionSigningSecret), Clock: clock})
	validator, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte(testSessionSigningSecret), Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	token, _, err := issuer.Issue(identity.Snapshot{SubjectID: "user-123", Email: "user@example.com", Role: identity.RoleCreator})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != "user-123" || claims.UserRole != "creator" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestSessionValidatorReportsExpiry(t *testing.T) {
	issuedAt := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		TokenTTL:      time.Hour,
		Clock:         func() time.Time { return issuedAt },
	})
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock:         func() time.Time { return issuedAt.Add(2 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	token, _, err := issuer.Issue(identity.Snapshot{Email: "user@example.com"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignTokens(t *testing.T) {
	validator, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte(testSessionSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	otherSecret := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("other")})
	token, _, err := otherSecret.Issue(identity.Snapshot{SubjectID: "user-1"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for foreign secret, got %v", err)
	}

	otherIssuer := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte(testSessionSigningSecret), Issuer: "someone-else"})
	token, _, err = otherIssuer.Issue(identity.Snapshot{SubjectID: "user-1"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for foreign issuer, got %v", err)
	}

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := noSubject.SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrMissingSessionSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}

	if _, err := validator.ValidateToken("  "); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestValidateSessionRequiresMatchingIdentity(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte(testSessionSigningSecret)})
	validator, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte(testSessionSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	owner := identity.Snapshot{SubjectID: "user-1", Email: "owner@example.com"}
	token, _, err := issuer.Issue(owner)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if _, err := validator.ValidateSession(token, owner); err != nil {
		t.Fatalf("expected token to match its owner: %v", err)
	}

	other := identity.Snapshot{SubjectID: "user-2", Email: "other@example.com"}
	if _, err := validator.ValidateSession(token, other); !errors.Is(err, ErrSessionIdentityMismatch) {
		t.Fatalf("expected identity mismatch, got %v", err)
	}

	emailOnly := identity.Snapshot{Email: "guest@example.com"}
	guestToken, _, err := issuer.Issue(emailOnly)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if _, err := validator.ValidateSession(guestToken, emailOnly); err != nil {
		t.Fatalf("expected email-subject token to validate: %v", err)
	}
}
