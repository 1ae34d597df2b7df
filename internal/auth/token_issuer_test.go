package auth

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerFallsBackToEmailSubject(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		TokenTTL:      30 * time.Minute,
		Clock:         func() time.Time { return now },
	})

	tokenString, expiresAt, err := issuer.Issue(identity.Snapshot{Email: "a@b.com", DisplayName: "Ada"})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims := &SessionClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return now }))
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "a@b.com" || claims.UserID != "a@b.com" {
		t.Fatalf("expected email subject, got %+v", claims)
	}
	if claims.Issuer != defaultSessionIssuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
}

func TestTokenIssuerRejectsMissingSecretOrSubject(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{})
	if _, _, err := issuer.Issue(identity.Snapshot{SubjectID: "user-1"}); err != errMissingSigningSecret {
		t.Fatalf("expected missing secret error, got %v", err)
	}

	issuer = NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret")})
	if _, _, err := issuer.Issue(identity.Snapshot{}); err != errMissingSubjectClaim {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}
