package security

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/infra/config"
)

var tokenEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, now time.Time) *TokenManager {
	t.Helper()
	mgr, err := NewTokenManager(config.JWTSettings{
		Secret:          "test-secret",
		Issuer:          "webapp",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("new token manager: %v", err)
	}
	return mgr.WithNow(func() time.Time { return now })
}

func TestTokenManagerIssueAndParse(t *testing.T) {
	mgr := newTestManager(t, tokenEpoch)

	raw, issued, err := mgr.Issue("user-1", domain.TokenTypeAccess, []string{"admin", " admin", ""})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.TokenID == "" {
		t.Fatalf("expected a token id")
	}

	cred, err := mgr.Parse(raw, domain.TokenTypeAccess)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cred.TokenID != issued.TokenID || cred.SubjectID != "user-1" || cred.Type != domain.TokenTypeAccess {
		t.Fatalf("unexpected credential %+v", cred)
	}
	if !cred.IssuedAt.Equal(tokenEpoch) || !cred.ExpiresAt.Equal(tokenEpoch.Add(15*time.Minute)) {
		t.Fatalf("unexpected lifetime %v - %v", cred.IssuedAt, cred.ExpiresAt)
	}
	if len(cred.Roles) != 1 || !cred.HasRole("admin") {
		t.Fatalf("expected normalized roles, got %v", cred.Roles)
	}
}

func TestTokenManagerRefreshLifetime(t *testing.T) {
	mgr := newTestManager(t, tokenEpoch)

	raw, _, err := mgr.Issue("user-1", domain.TokenTypeRefresh, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	cred, err := mgr.Parse(raw, "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cred.ExpiresAt.Sub(cred.IssuedAt); got != 24*time.Hour {
		t.Fatalf("expected refresh lifetime of 24h, got %v", got)
	}
}

func TestTokenManagerRejectsWrongType(t *testing.T) {
	mgr := newTestManager(t, tokenEpoch)

	raw, _, err := mgr.Issue("user-1", domain.TokenTypeRefresh, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := mgr.Parse(raw, domain.TokenTypeAccess); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("expected ErrWrongTokenType, got %v", err)
	}
}

func TestTokenManagerRejectsExpired(t *testing.T) {
	mgr := newTestManager(t, tokenEpoch)

	raw, _, err := mgr.Issue("user-1", domain.TokenTypeAccess, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	mgr.WithNow(func() time.Time { return tokenEpoch.Add(16 * time.Minute) })
	if _, err := mgr.Parse(raw, domain.TokenTypeAccess); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenManagerRejectsForeignSignature(t *testing.T) {
	mgr := newTestManager(t, tokenEpoch)
	other, err := NewTokenManager(config.JWTSettings{Secret: "other-secret", Issuer: "webapp"})
	if err != nil {
		t.Fatalf("new token manager: %v", err)
	}
	other.WithNow(func() time.Time { return tokenEpoch })

	raw, _, err := other.Issue("user-1", domain.TokenTypeAccess, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := mgr.Parse(raw, domain.TokenTypeAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenManagerRejectsMissingTokenID(t *testing.T) {
	mgr := newTestManager(t, tokenEpoch)

	claims := &Claims{
		Type: domain.TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "webapp",
			IssuedAt:  jwt.NewNumericDate(tokenEpoch),
			ExpiresAt: jwt.NewNumericDate(tokenEpoch.Add(time.Minute)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := mgr.Parse(raw, domain.TokenTypeAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewTokenManagerRequiresSecret(t *testing.T) {
	if _, err := NewTokenManager(config.JWTSettings{}); !errors.Is(err, ErrSigningSecretMissing) {
		t.Fatalf("expected ErrSigningSecretMissing, got %v", err)
	}
}
