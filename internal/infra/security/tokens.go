package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	uuid "github.com/google/uuid"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/infra/config"
)

var (
	// ErrInvalidToken indicates a malformed token or a bad signature.
	ErrInvalidToken = errors.New("jwt: invalid token")
	// ErrTokenExpired indicates the token exp claim has passed.
	ErrTokenExpired = errors.New("jwt: token expired")
	// ErrWrongTokenType indicates an access token was expected but a refresh token was presented, or vice versa.
	ErrWrongTokenType = errors.New("jwt: unexpected token type")
	// ErrSigningSecretMissing indicates no HMAC secret was configured.
	ErrSigningSecretMissing = errors.New("jwt: signing secret is required")
)

// Claims is the JWT payload issued and accepted by this service.
type Claims struct {
	Type  domain.TokenType `json:"type"`
	Roles []string         `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies HS256 bearer tokens.
type TokenManager struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenManager builds a TokenManager from JWT settings.
func NewTokenManager(cfg config.JWTSettings) (*TokenManager, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, ErrSigningSecretMissing
	}

	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = 24 * time.Hour
	}

	return &TokenManager{
		secret:     []byte(secret),
		issuer:     strings.TrimSpace(cfg.Issuer),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithNow overrides the clock used for iat/exp and validation.
func (m *TokenManager) WithNow(now func() time.Time) *TokenManager {
	if now != nil {
		m.now = now
	}
	return m
}

// Issue signs a new token for subject and returns it with the credential it encodes.
func (m *TokenManager) Issue(subject string, tokenType domain.TokenType, roles []string) (string, domain.Credential, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", domain.Credential{}, fmt.Errorf("jwt: subject is required")
	}

	ttl := m.accessTTL
	switch tokenType {
	case domain.TokenTypeAccess:
	case domain.TokenTypeRefresh:
		ttl = m.refreshTTL
	default:
		return "", domain.Credential{}, fmt.Errorf("%w: %q", ErrWrongTokenType, tokenType)
	}

	// JWT timestamps carry whole seconds.
	now := m.now().UTC().Truncate(time.Second)
	claims := &Claims{
		Type:  tokenType,
		Roles: normalizeRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", domain.Credential{}, fmt.Errorf("jwt: sign token: %w", err)
	}

	return signed, claims.credential(), nil
}

// Parse verifies raw and returns its credential. expected may be empty to accept any type.
func (m *TokenManager) Parse(raw string, expected domain.TokenType) (domain.Credential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Credential{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Credential{}, ErrTokenExpired
		}
		return domain.Credential{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if strings.TrimSpace(claims.ID) == "" || strings.TrimSpace(claims.Subject) == "" {
		return domain.Credential{}, fmt.Errorf("%w: jti and sub are required", ErrInvalidToken)
	}
	if expected != "" && claims.Type != expected {
		return domain.Credential{}, ErrWrongTokenType
	}

	return claims.credential(), nil
}

func (c *Claims) credential() domain.Credential {
	cred := domain.Credential{
		TokenID:   c.ID,
		SubjectID: c.Subject,
		Type:      c.Type,
		Roles:     c.Roles,
	}
	if c.IssuedAt != nil {
		cred.IssuedAt = c.IssuedAt.Time.UTC()
	}
	if c.ExpiresAt != nil {
		cred.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	return cred
}

func normalizeRoles(input []string) []string {
	if len(input) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(input))
	result := make([]string, 0, len(input))
	for _, role := range input {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		if _, exists := seen[role]; exists {
			continue
		}
		seen[role] = struct{}{}
		result = append(result, role)
	}

	if len(result) == 0 {
		return nil
	}

	return result
}
