// Package auth validates the bearer tokens that gate the orchestrator API.
//
// Tokens are HS256 JWTs carrying the caller identity (sub), a role used
// for authorization on mutating routes, and an optional requester string
// recorded on submitted runs.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is invalid
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidIssuer is returned when the token issuer is invalid
	ErrInvalidIssuer = errors.New("invalid issuer")

	// ErrMissingClaim is returned when a required claim is missing
	ErrMissingClaim = errors.New("missing required claim")
)

// Role values recognized on bearer tokens. Operators may submit, cancel,
// and transition; auditors and readers get the read-only surface.
const (
	RoleOperator = "operator"
	RoleAuditor  = "auditor"
	RoleReader   = "reader"
)

// Claims represents the custom claims in the JWT token
type Claims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	Requester string `json:"requester,omitempty"`
}

// ParsedClaims represents parsed and validated claims
type ParsedClaims struct {
	Subject   string
	Role      string
	Requester string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenValidator validates bearer tokens for the API surface.
type TokenValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (*ParsedClaims, error)
}

// HMACValidator validates HS256-signed JWTs against a shared secret.
type HMACValidator struct {
	secret []byte
	issuer string
}

// Config holds configuration for HMACValidator
type Config struct {
	// Secret signs and verifies tokens. Empty rejects every token.
	Secret string

	// Issuer, when set, must match the token's iss claim.
	Issuer string
}

// NewHMACValidator creates a new HS256 token validator
func NewHMACValidator(config Config) *HMACValidator {
	return &HMACValidator{
		secret: []byte(config.Secret),
		issuer: config.Issuer,
	}
}

// ValidateToken validates a JWT token and returns parsed claims
func (v *HMACValidator) ValidateToken(ctx context.Context, tokenString string) (*ParsedClaims, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	// Verify issuer when configured
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrInvalidIssuer, v.issuer, claims.Issuer)
	}

	return parseClaims(claims)
}

// IssueToken mints a signed token for the given subject and role.
// Used by provisioning tooling and tests.
func (v *HMACValidator) IssueToken(subject, role, requester string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:      role,
		Requester: requester,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// parseClaims converts Claims to ParsedClaims with required-claim checks
func parseClaims(claims *Claims) (*ParsedClaims, error) {
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.Role == "" {
		return nil, fmt.Errorf("%w: role", ErrMissingClaim)
	}

	parsed := &ParsedClaims{
		Subject:   claims.Subject,
		Role:      claims.Role,
		Requester: claims.Requester,
	}
	if claims.IssuedAt != nil {
		parsed.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		parsed.ExpiresAt = claims.ExpiresAt.Time
	}
	if parsed.Requester == "" {
		parsed.Requester = parsed.Subject
	}
	return parsed, nil
}
