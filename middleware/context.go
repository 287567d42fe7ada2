package middleware

import (
	"context"

	"github.com/upb/crypto-control-plane/internal/auth"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// ClaimsKey is the context key for validated bearer token claims
	ClaimsKey contextKey = "claims"
)

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetClaimsFromContext retrieves validated claims from context
func GetClaimsFromContext(ctx context.Context) *auth.ParsedClaims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(*auth.ParsedClaims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds validated claims to the context
func WithClaims(ctx context.Context, claims *auth.ParsedClaims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetRequesterFromContext returns the requester recorded on runs submitted
// through this request. Empty when the request is unauthenticated.
func GetRequesterFromContext(ctx context.Context) string {
	if claims := GetClaimsFromContext(ctx); claims != nil {
		return claims.Requester
	}
	return ""
}
