package server

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type callerKey struct{}

// WithCaller returns ctx carrying the authenticated caller.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the authenticated caller, or "" if none.
func CallerFromContext(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}

// Authenticator verifies HS256 bearer tokens. The token subject is the
// caller identity the ledger checks roles against.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

// Verify parses an Authorization header value ("Bearer <jwt>") and
// returns the caller.
func (a *Authenticator) Verify(header string) (string, error) {
	if header == "" {
		return "", status.Error(codes.Unauthenticated, "missing authorization")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", status.Error(codes.Unauthenticated, "invalid authorization format")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", status.Error(codes.Unauthenticated, "invalid token")
	}
	if claims.Subject == "" {
		return "", status.Error(codes.Unauthenticated, "token has no subject")
	}
	return claims.Subject, nil
}

// IssueToken mints a bearer token for caller. A ttl of zero means the
// token never expires.
func IssueToken(secret []byte, caller string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  caller,
		Issuer:   "finledger",
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
