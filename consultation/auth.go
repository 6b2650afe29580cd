// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in the identity
const (
	RoleStudent = "student"
	RoleStaff   = "staff"
	RoleAdmin   = "admin"
)

// Identity is the authenticated caller
type Identity struct {
	UserID int64
	Role   string
}

// IsStaff reports whether the caller may work on transfers
func (i Identity) IsStaff() bool {
	return i.Role == RoleStaff || i.Role == RoleAdmin
}

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller stored by the auth middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

var errUnauthenticated = errors.New("unauthenticated")

// Authenticator turns requests into identities. With a secret it validates
// HS256 bearer tokens carrying user_id and role claims; without one it trusts
// X-User-ID / X-User-Role headers, which is only meant for local development.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an Authenticator for secret (may be empty).
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// DevMode reports whether header identities are accepted.
func (a *Authenticator) DevMode() bool {
	return len(a.secret) == 0
}

// Authenticate extracts the caller from r.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if a.DevMode() {
		return identityFromHeaders(r)
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Identity{}, errUnauthenticated
	}
	tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token: %v", errUnauthenticated, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: invalid token claims", errUnauthenticated)
	}

	userID, ok := claims["user_id"].(float64)
	if !ok || userID <= 0 {
		return Identity{}, fmt.Errorf("%w: token has no user_id", errUnauthenticated)
	}

	role := getClaimString(claims, "role")
	if role == "" {
		role = RoleStudent
	}
	return Identity{UserID: int64(userID), Role: strings.ToLower(role)}, nil
}

func identityFromHeaders(r *http.Request) (Identity, error) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		return Identity{}, errUnauthenticated
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return Identity{}, fmt.Errorf("%w: bad X-User-ID", errUnauthenticated)
	}
	role := strings.ToLower(strings.TrimSpace(r.Header.Get("X-User-Role")))
	if role == "" {
		role = RoleStudent
	}
	return Identity{UserID: userID, Role: role}, nil
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

// Middleware rejects unauthenticated requests with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		id, err := a.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
