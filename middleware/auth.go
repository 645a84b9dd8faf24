package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sentinelcp/control-plane/auth"
)

// Context keys
const (
	ActorKey  ContextKey = "actor_id"
	RoleKey   ContextKey = "role"
	ClaimsKey ContextKey = "claims"
)

// AuthMiddleware enforces JWT authentication on requests.
// STRICT: Fails fast on missing or malformed headers.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")

		// STRICT: Fail fast if missing
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		// STRICT: Validate format "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization format. Expected 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		tokenString := parts[1]

		claims, err := auth.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ActorKey, claims.ActorID)
		ctx = context.WithValue(ctx, RoleKey, claims.Role)
		ctx = context.WithValue(ctx, ClaimsKey, claims)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetActorFromContext retrieves the authenticated actor id from the context.
func GetActorFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(ActorKey)
	if val == nil {
		return "", fmt.Errorf("actor_id not found in context")
	}
	actorID, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("actor_id in context is not a string")
	}
	return actorID, nil
}

// GetRoleFromContext retrieves the role from the context.
func GetRoleFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(RoleKey)
	if val == nil {
		return "", fmt.Errorf("role not found in context")
	}
	role, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("role in context is not a string")
	}
	return role, nil
}
