package middleware

import (
	"context"
	"fmt"
	"net/http"
)

// ContextKey is a strict type for context keys to prevent collisions.
type ContextKey string

const (
	// ProjectKey is the context key for the ProjectID.
	ProjectKey ContextKey = "project_id"
	// ProjectHeader is the HTTP header expected to carry the ProjectID.
	ProjectHeader = "X-Project-ID"
)

// ProjectMiddleware extracts the ProjectID from the request header and injects
// it into the context. It returns 400 Bad Request if the header is missing.
func ProjectMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectID := r.Header.Get(ProjectHeader)

		if projectID == "" {
			http.Error(w, fmt.Sprintf("Missing required header: %s", ProjectHeader), http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), ProjectKey, projectID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetProjectFromContext safely retrieves the ProjectID from the context.
func GetProjectFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(ProjectKey)
	if val == nil {
		return "", fmt.Errorf("project_id not found in context")
	}

	projectID, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("project_id in context is not a string")
	}

	return projectID, nil
}
