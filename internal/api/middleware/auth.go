package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/delaywatch/delaywatch/internal/api/models"
	"github.com/delaywatch/delaywatch/internal/auth"
)

type operatorKey struct{}

// TokenValidator resolves a bearer token to an operator name.
type TokenValidator interface {
	ValidateAccessToken(token string) (string, error)
}

var _ TokenValidator = (*auth.JWTService)(nil)

// Auth creates middleware that requires a valid operator bearer token.
func Auth(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeUnauthorized(w, r, "missing authorization header")
				return
			}

			const bearerPrefix = "Bearer "
			if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
				writeUnauthorized(w, r, "invalid authorization header format")
				return
			}

			token := strings.TrimSpace(header[len(bearerPrefix):])
			if token == "" {
				writeUnauthorized(w, r, "missing bearer token")
				return
			}

			operator, err := tokens.ValidateAccessToken(token)
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrAccessTokenExpired):
					writeUnauthorized(w, r, "access token has expired")
				case errors.Is(err, auth.ErrInvalidAccessToken):
					writeUnauthorized(w, r, "invalid access token")
				default:
					writeUnauthorized(w, r, "authentication failed")
				}
				return
			}

			if fields := getLogFields(r.Context()); fields != nil {
				fields.operator = operator
			}
			ctx := context.WithValue(r.Context(), operatorKey{}, operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Written here rather than through the response package, which imports this one.
func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	problem := models.NewUnauthorized(GetRequestID(r.Context()), detail)
	problem.Instance = r.URL.Path
	problem.Write(w)
}

// GetOperator returns the authenticated operator, or "" for anonymous requests.
func GetOperator(ctx context.Context) string {
	if op, ok := ctx.Value(operatorKey{}).(string); ok {
		return op
	}
	return ""
}
