package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/linkflow-ai/migrator/internal/platform/logger"
	"github.com/linkflow-ai/migrator/internal/platform/response"
)

type contextKey string

const rolesKey contextKey = "roles"

// Claims are the token claims the migration API understands
type Claims struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware provides JWT authentication
type AuthMiddleware struct {
	jwtSecret []byte
	issuer    string
	skipPaths []string
}

// NewAuthMiddleware creates a new auth middleware. An empty issuer accepts any.
func NewAuthMiddleware(jwtSecret []byte, issuer string) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret: jwtSecret,
		issuer:    issuer,
		skipPaths: []string{"/health/", "/metrics"},
	}
}

// Middleware returns the middleware handler
func (m *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, path := range m.skipPaths {
			if strings.HasPrefix(r.URL.Path, path) {
				next.ServeHTTP(w, r)
				return
			}
		}

		tokenString, ok := bearerToken(r)
		if !ok {
			response.ErrorWithMessage(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or malformed authorization header")
			return
		}

		parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
		if m.issuer != "" {
			parserOpts = append(parserOpts, jwt.WithIssuer(m.issuer))
		}

		var claims Claims
		token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
			return m.jwtSecret, nil
		}, parserOpts...)
		if err != nil || !token.Valid {
			response.ErrorWithMessage(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}

		userID := claims.UserID
		if userID == "" {
			userID = claims.Subject
		}
		ctx := context.WithValue(r.Context(), logger.UserIDKey, userID)
		ctx = context.WithValue(ctx, rolesKey, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken reads the token from the Authorization header, or from the
// access_token query parameter for WebSocket handshakes
func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := r.URL.Query().Get("access_token"); token != "" && websocketUpgrade(r) {
		return token, true
	}
	return "", false
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// RequireAnyRole rejects requests whose token carries none of roles
func (m *AuthMiddleware) RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userRoles, _ := ExtractRoles(r.Context())
			for _, have := range userRoles {
				for _, want := range roles {
					if have == want {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			response.ErrorWithMessage(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions")
		})
	}
}

// RequireRoleForWrites applies RequireAnyRole to every method except GET and HEAD
func (m *AuthMiddleware) RequireRoleForWrites(roles ...string) func(http.Handler) http.Handler {
	guard := m.RequireAnyRole(roles...)
	return func(next http.Handler) http.Handler {
		guarded := guard(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			guarded.ServeHTTP(w, r)
		})
	}
}

// ExtractUserID extracts the user ID from the context
func ExtractUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(logger.UserIDKey).(string)
	return userID, ok && userID != ""
}

// ExtractRoles extracts roles from the context
func ExtractRoles(ctx context.Context) ([]string, bool) {
	roles, ok := ctx.Value(rolesKey).([]string)
	return roles, ok
}

// RequestID propagates X-Request-ID, generating one when absent, and stores
// it in the context for log correlation and event correlation ids
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), logger.RequestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
