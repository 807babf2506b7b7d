package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const userIDKey contextKey = "user_id"

// UserIDFromContext returns the authenticated subject, or an empty
// string for anonymous requests.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// Authenticator validates HS256 bearer tokens on protected routes.
type Authenticator struct {
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator builds a JWT authenticator. The secret must be at
// least 32 bytes.
func NewAuthenticator(secret string, logger *slog.Logger) (*Authenticator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes, got %d", len(secret))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		secret: []byte(secret),
		logger: logger.With(slog.String("component", "auth")),
	}, nil
}

// Middleware rejects requests without a valid bearer token and stores
// the token subject in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			a.deny(w, r, "missing bearer token")
			return
		}

		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return a.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !parsed.Valid {
			a.deny(w, r, "invalid token")
			return
		}

		subject, _ := claims.GetSubject()
		ctx := context.WithValue(r.Context(), userIDKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IssueToken mints a token for the given subject. Used by tests and the
// CLI, not exposed over HTTP.
func (a *Authenticator) IssueToken(subject string, claims jwt.MapClaims) (string, error) {
	if claims == nil {
		claims = jwt.MapClaims{}
	}
	claims["sub"] = subject
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (a *Authenticator) deny(w http.ResponseWriter, r *http.Request, reason string) {
	a.logger.Warn("request rejected",
		slog.String("reason", reason),
		slog.String("path", r.URL.Path),
		slog.String("client_ip", clientIP(r)),
	)
	w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
