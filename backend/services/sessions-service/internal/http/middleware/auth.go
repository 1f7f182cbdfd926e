package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	userIDKey contextKey = "userID"

	// UserIDHeader carries the caller id set by the upstream gateway.
	UserIDHeader = "X-User-ID"
)

var errNoIdentity = errors.New("caller identity missing")

// Authenticator resolves the calling user. With a secret it validates HS256 bearer
// tokens carrying a user_id claim; without one it trusts the gateway's X-User-ID header.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds authenticator.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(strings.TrimSpace(secret))}
}

// Identify returns the caller's user id.
func (a *Authenticator) Identify(r *http.Request) (int64, error) {
	if len(a.secret) == 0 {
		raw := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if raw == "" {
			return 0, errNoIdentity
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return 0, fmt.Errorf("invalid %s header", UserIDHeader)
		}
		return id, nil
	}

	tokenStr := bearer(r)
	if tokenStr == "" {
		// Browsers cannot set headers on websocket upgrades.
		tokenStr = r.URL.Query().Get("token")
	}
	if tokenStr == "" {
		return 0, errNoIdentity
	}
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenInvalidClaims
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errors.New("invalid token claims")
	}
	return extractUserID(claims)
}

// IdentifyOK adapts Identify for the realtime server.
func (a *Authenticator) IdentifyOK(r *http.Request) (int64, bool) {
	id, err := a.Identify(r)
	return id, err == nil
}

// Require rejects requests without a resolvable caller.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.Identify(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = fmt.Fprintf(w, `{"error":{"code":"UNAUTHORIZED","message":%q}}`, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func bearer(r *http.Request) string {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func extractUserID(claims jwt.MapClaims) (int64, error) {
	switch v := claims["user_id"].(type) {
	case float64:
		return int64(v), nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, err
		}
		return id, nil
	default:
		return 0, fmt.Errorf("user_id not present")
	}
}

// WithUserID stores the caller id on the context.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext retrieves userID from request context.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}
