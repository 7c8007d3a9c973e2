package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Authenticator guards the admin surface with HMAC-signed bearer tokens.
type Authenticator struct {
	secret    []byte
	issuer    string
	clockSkew time.Duration
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{
		secret:    []byte(strings.TrimSpace(secret)),
		issuer:    issuer,
		clockSkew: 2 * time.Minute,
	}
}

// Middleware rejects requests without a valid token carrying the required
// scope. With no secret configured the whole admin surface is closed.
func (a *Authenticator) Middleware(requiredScope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(a.secret) == 0 {
				http.Error(w, "admin access not configured", http.StatusForbidden)
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := a.parseToken(tokenString)
			if err != nil {
				slog.Warn("auth: token rejected", "error", err, "path", r.URL.Path)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if requiredScope != "" && !hasScope(claims, requiredScope) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	options := []jwt.ParserOption{jwt.WithLeeway(a.clockSkew), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		options = append(options, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, options...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims are not a map")
	}
	return claims, nil
}

func hasScope(claims jwt.MapClaims, required string) bool {
	raw, ok := claims["scope"]
	if !ok {
		return false
	}
	switch v := raw.(type) {
	case string:
		for _, scope := range strings.Fields(v) {
			if scope == required {
				return true
			}
		}
	case []interface{}:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s == required {
				return true
			}
		}
	}
	return false
}

func extractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
