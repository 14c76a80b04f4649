// Package auth provides bearer-token authentication middleware for the
// billing API: HS256 user tokens and a service-role credential for admin
// routes.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// UserIDKey is the request context key holding the authenticated user id
const UserIDKey contextKey = "userID"

const (
	bearerPrefix     = "Bearer "
	serviceRoleClaim = "service_role"
	defaultLeeway    = 30 * time.Second
)

var (
	// ErrMissingToken is returned when the request has no bearer token
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned when a token fails verification
	ErrInvalidToken = errors.New("invalid token")

	// ErrForbidden is returned when a valid token lacks the required role
	ErrForbidden = errors.New("insufficient role")
)

// Claims are the token claims the middleware reads
type Claims struct {
	Role  string `json:"role,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Config holds middleware configuration
type Config struct {
	// JWTSecret verifies HS256 tokens (required)
	JWTSecret string

	// ServiceRoleKey is a static bearer credential accepted on service
	// routes. Empty disables it; service-role JWTs are still accepted.
	ServiceRoleKey string

	// Leeway tolerates clock skew on exp/nbf (default 30s)
	Leeway time.Duration

	// OnUnauthorized writes the rejection. If nil, a JSON error with 401
	// or 403 is written.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request, err error)
}

// Authenticator verifies bearer credentials
type Authenticator struct {
	secret         []byte
	serviceRoleKey []byte
	parser         *jwt.Parser
	onUnauthorized func(w http.ResponseWriter, r *http.Request, err error)
}

// New creates an Authenticator
func New(config Config) (*Authenticator, error) {
	if config.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if config.Leeway == 0 {
		config.Leeway = defaultLeeway
	}
	onUnauthorized := config.OnUnauthorized
	if onUnauthorized == nil {
		onUnauthorized = writeUnauthorized
	}

	return &Authenticator{
		secret:         []byte(config.JWTSecret),
		serviceRoleKey: []byte(config.ServiceRoleKey),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(config.Leeway),
			jwt.WithExpirationRequired(),
		),
		onUnauthorized: onUnauthorized,
	}, nil
}

// Parse verifies a token and returns its claims
func (a *Authenticator) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := a.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// RequireUser admits requests carrying a valid user token and stores its
// subject under UserIDKey
func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			a.onUnauthorized(w, r, ErrMissingToken)
			return
		}

		claims, err := a.Parse(tokenString)
		if err != nil {
			a.onUnauthorized(w, r, err)
			return
		}
		if claims.Subject == "" {
			a.onUnauthorized(w, r, fmt.Errorf("%w: subject missing", ErrInvalidToken))
			return
		}

		ctx := context.WithValue(r.Context(), UserIDKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireServiceRole admits the static service-role key or a token whose
// role claim is service_role
func (a *Authenticator) RequireServiceRole(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			a.onUnauthorized(w, r, ErrMissingToken)
			return
		}

		if len(a.serviceRoleKey) > 0 && subtle.ConstantTimeCompare([]byte(tokenString), a.serviceRoleKey) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := a.Parse(tokenString)
		if err != nil {
			a.onUnauthorized(w, r, err)
			return
		}
		if claims.Role != serviceRoleClaim {
			a.onUnauthorized(w, r, ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserID returns the user id stored by RequireUser
func UserID(ctx context.Context) string {
	userID, _ := ctx.Value(UserIDKey).(string)
	return userID
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}

func writeUnauthorized(w http.ResponseWriter, _ *http.Request, err error) {
	code := http.StatusUnauthorized
	if errors.Is(err, ErrForbidden) {
		code = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":%q}`+"\n", http.StatusText(code))
}
