package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/chronicle/pkg/api"
)

// Scopes understood by the chronicle endpoints.
const (
	ScopeIntake = "intake"
	ScopeStage  = "stage"
	ScopeRead   = "read"
)

// Claims are the JWT claims expected from producers and operators.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// JWTValidator validates HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewJWTValidator returns nil for an empty secret.
func NewJWTValidator(secret, issuer string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}
}

// Validate parses and validates a JWT token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Sign issues a token for subject with the given scopes. Used by operators
// to mint producer credentials.
func (v *JWTValidator) Sign(subject string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// DefaultPublicPaths are reachable without a token.
var DefaultPublicPaths = []string{"/", "/health"}

// NewMiddleware creates JWT auth middleware. Requests to publicPaths (exact
// match) pass through. If validator is nil, all other requests are rejected.
func NewMiddleware(validator *JWTValidator, publicPaths ...string) func(http.Handler) http.Handler {
	if len(publicPaths) == 0 {
		publicPaths = DefaultPublicPaths
	}
	public := make(map[string]struct{}, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := public[r.URL.Path]; ok || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || tokenStr == "" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if validator == nil {
				api.WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := validator.Validate(tokenStr)
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, "Token subject is required")
				return
			}

			ctx := WithPrincipal(r.Context(), &Principal{ID: claims.Subject, Scopes: claims.Scopes})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope rejects authenticated requests whose token lacks scope.
// Requests without a principal pass, so the check is inert when auth is off.
func RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := GetPrincipal(r.Context())
		if err == nil && !p.HasScope(scope) {
			api.WriteError(w, http.StatusForbidden, "Forbidden", fmt.Sprintf("Token lacks the %q scope", scope))
			return
		}
		next.ServeHTTP(w, r)
	})
}
