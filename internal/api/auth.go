package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Roles accepted in the role claim.
const (
	RoleAdmin    = "admin"
	RoleAnalista = "analista"
	RoleLector   = "lector"
)

var errAuthNotConfigured = errors.New("authentication not configured")

// Claims defines the structure of the JWT claims.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

// ClaimsFromContext returns the claims of an authenticated request.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
	logger *zap.Logger
}

// NewAuthenticator creates an authenticator. An empty secret rejects every
// request.
func NewAuthenticator(secret, issuer string, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		logger: logger,
	}
}

// Middleware rejects requests without a valid token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.authenticate(r)
		if err != nil {
			a.logger.Debug("Rejected request", zap.String("method", r.Method), zap.Error(err))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errAuthNotConfigured
	}

	scheme, tokenString, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
		return nil, errors.New("missing bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	switch claims.Role {
	case RoleAdmin, RoleAnalista, RoleLector:
	default:
		return nil, errors.New("unknown role")
	}
	if claims.Subject == "" {
		return nil, errors.New("missing subject")
	}
	return claims, nil
}

// IssueToken signs a token for subject with the given role.
func (a *Authenticator) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errAuthNotConfigured
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// roleOf is the rate limit tier of a request.
func roleOf(r *http.Request) string {
	if c, ok := ClaimsFromContext(r.Context()); ok {
		return c.Role
	}
	return ""
}

// subjectOf identifies the caller for rate limiting. Anonymous callers fall
// back to their address.
func subjectOf(r *http.Request) string {
	if c, ok := ClaimsFromContext(r.Context()); ok {
		return c.Subject
	}
	return ""
}
