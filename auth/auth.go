package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Context keys for storing authenticated identity information.
type contextKey string

const (
	contextKeyClaims   contextKey = "jwt_claims"
	contextKeyIdentity contextKey = "identity"
	contextKeyRole     contextKey = "role"
)

// Role represents an authorized persona within the referral service.
type Role string

// Supported roles. Participants and program owners authenticate as users;
// protocol operations require the authority role.
const (
	RoleUser      Role = "user"
	RoleAuthority Role = "authority"
)

var allowedRoles = map[Role]struct{}{
	RoleUser:      {},
	RoleAuthority: {},
}

// Claims represents identity data extracted from the inbound request.
type Claims struct {
	Subject string
	Role    Role
}

// Options controls signature verification and claim handling. Only HS256 is
// supported.
type Options struct {
	Secret         []byte
	Issuer         string
	Audience       string
	MaxSkewSeconds int
}

// Middleware provides HTTP middleware that enforces bearer JWT
// authentication.
type Middleware struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewMiddleware constructs a Middleware using the supplied options.
func NewMiddleware(opts Options) (*Middleware, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: HS256 secret must not be empty")
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	leeway := time.Duration(opts.MaxSkewSeconds) * time.Second
	if opts.MaxSkewSeconds <= 0 {
		leeway = 30 * time.Second
	}
	return &Middleware{
		secret:   opts.Secret,
		issuer:   issuer,
		audience: strings.TrimSpace(opts.Audience),
		leeway:   leeway,
		now:      time.Now,
	}, nil
}

// Middleware applies JWT enforcement before invoking the next handler.
func (m *Middleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(parts[1])
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		claims, err := m.Verify(token)
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		ctx = context.WithValue(ctx, contextKeyIdentity, claims.Subject)
		ctx = context.WithValue(ctx, contextKeyRole, string(claims.Role))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Verify parses and validates a bearer token, returning its claims.
func (m *Middleware) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithLeeway(m.leeway),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	mapClaims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, mapClaims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("auth: token validation failed")
	}

	subject := ""
	if sub, ok := mapClaims["sub"].(string); ok {
		subject = strings.ToLower(strings.TrimSpace(sub))
	}
	if subject == "" {
		return nil, errors.New("auth: token subject missing")
	}

	roleStr, _ := mapClaims["role"].(string)
	role := Role(strings.ToLower(strings.TrimSpace(roleStr)))
	if role == "" {
		role = RoleUser
	}
	if _, ok := allowedRoles[role]; !ok {
		return nil, fmt.Errorf("auth: role %q is not permitted", role)
	}

	return &Claims{Subject: subject, Role: role}, nil
}

// FromContext extracts the Claims previously attached by the middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("auth: missing context")
	}
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	identity, ok := ctx.Value(contextKeyIdentity).(string)
	if !ok || identity == "" {
		return nil, errors.New("auth: missing identity in context")
	}
	roleStr, ok := ctx.Value(contextKeyRole).(string)
	if !ok || roleStr == "" {
		return nil, errors.New("auth: missing role in context")
	}
	return &Claims{Subject: identity, Role: Role(roleStr)}, nil
}

// RequireRole ensures the authenticated identity has one of the allowed
// roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Sign issues an HS256 token for the given subject and role. Used by tests
// and local tooling.
func Sign(secret []byte, issuer, audience, subject string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"iss":  issuer,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if audience != "" {
		claims["aud"] = audience
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
