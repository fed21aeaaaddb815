package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"escrowd/models"
)

type authContextKey string

const contextKeyClaims authContextKey = "jwt_claims"

// Claims is the identity extracted from the bearer token: the party's
// identifier and their role in the marketplace.
type Claims struct {
	Subject uuid.UUID
	Role    models.Actor
}

var allowedRoles = map[models.Actor]struct{}{
	models.ActorBuyer:    {},
	models.ActorSeller:   {},
	models.ActorPlatform: {},
}

// Authenticator verifies HS256 bearer tokens and attaches the resulting
// claims to the request context.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds an authenticator over the shared signing secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := a.parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) parse(raw string) (Claims, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return Claims{}, errors.New("token verification failed")
	}
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("unexpected claims shape")
	}
	subject, _ := mapClaims["sub"].(string)
	id, err := uuid.Parse(subject)
	if err != nil {
		return Claims{}, errors.New("subject is not a valid id")
	}
	roleRaw, _ := mapClaims["role"].(string)
	role := models.Actor(strings.ToLower(strings.TrimSpace(roleRaw)))
	if _, ok := allowedRoles[role]; !ok {
		return Claims{}, errors.New("unsupported role")
	}
	return Claims{Subject: id, Role: role}, nil
}

// ClaimsFromContext returns the authenticated claims, if present.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(contextKeyClaims).(Claims)
	return claims, ok
}

// RequireRole limits a route to the listed roles.
func RequireRole(roles ...models.Actor) func(http.Handler) http.Handler {
	allowed := make(map[models.Actor]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IssueToken mints a token for the given identity. Exposed for tests and
// operational tooling.
func (a *Authenticator) IssueToken(subject uuid.UUID, role models.Actor) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject.String(),
		"role": string(role),
	})
	return token.SignedString(a.secret)
}
