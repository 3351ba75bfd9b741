package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/teller-assist/internal/promotion"
)

type authInfoKey struct{}

// AuthInfo is the verified identity behind a request.
type AuthInfo struct {
	ClientID string
	Name     string
	Role     promotion.Role
	Scopes   map[string]struct{}
}

// Actor is the identity the promotion workflow records for this caller.
func (ai *AuthInfo) Actor() promotion.Actor {
	return promotion.Actor{Name: ai.Name, Role: ai.Role}
}

func (ai *AuthInfo) HasScope(s string) bool {
	_, ok := ai.Scopes[s]
	return ok
}

func AuthInfoFromContext(ctx context.Context) (*AuthInfo, bool) {
	ai, ok := ctx.Value(authInfoKey{}).(*AuthInfo)
	return ai, ok
}

// WithAuthInfo stores ai on ctx. Used by Authenticate and by tests.
func WithAuthInfo(ctx context.Context, ai *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey{}, ai)
}

type JWTValidator struct {
	KeySet *KeySet
	Issuer string
}

func (v *JWTValidator) Validate(tokenString string) (*AccessTokenClaims, error) {
	if v.KeySet == nil || v.KeySet.PublicKey() == nil {
		return nil, errors.New("missing keyset")
	}

	claims := &AccessTokenClaims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.KeySet.PublicKey(), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Role != "" && !claims.Role.Valid() {
		return nil, errors.New("invalid role claim")
	}
	return claims, nil
}

type ErrorWriter func(http.ResponseWriter, *http.Request, int, string)

func Authenticate(v *JWTValidator, onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			authz := r.Header.Get("Authorization")
			if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			claims, err := v.Validate(strings.TrimSpace(authz[len("Bearer "):]))
			if err != nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			scopes := make(map[string]struct{}, len(claims.Scopes))
			for _, s := range claims.Scopes {
				scopes[s] = struct{}{}
			}
			name := claims.Name
			if name == "" {
				name = claims.ClientID
			}

			ai := &AuthInfo{ClientID: claims.ClientID, Name: name, Role: claims.Role, Scopes: scopes}
			next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
		})
	}
}

// RequireScopes rejects callers missing any of required.
func RequireScopes(onError ErrorWriter, required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai, ok := AuthInfoFromContext(r.Context())
			if !ok {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			for _, s := range required {
				if !ai.HasScope(s) {
					onError(w, r, http.StatusForbidden, "insufficient_scope")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
