package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/teller-assist/internal/promotion"
)

const (
	ScopeChargesRead  = "charges:read"
	ScopePricingRead  = "pricing:read"
	ScopePricingWrite = "pricing:write"
	ScopeChangesRead  = "changes:read"
	ScopeChangesWrite = "changes:write"
)

// Client is a registered API client. Each teller workstation or back-office
// user is its own client and acts in exactly one promotion role.
type Client struct {
	ID         string         `yaml:"client_id"`
	Name       string         `yaml:"name"`
	SecretHash string         `yaml:"secret_hash"`
	Scopes     []string       `yaml:"scopes"`
	Role       promotion.Role `yaml:"role"`
}

type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

type OAuthServer struct {
	Store          ClientStore
	Keys           *KeySet
	Issuer         string
	AccessTokenTTL time.Duration
}

type AccessTokenClaims struct {
	jwt.RegisteredClaims
	ClientID string         `json:"client_id"`
	Name     string         `json:"name,omitempty"`
	Role     promotion.Role `json:"role,omitempty"`
	Scopes   []string       `json:"scopes"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

func HashClientSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func VerifyClientSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// TokenHandler implements the client_credentials grant.
func (s *OAuthServer) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	_ = r.ParseForm()
	if r.FormValue("grant_type") != "client_credentials" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}
	if clientID == "" || clientSecret == "" {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	client, err := s.Store.GetClient(r.Context(), clientID)
	if err != nil || client == nil || !VerifyClientSecret(client.SecretHash, clientSecret) {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	var requested []string
	if reqScope := strings.TrimSpace(r.FormValue("scope")); reqScope != "" {
		requested = strings.Fields(reqScope)
	}
	granted := intersectScopes(client.Scopes, requested)
	if len(requested) > 0 && len(granted) == 0 {
		writeOAuthError(w, http.StatusForbidden, "invalid_scope")
		return
	}

	signed, exp, err := s.Issue(client, granted)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(exp.Seconds()),
		Scope:       strings.Join(granted, " "),
	})
}

// Issue signs an access token for client carrying the granted scopes.
func (s *OAuthServer) Issue(client *Client, granted []string) (string, time.Duration, error) {
	exp := s.AccessTokenTTL
	if exp == 0 {
		exp = 15 * time.Minute
	}
	name := client.Name
	if name == "" {
		name = client.ID
	}

	now := time.Now()
	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   client.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(exp)),
			ID:        uuid.NewString(),
		},
		ClientID: client.ID,
		Name:     name,
		Role:     client.Role,
		Scopes:   granted,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.Keys.KeyID()
	signed, err := tok.SignedString(s.Keys.PrivateKey())
	if err != nil {
		return "", 0, err
	}
	return signed, exp, nil
}

func (s *OAuthServer) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.Keys.JWKS()
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jwks)
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// intersectScopes returns the requested scopes the client holds, or all of
// its scopes when none were requested.
func intersectScopes(allowed []string, requested []string) []string {
	allowedSet := map[string]struct{}{}
	for _, s := range allowed {
		if s = strings.TrimSpace(s); s != "" {
			allowedSet[s] = struct{}{}
		}
	}

	if len(requested) == 0 {
		out := make([]string, 0, len(allowedSet))
		for s := range allowedSet {
			out = append(out, s)
		}
		sort.Strings(out)
		return out
	}

	var out []string
	for _, s := range requested {
		if _, ok := allowedSet[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

var ErrClientNotFound = errors.New("client not found")
