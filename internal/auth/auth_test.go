package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/teller-assist/internal/promotion"
)

const issuer = "https://teller-assist.test"

func newServer(t *testing.T) (*OAuthServer, *JWTValidator) {
	t.Helper()
	keys, err := NewKeySet()
	require.NoError(t, err)

	hash, err := HashClientSecret("s3cret")
	require.NoError(t, err)

	store := NewMemoryClientStore(
		&Client{ID: "teller-001", Name: "Jane Mwangi", SecretHash: hash, Role: promotion.RoleMaker,
			Scopes: []string{ScopeChargesRead, ScopeChangesRead, ScopeChangesWrite}},
		&Client{ID: "ops-007", SecretHash: hash, Role: promotion.RoleChecker, Scopes: []string{ScopeChangesRead}},
	)
	srv := &OAuthServer{Store: store, Keys: keys, Issuer: issuer, AccessTokenTTL: time.Minute}
	return srv, &JWTValidator{KeySet: keys, Issuer: issuer}
}

func requestToken(t *testing.T, srv *OAuthServer, clientID, secret, scope string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"grant_type": {"client_credentials"}}
	if scope != "" {
		form.Set("scope", scope)
	}
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, secret)
	rec := httptest.NewRecorder()
	srv.TokenHandler(rec, req)
	return rec
}

func TestTokenCarriesRoleAndName(t *testing.T) {
	srv, v := newServer(t)

	rec := requestToken(t, srv, "teller-001", "s3cret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(60), resp.ExpiresIn)
	assert.Equal(t, "changes:read changes:write charges:read", resp.Scope)

	claims, err := v.Validate(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "teller-001", claims.ClientID)
	assert.Equal(t, "Jane Mwangi", claims.Name)
	assert.Equal(t, promotion.RoleMaker, claims.Role)
	assert.Equal(t, "teller-001", claims.Subject)

	t.Run("name defaults to client id", func(t *testing.T) {
		rec := requestToken(t, srv, "ops-007", "s3cret", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp TokenResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		claims, err := v.Validate(resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "ops-007", claims.Name)
		assert.Equal(t, promotion.RoleChecker, claims.Role)
	})
}

func TestTokenErrors(t *testing.T) {
	srv, _ := newServer(t)

	assert.Equal(t, http.StatusUnauthorized, requestToken(t, srv, "teller-001", "wrong", "").Code)
	assert.Equal(t, http.StatusUnauthorized, requestToken(t, srv, "nobody", "s3cret", "").Code)
	assert.Equal(t, http.StatusForbidden, requestToken(t, srv, "teller-001", "s3cret", "pricing:write").Code)

	rec := requestToken(t, srv, "teller-001", "s3cret", "charges:read pricing:write")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"scope":"charges:read"`)

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader("grant_type=password"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	srv.TokenHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.TokenHandler(rec, httptest.NewRequest(http.MethodGet, "/oauth/token", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestValidatorRejectsForeignTokens(t *testing.T) {
	srv, v := newServer(t)
	client, err := srv.Store.GetClient(context.Background(), "teller-001")
	require.NoError(t, err)

	other, err := NewKeySet()
	require.NoError(t, err)
	forged := &OAuthServer{Keys: other, Issuer: issuer}
	tok, _, err := forged.Issue(client, []string{ScopeChargesRead})
	require.NoError(t, err)
	_, err = v.Validate(tok)
	assert.Error(t, err, "signed by another key")

	wrongIssuer := &OAuthServer{Keys: srv.Keys, Issuer: "https://elsewhere"}
	tok, _, err = wrongIssuer.Issue(client, nil)
	require.NoError(t, err)
	_, err = v.Validate(tok)
	assert.Error(t, err, "wrong issuer")

	bad := *client
	bad.Role = "auditor"
	tok, _, err = srv.Issue(&bad, nil)
	require.NoError(t, err)
	_, err = v.Validate(tok)
	assert.Error(t, err, "unknown role")
}

func TestAuthenticateAndRequireScopes(t *testing.T) {
	srv, v := newServer(t)
	client, err := srv.Store.GetClient(context.Background(), "teller-001")
	require.NoError(t, err)
	tok, _, err := srv.Issue(client, []string{ScopeChargesRead})
	require.NoError(t, err)

	var seen *AuthInfo
	onError := func(w http.ResponseWriter, _ *http.Request, status int, code string) {
		http.Error(w, code, status)
	}
	handler := func(scopes ...string) http.Handler {
		final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = AuthInfoFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		})
		return Authenticate(v, onError)(RequireScopes(onError, scopes...)(final))
	}

	call := func(h http.Handler, authz string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, call(handler(ScopeChargesRead), "Bearer "+tok))
	require.NotNil(t, seen)
	assert.Equal(t, promotion.Actor{Name: "Jane Mwangi", Role: promotion.RoleMaker}, seen.Actor())
	assert.True(t, seen.HasScope(ScopeChargesRead))

	assert.Equal(t, http.StatusNoContent, call(handler(), "bearer "+tok))
	assert.Equal(t, http.StatusForbidden, call(handler(ScopeChangesWrite), "Bearer "+tok))
	assert.Equal(t, http.StatusUnauthorized, call(handler(), ""))
	assert.Equal(t, http.StatusUnauthorized, call(handler(), "Basic abc"))
	assert.Equal(t, http.StatusUnauthorized, call(handler(), "Bearer not-a-jwt"))

	bare := RequireScopes(onError, ScopeChargesRead)(http.NotFoundHandler())
	assert.Equal(t, http.StatusUnauthorized, call(bare, "Bearer "+tok), "no auth info without Authenticate")
}

func TestJWKS(t *testing.T) {
	srv, _ := newServer(t)
	rec := httptest.NewRecorder()
	srv.JWKSHandler(rec, httptest.NewRequest(http.MethodGet, "/oauth/jwks.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var jwks JWKS
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jwks))
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, srv.Keys.KeyID(), jwks.Keys[0].Kid)
	assert.Equal(t, "AQAB", jwks.Keys[0].E)
}

func TestLoadKeySetIsStable(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "signing.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(pk)})
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))

	a, err := LoadKeySet(path)
	require.NoError(t, err)
	b, err := LoadKeySet(path)
	require.NoError(t, err)
	assert.Equal(t, a.KeyID(), b.KeyID())
	assert.NotEmpty(t, a.KeyID())

	_, err = LoadKeySet(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}

func TestLoadClientsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clients.yaml")
	doc := `
clients:
  - client_id: teller-001
    name: Jane Mwangi
    role: maker
    scopes: [charges:read, changes:write]
    secret_hash: "$2a$10$abcdefghijklmnopqrstuu"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	store, err := LoadClientsFile(path)
	require.NoError(t, err)
	c, err := store.GetClient(context.Background(), "teller-001")
	require.NoError(t, err)
	assert.Equal(t, promotion.RoleMaker, c.Role)
	assert.Equal(t, []string{"charges:read", "changes:write"}, c.Scopes)

	_, err = store.GetClient(context.Background(), "other")
	assert.ErrorIs(t, err, ErrClientNotFound)

	badRole := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badRole, []byte("clients:\n  - {client_id: x, secret_hash: y, role: admin}\n"), 0o600))
	_, err = LoadClientsFile(badRole)
	assert.Error(t, err)

	missingSecret := filepath.Join(dir, "nosecret.yaml")
	require.NoError(t, os.WriteFile(missingSecret, []byte("clients:\n  - {client_id: x, role: maker}\n"), 0o600))
	_, err = LoadClientsFile(missingSecret)
	assert.Error(t, err)
}
