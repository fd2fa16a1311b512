package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/domain"
)

func sign(t *testing.T, key *rsa.PrivateKey, method jwt.SigningMethod, scopes map[string]bool, ttl time.Duration) string {
	t.Helper()
	claims := domain.CustomClaims{
		UserID: "u-1",
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	var signKey interface{} = key
	if method == jwt.SigningMethodHS256 {
		signKey = []byte("shared")
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString(signKey)
	require.NoError(t, err)
	return s
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestVerifyToken(t *testing.T) {
	key := newKey(t)
	v := NewRSAValidator(&key.PublicKey)

	claims, err := v.VerifyToken("Bearer " + sign(t, key, jwt.SigningMethodRS256, map[string]bool{"runs.write": true}, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.True(t, claims.Allows(domain.ScopeRunsWrite))
	assert.False(t, claims.Allows(domain.ScopeVerify))

	cases := map[string]string{
		"expired":     sign(t, key, jwt.SigningMethodRS256, nil, -time.Hour),
		"wrong key":   sign(t, newKey(t), jwt.SigningMethodRS256, nil, time.Hour),
		"hmac method": sign(t, key, jwt.SigningMethodHS256, nil, time.Hour),
		"garbage":     "not.a.jwt",
		"empty":       "Bearer ",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.VerifyToken(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	key := newKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	got, err := ParseRSAPublicKey(pemBytes)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(got))

	_, err = ParseRSAPublicKey(nil)
	assert.Error(t, err)
	_, err = ParseRSAPublicKey([]byte("junk"))
	assert.Error(t, err)
}

func TestMiddlewareAndScopes(t *testing.T) {
	key := newKey(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, found := ClaimsFrom(r.Context())
		require.True(t, found)
		_, _ = w.Write([]byte(claims.UserID))
	})
	h := NewMiddleware(NewRSAValidator(&key.PublicKey), zap.NewNop())(RequireScope(domain.ScopeVerify)(ok))

	do := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/verify", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, do("").Code)
	assert.Equal(t, http.StatusUnauthorized, do("Bearer nope").Code)
	assert.Equal(t, http.StatusForbidden,
		do("Bearer "+sign(t, key, jwt.SigningMethodRS256, map[string]bool{"runs.write": true}, time.Hour)).Code)

	rec := do("Bearer " + sign(t, key, jwt.SigningMethodRS256, map[string]bool{"admin": true}, time.Hour))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u-1", rec.Body.String())
}

func TestRequireScopeWithoutAuth(t *testing.T) {
	h := RequireScope(domain.ScopeAdmin)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
