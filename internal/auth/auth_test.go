package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifyworks/growth-engine/internal/config"
)

func writeKeyFile(t *testing.T, pub *rsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "writer_keys.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return path
}

func signedToken(t *testing.T, priv *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func TestVerifyRequestBearerToken(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	cfg := config.Config{
		WriterKeysFile: writeKeyFile(t, &priv.PublicKey),
		WriteScope:     "growth:write",
	}
	verifier, err := NewVerifier(cfg)
	require.NoError(t, err)

	t.Run("scope claim grants access", func(t *testing.T) {
		token := signedToken(t, priv, jwt.MapClaims{
			"sub":   "reporter-1",
			"scope": "other:read growth:write",
			"exp":   time.Now().Add(time.Hour).Unix(),
		})
		r := httptest.NewRequest("POST", "/experiments", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		assert.NoError(t, verifier.VerifyRequest(r))
	})

	t.Run("roles claim grants access", func(t *testing.T) {
		token := signedToken(t, priv, jwt.MapClaims{
			"sub":   "reporter-2",
			"roles": []string{"growth:write"},
			"exp":   time.Now().Add(time.Hour).Unix(),
		})
		r := httptest.NewRequest("POST", "/experiments", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		assert.NoError(t, verifier.VerifyRequest(r))
	})

	t.Run("missing scope rejected", func(t *testing.T) {
		token := signedToken(t, priv, jwt.MapClaims{
			"sub":   "reporter-3",
			"scope": "other:read",
			"exp":   time.Now().Add(time.Hour).Unix(),
		})
		r := httptest.NewRequest("POST", "/experiments", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		assert.Error(t, verifier.VerifyRequest(r))
	})

	t.Run("expired token rejected", func(t *testing.T) {
		token := signedToken(t, priv, jwt.MapClaims{
			"sub":   "reporter-4",
			"scope": "growth:write",
			"exp":   time.Now().Add(-time.Hour).Unix(),
		})
		r := httptest.NewRequest("POST", "/experiments", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		assert.Error(t, verifier.VerifyRequest(r))
	})

	t.Run("token signed by unknown key rejected", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		token := signedToken(t, other, jwt.MapClaims{
			"sub":   "imposter",
			"scope": "growth:write",
			"exp":   time.Now().Add(time.Hour).Unix(),
		})
		r := httptest.NewRequest("POST", "/experiments", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		assert.Error(t, verifier.VerifyRequest(r))
	})

	t.Run("no credentials rejected", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/experiments", nil)
		assert.Error(t, verifier.VerifyRequest(r))
	})
}

func TestVerifyRequestDevBypass(t *testing.T) {
	verifier, err := NewVerifier(config.Config{DevAllowLocal: true})
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/experiments", nil)
	r.Header.Set("X-Local-Dev-Principal", "dev@local")
	assert.NoError(t, verifier.VerifyRequest(r))

	// Bypass only applies when the header is present.
	bare := httptest.NewRequest("POST", "/experiments", nil)
	assert.Error(t, verifier.VerifyRequest(bare))
}

func TestVerifyRequestDevBypassDisabled(t *testing.T) {
	verifier, err := NewVerifier(config.Config{DevAllowLocal: false})
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/experiments", nil)
	r.Header.Set("X-Local-Dev-Principal", "dev@local")
	assert.Error(t, verifier.VerifyRequest(r))
}

func TestNewVerifierRejectsEmptyKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a pem"), 0o600))

	_, err := NewVerifier(config.Config{WriterKeysFile: path})
	assert.Error(t, err)
}
