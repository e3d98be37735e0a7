package auth

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/amplifyworks/growth-engine/internal/config"
)

// Verifier gates the write path (experiment creation, event and share
// reporting). It accepts mTLS peer identity or a bearer token signed by one
// of the configured writer keys; a dev bypass header is honored only when the
// config allows it.
type Verifier struct {
	cfg        config.Config
	writerKeys []interface{} // *rsa.PublicKey, *ecdsa.PublicKey, or ed25519.PublicKey
}

// NewVerifier creates a verifier and loads writer public keys when a key file
// is configured.
func NewVerifier(cfg config.Config) (*Verifier, error) {
	v := &Verifier{cfg: cfg}
	if cfg.WriterKeysFile != "" {
		if err := v.loadKeys(cfg.WriterKeysFile); err != nil {
			return nil, fmt.Errorf("load writer keys: %w", err)
		}
	}
	return v, nil
}

func (v *Verifier) loadKeys(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var keys []interface{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				continue
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return fmt.Errorf("no valid public keys found in %s", path)
	}
	v.writerKeys = keys
	return nil
}

// VerifyRequest verifies a write request using, in order: the local dev
// bypass, mTLS peer identity, or a signed bearer token.
func (v *Verifier) VerifyRequest(r *http.Request) error {
	if v.cfg.DevAllowLocal {
		if r.Header.Get("X-Local-Dev-Principal") != "" {
			return nil
		}
	}

	if v.cfg.AllowMTLS && r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		if v.cfg.TrustedCN == "" || v.trustedIdentity(r.TLS.PeerCertificates[0]) {
			return nil
		}
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return v.verifyToken(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return errors.New("authentication required: mTLS or signed writer token")
}

func (v *Verifier) trustedIdentity(cert *x509.Certificate) bool {
	if cert.Subject.CommonName == v.cfg.TrustedCN {
		return true
	}
	for _, name := range cert.DNSNames {
		if name == v.cfg.TrustedCN {
			return true
		}
	}
	for _, uri := range cert.URIs {
		if uri.String() == v.cfg.TrustedCN {
			return true
		}
	}
	return false
}

func (v *Verifier) verifyToken(tokenStr string) error {
	if len(v.writerKeys) == 0 {
		return errors.New("no writer keys configured")
	}

	// PEM keys carry no KID, so try each loaded key in turn.
	var (
		token *jwt.Token
		err   error
	)
	for _, key := range v.writerKeys {
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err == nil && token.Valid {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid claims")
	}
	if v.cfg.WriteScope == "" {
		return nil
	}
	if scope, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			if s == v.cfg.WriteScope {
				return nil
			}
		}
		return errors.New("missing required scope")
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == v.cfg.WriteScope {
				return nil
			}
		}
	}
	return errors.New("missing required scope")
}
