package main

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// writerkeygen generates an RSA keypair for the growth-service write path:
// the public key PEM (point GROWTH_WRITER_KEYS_FILE at it) and a short-lived
// signed token carrying the write scope, for local testing with curl.

func b64u(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func main() {
	scope := flag.String("scope", "growth:write", "scope claim for the test token")
	subject := flag.String("sub", "local-reporter", "subject claim for the test token")
	pubOut := flag.String("pub-out", "devops/certs/writer_keys.pem", "public key PEM output path")
	privOut := flag.String("priv-out", "devops/certs/writer_key.pem", "private key PEM output path")
	tokenOut := flag.String("token-out", "devops/certs/test_token.txt", "signed token output path")
	expSecs := flag.Int("exp-secs", 3600, "token expiry in seconds")
	flag.Parse()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	must(err)

	pubASN1, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	must(err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubASN1})
	must(os.MkdirAll(filepath.Dir(*pubOut), 0o755))
	must(os.WriteFile(*pubOut, pubPEM, 0o644))
	fmt.Printf("wrote public key -> %s\n", *pubOut)

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	must(os.MkdirAll(filepath.Dir(*privOut), 0o755))
	must(os.WriteFile(*privOut, privPEM, 0o600))
	fmt.Printf("wrote private key -> %s\n", *privOut)

	// Hand-rolled RS256 token so this tool stays dependency-free.
	header := map[string]interface{}{"alg": "RS256", "typ": "JWT"}
	now := time.Now().Unix()
	payload := map[string]interface{}{
		"sub":   *subject,
		"scope": *scope,
		"iat":   now,
		"exp":   now + int64(*expSecs),
	}

	hb, err := json.Marshal(header)
	must(err)
	pb, err := json.Marshal(payload)
	must(err)

	signingInput := b64u(hb) + "." + b64u(pb)
	hashed := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, hashed[:])
	must(err)

	token := signingInput + "." + b64u(sig)
	must(os.MkdirAll(filepath.Dir(*tokenOut), 0o755))
	must(os.WriteFile(*tokenOut, []byte(token+"\n"), 0o600))
	fmt.Printf("wrote token -> %s (scope=%s, expires in %ds)\n", *tokenOut, *scope, *expSecs)
}
