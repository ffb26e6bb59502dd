package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Auth signs Kalshi trade-api v2 requests: every call carries the API key
// id, a millisecond timestamp, and an RSA-PSS signature over
// timestamp + method + path (path includes the /trade-api/v2 prefix).
type Auth struct {
	keyID      string
	privateKey *rsa.PrivateKey
}

// NewAuth loads the RSA key from a PEM string or a path to a PEM file.
// Keys pasted through .env files often arrive with escaped newlines or an
// extra base64 wrapping; both forms are unwrapped before parsing.
func NewAuth(keyID, secret string) (*Auth, error) {
	if keyID == "" || secret == "" {
		return nil, fmt.Errorf("kalshi key id and private key are required")
	}

	pemText := secret
	if data, err := os.ReadFile(secret); err == nil {
		pemText = string(data)
	}

	pemText = strings.ReplaceAll(pemText, `\n`, "\n")
	if !strings.HasPrefix(strings.TrimSpace(pemText), "-----") {
		if decoded, err := base64.StdEncoding.DecodeString(pemText); err == nil &&
			strings.Contains(string(decoded), "-----BEGIN") {
			pemText = string(decoded)
		}
	}

	key, err := parsePrivateKey(pemText)
	if err != nil {
		return nil, fmt.Errorf("parse kalshi private key: %w", err)
	}

	return &Auth{keyID: keyID, privateKey: key}, nil
}

// Headers returns the signed header set for one request. Path must be the
// full signing path, e.g. "/trade-api/v2/markets".
func (a *Auth) Headers(method, path string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	sig, err := a.sign(timestamp + method + path)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	return map[string]string{
		"KALSHI-ACCESS-KEY":       a.keyID,
		"KALSHI-ACCESS-SIGNATURE": sig,
		"KALSHI-ACCESS-TIMESTAMP": timestamp,
	}, nil
}

func (a *Auth) sign(message string) (string, error) {
	digest := sha256.Sum256([]byte(message))

	sig, err := rsa.SignPSS(rand.Reader, a.privateKey, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func parsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key: %T", parsed)
	}
	return key, nil
}
