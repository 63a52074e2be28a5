// Package push implements the VAPID-backed push manager: key lifecycle,
// PIN-verified device subscription, presence-gated suppression, and
// subscription reaping on permanent delivery failure (spec §4.10).
package push

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VAPIDKeys is the process-wide VAPID key pair, persisted at
// <dataDir>/push/vapid-keys.json with 0o600 permissions (spec §6 "File
// layout").
type VAPIDKeys struct {
	PrivateKey *ecdsa.PrivateKey
	Subject    string // mailto: or https: contact URL required by RFC 8292
}

type vapidKeysFile struct {
	PrivateKeyPEM string `json:"privateKeyPem"`
	Subject       string `json:"subject"`
}

// LoadOrGenerateVAPIDKeys loads persisted keys from dataDir, generating and
// persisting a fresh P-256 key pair on first init.
func LoadOrGenerateVAPIDKeys(dataDir, subject string) (*VAPIDKeys, error) {
	path := vapidKeysPath(dataDir)

	if data, err := os.ReadFile(path); err == nil {
		var f vapidKeysFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("push: parse vapid keys: %w", err)
		}
		block, _ := pem.Decode([]byte(f.PrivateKeyPEM))
		if block == nil {
			return nil, fmt.Errorf("push: invalid vapid key PEM")
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("push: parse vapid private key: %w", err)
		}
		return &VAPIDKeys{PrivateKey: key, Subject: f.Subject}, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("push: generate vapid key: %w", err)
	}
	keys := &VAPIDKeys{PrivateKey: key, Subject: subject}
	if err := persistVAPIDKeys(dataDir, keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func persistVAPIDKeys(dataDir string, keys *VAPIDKeys) error {
	der, err := x509.MarshalECPrivateKey(keys.PrivateKey)
	if err != nil {
		return fmt.Errorf("push: marshal vapid key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	f := vapidKeysFile{PrivateKeyPEM: string(pemBytes), Subject: keys.Subject}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}

	path := vapidKeysPath(dataDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func vapidKeysPath(dataDir string) string {
	return filepath.Join(dataDir, "push", "vapid-keys.json")
}

// PublicKeyBase64 returns the uncompressed public key point, base64url
// encoded, as sent to browsers for `applicationServerKey`.
func (k *VAPIDKeys) PublicKeyBase64() string {
	pub := elliptic.Marshal(elliptic.P256(), k.PrivateKey.PublicKey.X, k.PrivateKey.PublicKey.Y)
	return base64.RawURLEncoding.EncodeToString(pub)
}

// SignVAPIDJWT produces an ES256-signed VAPID authorization JWT for a push
// request to the given endpoint origin, valid for 12 hours.
func (k *VAPIDKeys) SignVAPIDJWT(audience string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"aud": audience,
		"exp": now.Add(12 * time.Hour).Unix(),
		"sub": k.Subject,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	return token.SignedString(k.PrivateKey)
}
