package app

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-jose/go-jose/v3"
	"github.com/google/uuid"
)

// KeyMaterial holds the process-lifetime RSA signing key pair and its
// opaque key identifier. The key id is embedded in every credential so
// verification can, in principle, select among rotated keys; this process
// only ever has one active pair.
type KeyMaterial struct {
	private *rsa.PrivateKey
	keyID   string
}

// NewKeyMaterial loads the key pair from the configured PEM files, or
// generates a fresh pair when no paths are configured.
func NewKeyMaterial(cfg KeyConfig, logger *slog.Logger) (*KeyMaterial, error) {
	keyID := strings.ReplaceAll(uuid.NewString(), "-", "")

	if cfg.PrivateKeyPath != "" {
		key, err := loadPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load signing key: %w", err)
		}
		logger.Info("signing key loaded", "path", cfg.PrivateKeyPath, "key_id", keyID)
		return &KeyMaterial{private: key, keyID: keyID}, nil
	}

	size := cfg.Size
	if size == 0 {
		size = 2048
	}
	key, err := rsa.GenerateKey(rand.Reader, size)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	logger.Info("signing key generated", "bits", size, "key_id", keyID)
	return &KeyMaterial{private: key, keyID: keyID}, nil
}

// KeyID returns the process-stable key identifier.
func (k *KeyMaterial) KeyID() string { return k.keyID }

// PrivateKey exposes the signing key.
func (k *KeyMaterial) PrivateKey() *rsa.PrivateKey { return k.private }

// PublicKey exposes the verification key.
func (k *KeyMaterial) PublicKey() *rsa.PublicKey { return &k.private.PublicKey }

// PublicKeyBase64 renders the public key as base64 PKIX DER for the
// discovery endpoint.
func (k *KeyMaterial) PublicKeyBase64() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.private.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// PublicJWKS exposes the active public key as a JSON Web Key Set.
func (k *KeyMaterial) PublicJWKS() jose.JSONWebKeySet {
	jwk := jose.JSONWebKey{
		Key:       &k.private.PublicKey,
		KeyID:     k.keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s is not an RSA key", path)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported PEM type %q in %s", block.Type, path)
	}
}
