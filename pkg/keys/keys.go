// Package keys holds the agent's Ed25519 key pair and the signing
// discipline applied to every evidence payload, claim, and trust envelope.
//
// The private key is persisted as unencrypted PKCS#8 PEM, the public key
// as SubjectPublicKeyInfo PEM. The same pair is reused across restarts;
// the private key never leaves the process after load.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/meridian-labs/meridian/pkg/canonical"
)

var (
	// ErrKeyIO marks filesystem failures while loading or persisting keys.
	ErrKeyIO = errors.New("key io error")
	// ErrKeyFormat marks malformed persisted key material.
	ErrKeyFormat = errors.New("key format error")
)

const (
	pemTypePrivate = "PRIVATE KEY"
	pemTypePublic  = "PUBLIC KEY"
)

// Pair is an Ed25519 key pair. Construct it once at startup and pass it to
// every component that signs or verifies; there is no package-level state.
type Pair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// Generate creates a fresh in-memory pair.
func Generate() (*Pair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	return &Pair{private: priv, public: pub}, nil
}

// LoadOrGenerate loads the pair from privatePath if it exists, otherwise
// generates a new pair and writes both halves, creating parent directories
// as needed.
func LoadOrGenerate(privatePath, publicPath string) (*Pair, error) {
	log := slog.With("component", "keys")

	if _, err := os.Stat(privatePath); err == nil {
		log.Info("loading signing key", "path", privatePath)
		return load(privatePath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrKeyIO, privatePath, err)
	}

	log.Info("generating new signing key", "path", privatePath)
	pair, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := pair.persist(privatePath, publicPath); err != nil {
		return nil, err
	}
	return pair, nil
}

func load(privatePath string) (*Pair, error) {
	raw, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrKeyIO, privatePath, err)
	}

	block, _ := pem.Decode(raw)
	if block == nil || block.Type != pemTypePrivate {
		return nil, fmt.Errorf("%w: %s is not a PEM private key", ErrKeyFormat, privatePath)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse pkcs8: %v", ErrKeyFormat, err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not hold an ed25519 key", ErrKeyFormat, privatePath)
	}

	return &Pair{private: priv, public: priv.Public().(ed25519.PublicKey)}, nil
}

func (p *Pair) persist(privatePath, publicPath string) error {
	for _, path := range []string{privatePath, publicPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("%w: mkdir %s: %v", ErrKeyIO, filepath.Dir(path), err)
		}
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(p.private)
	if err != nil {
		return fmt.Errorf("%w: marshal pkcs8: %v", ErrKeyFormat, err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: pemTypePrivate, Bytes: privDER})
	if err := os.WriteFile(privatePath, privPEM, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrKeyIO, privatePath, err)
	}

	if err := os.WriteFile(publicPath, []byte(p.PublicKeyPEM()), 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrKeyIO, publicPath, err)
	}
	return nil
}

// Sign returns the base64url (no padding) Ed25519 signature over the
// canonical JSON encoding of v.
func (p *Pair) Sign(v any) (string, error) {
	data, err := canonical.Bytes(v)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	sig := ed25519.Sign(p.private, data)
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is a valid Ed25519 signature over the
// canonical encoding of v. Any decode or encode failure yields false.
func (p *Pair) Verify(v any, signature string) bool {
	data, err := canonical.Bytes(v)
	if err != nil {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		// Tolerate padded input from older writers.
		sig, err = base64.URLEncoding.DecodeString(signature)
		if err != nil {
			return false
		}
	}
	return ed25519.Verify(p.public, data, sig)
}

// PublicKeyHex returns the raw 32-byte public key, hex encoded.
func (p *Pair) PublicKeyHex() string {
	return hex.EncodeToString(p.public)
}

// PublicKeyPEM returns the SubjectPublicKeyInfo PEM encoding of the
// public key.
func (p *Pair) PublicKeyPEM() string {
	der, err := x509.MarshalPKIXPublicKey(p.public)
	if err != nil {
		// Ed25519 public keys always marshal; reaching this means memory
		// corruption, not a recoverable condition.
		panic(fmt.Sprintf("marshal pkix public key: %v", err))
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypePublic, Bytes: der}))
}
