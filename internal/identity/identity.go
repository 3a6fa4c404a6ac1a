// Package identity manages the node's Ed25519 keypair and the sign/verify
// primitives every other component authenticates against.
package identity

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Identity is the node's permanent cluster identity: an Ed25519 keypair.
// The private key is read-only after Load/Generate; nothing mutates it.
type Identity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

type keypairFile struct {
	PublicKeyHex  string `json:"public_key_hex"`  // DER SPKI
	PrivateKeyHex string `json:"private_key_hex"` // DER PKCS8
}

// LoadOrGenerate loads keypair.json from dir, generating and persisting a
// fresh Ed25519 keypair if the file is absent.
func LoadOrGenerate(dir string) (*Identity, error) {
	path := filepath.Join(dir, "keypair.json")

	data, err := os.ReadFile(path)
	if err == nil {
		return decodeKeypair(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read keypair: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if err := persistKeypair(path, pub, priv); err != nil {
		return nil, err
	}

	return &Identity{Public: pub, private: priv}, nil
}

func persistKeypair(path string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	kf := keypairFile{
		PublicKeyHex:  hex.EncodeToString(pubDER),
		PrivateKeyHex: hex.EncodeToString(privDER),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keypair: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

func decodeKeypair(data []byte) (*Identity, error) {
	var kf keypairFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("decode keypair file: %w", err)
	}

	pubDER, err := hex.DecodeString(kf.PublicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode public key hex: %w", err)
	}
	privDER, err := hex.DecodeString(kf.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key hex: %w", err)
	}

	pubAny, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := pubAny.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not Ed25519")
	}

	privAny, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := privAny.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not Ed25519")
	}

	return &Identity{Public: pub, private: priv}, nil
}

// Sign signs canonical payload bytes with the node's private key.
func (id *Identity) Sign(canonicalPayload []byte) []byte {
	return ed25519.Sign(id.private, canonicalPayload)
}

// PublicKeyHex returns the node's public key as lowercase hex, the form
// carried in HandshakePayload.PublicKey and checked by Verify.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.Public)
}

// Verify checks a signature over canonicalPayload against a hex-encoded
// Ed25519 public key. Never panics on malformed input; returns false.
func Verify(canonicalPayload []byte, signature []byte, publicKeyHex string) bool {
	pubBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubBytes), canonicalPayload, signature)
}
