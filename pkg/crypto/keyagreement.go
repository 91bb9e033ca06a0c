package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// P-256 key agreement for the device key-exchange protocol. All functions are
// pure or draw only from crypto/rand; nothing here touches storage.

const (
	publicKeyRawLen = 65 // 0x04 || X || Y
	sharedSecretLen = 32
	derivedKeyLen   = 64
	keyHandleBytes  = 24 // 32 chars in raw URL-safe base64
)

var ErrInvalidPublicKey = errors.New("invalid public key")

// GenerateKeyPair returns a fresh P-256 key pair: the private key as a PKCS#8
// PEM block and the public key as base64 of the uncompressed point.
func GenerateKeyPair() (privateKeyPEM string, publicKeyB64 string, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key pair: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	pub, err := priv.PublicKey.ECDH()
	if err != nil {
		return "", "", fmt.Errorf("convert public key: %w", err)
	}

	return string(pemBytes), base64.StdEncoding.EncodeToString(pub.Bytes()), nil
}

// DeriveSharedSecret computes ECDH(ownPrivate, peerPublic) and returns the
// 32-byte X coordinate of the shared point.
func DeriveSharedSecret(peerPublicKeyB64, ownPrivateKeyPEM string) ([]byte, error) {
	peer, err := parsePublicKey(peerPublicKeyB64)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode([]byte(ownPrivateKeyPEM))
	if block == nil {
		return nil, errors.New("private key is not valid PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	ecKey, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not an EC key")
	}
	priv, err := ecKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("convert private key: %w", err)
	}

	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}
	if len(secret) != sharedSecretLen {
		return nil, fmt.Errorf("unexpected shared secret length %d", len(secret))
	}
	return secret, nil
}

// DeriveKey expands the ECDH shared secret into 64 bytes of key material via
// HKDF-SHA256 (RFC 5869). The info string is the domain separator; both sides
// must pass the same value.
func DeriveKey(sharedSecret, salt []byte, info string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, sharedSecret, salt, []byte(info))
	out := make([]byte, derivedKeyLen)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// ValidatePublicKey checks that b64 decodes to a 65-byte uncompressed point
// that actually lies on P-256. crypto/ecdh rejects off-curve points and the
// point at infinity.
func ValidatePublicKey(b64 string) error {
	_, err := parsePublicKey(b64)
	return err
}

func parsePublicKey(b64 string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid base64", ErrInvalidPublicKey)
	}
	if len(raw) != publicKeyRawLen {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, publicKeyRawLen, len(raw))
	}
	if raw[0] != 0x04 {
		return nil, fmt.Errorf("%w: missing uncompressed point marker", ErrInvalidPublicKey)
	}
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: point is not on curve P-256", ErrInvalidPublicKey)
	}
	return pub, nil
}

// GenerateSalt returns n cryptographically secure random bytes.
func GenerateSalt(n int) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// GenerateKeyHandle returns an opaque 32-character URL-safe identifier. It is
// never derived from key material; uniqueness is enforced by the storage
// layer, callers retry on collision.
func GenerateKeyHandle() (string, error) {
	raw := make([]byte, keyHandleBytes)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate key handle: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
