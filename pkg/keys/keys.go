// Package keys holds the RSA key material of a node or user and the
// primitives the envelope codec is built from: RSA-SHA256 signatures,
// RSA-OAEP key wrapping and XChaCha20-Poly1305 payload encryption.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	DefaultBits = 4096
	minBits     = 1024

	SymmetricKeySize = chacha20poly1305.KeySize
	nonceSize        = chacha20poly1305.NonceSizeX
)

// CryptoError reports a failed cryptographic operation. It is always fatal
// to the envelope being processed.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

func cryptoErr(op string, err error) error {
	return &CryptoError{Op: op, Err: err}
}

// SymmetricKey is a one-shot XChaCha20-Poly1305 key.
type SymmetricKey []byte

// KeyPair is the signing/decryption identity of a node or user.
type KeyPair struct {
	private *rsa.PrivateKey
}

// Generate creates a fresh RSA key pair.
func Generate(bits int) (*KeyPair, error) {
	if bits < minBits {
		return nil, cryptoErr("generate", fmt.Errorf("key size %d below minimum %d", bits, minBits))
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, cryptoErr("generate", err)
	}
	return &KeyPair{private: priv}, nil
}

// FromPrivateKey wraps an existing key.
func FromPrivateKey(priv *rsa.PrivateKey) (*KeyPair, error) {
	if priv == nil {
		return nil, cryptoErr("load", errors.New("nil private key"))
	}
	if err := priv.Validate(); err != nil {
		return nil, cryptoErr("load", err)
	}
	return &KeyPair{private: priv}, nil
}

// ParsePrivateKeyPEM accepts PKCS#1 ("RSA PRIVATE KEY") and PKCS#8
// ("PRIVATE KEY") encodings.
func ParsePrivateKeyPEM(data []byte) (*KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, cryptoErr("parse private key", errors.New("no PEM block found"))
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, cryptoErr("parse private key", err)
		}
		return FromPrivateKey(priv)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, cryptoErr("parse private key", err)
		}
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, cryptoErr("parse private key", fmt.Errorf("unsupported key type %T", key))
		}
		return FromPrivateKey(priv)
	}
	return nil, cryptoErr("parse private key", fmt.Errorf("unexpected PEM type %q", block.Type))
}

// ParsePublicKeyPEM accepts PKIX ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY")
// encodings; remote servers publish either.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, cryptoErr("parse public key", errors.New("no PEM block found"))
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, cryptoErr("parse public key", err)
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, cryptoErr("parse public key", fmt.Errorf("unsupported key type %T", key))
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, cryptoErr("parse public key", err)
		}
		return pub, nil
	}
	return nil, cryptoErr("parse public key", fmt.Errorf("unexpected PEM type %q", block.Type))
}

// MarshalPrivateKeyPEM encodes the key as PKCS#1 PEM.
func (k *KeyPair) MarshalPrivateKeyPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.private),
	})
}

// MarshalPublicKeyPEM encodes a public key as PKIX PEM.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, cryptoErr("marshal public key", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func (k *KeyPair) PublicKey() *rsa.PublicKey {
	return &k.private.PublicKey
}

func (k *KeyPair) PrivateKey() *rsa.PrivateKey {
	return k.private
}

// Sign produces an RSA PKCS#1 v1.5 signature over SHA-256(data).
func (k *KeyPair) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.private, crypto.SHA256, digest[:])
	if err != nil {
		return nil, cryptoErr("sign", err)
	}
	return sig, nil
}

// Verify reports whether sig is a valid signature of data under pub.
func Verify(data, sig []byte, pub *rsa.PublicKey) bool {
	if pub == nil || len(sig) == 0 {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

// EncryptSymmetric seals plaintext under a freshly generated key. The
// returned cipher text is nonce || sealed box.
func EncryptSymmetric(plaintext []byte) ([]byte, SymmetricKey, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, cryptoErr("generate symmetric key", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, cryptoErr("encrypt", err)
	}

	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, cryptoErr("encrypt", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), key, nil
}

// DecryptSymmetric opens cipher text produced by EncryptSymmetric. A wrong
// key or any modified byte fails authentication.
func DecryptSymmetric(cipherText []byte, key SymmetricKey) ([]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, cryptoErr("decrypt", fmt.Errorf("bad key size %d", len(key)))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, cryptoErr("decrypt", err)
	}
	if len(cipherText) < nonceSize+aead.Overhead() {
		return nil, cryptoErr("decrypt", errors.New("cipher text too short"))
	}

	plain, err := aead.Open(nil, cipherText[:nonceSize], cipherText[nonceSize:], nil)
	if err != nil {
		return nil, cryptoErr("decrypt", err)
	}
	return plain, nil
}

// WrapKey encrypts a symmetric key for the holder of recipient.
func WrapKey(key SymmetricKey, recipient *rsa.PublicKey) ([]byte, error) {
	if recipient == nil {
		return nil, cryptoErr("wrap key", errors.New("nil recipient key"))
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, key, nil)
	if err != nil {
		return nil, cryptoErr("wrap key", err)
	}
	return wrapped, nil
}

// UnwrapKey recovers a symmetric key wrapped for own.
func UnwrapKey(wrapped []byte, own *rsa.PrivateKey) (SymmetricKey, error) {
	if own == nil {
		return nil, cryptoErr("unwrap key", errors.New("nil private key"))
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, own, wrapped, nil)
	if err != nil {
		return nil, cryptoErr("unwrap key", err)
	}
	if len(key) != SymmetricKeySize {
		return nil, cryptoErr("unwrap key", fmt.Errorf("unwrapped key has size %d", len(key)))
	}
	return key, nil
}
