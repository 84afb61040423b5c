// Package crypt holds the key material of the login encryption handshake:
// RSA key pairs, shared secrets, verify tokens and the server-id digest
// used to correlate a session with the session service.
package crypt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
)

const (
	// SecretLen is the length of the AES shared secret.
	SecretLen = 16

	// VerifyTokenLen is the length of tokens the proxy generates.
	VerifyTokenLen = 4

	// DefaultKeyBits is the RSA modulus size vanilla servers use.
	DefaultKeyBits = 1024
)

// ErrVerifyTokenMismatch is returned when the client's echoed verify token
// does not match the one the proxy sent.
var ErrVerifyTokenMismatch = errors.New("crypt: verify token mismatch")

// KeyPair is a generated RSA key with its public half pre-encoded as the
// X.509 SubjectPublicKeyInfo DER that travels in the encryption request.
type KeyPair struct {
	Private   *rsa.PrivateKey
	PublicDER []byte
}

// GenerateKeyPair creates a new RSA key of the given size.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("crypt: generate %d-bit key: %w", bits, err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("crypt: marshal public key: %w", err)
	}
	return &KeyPair{Private: priv, PublicDER: der}, nil
}

// Decrypt decrypts a PKCS#1 v1.5 block sent by the peer.
func (k *KeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	out, err := rsa.DecryptPKCS1v15(rand.Reader, k.Private, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypt: decrypt: %w", err)
	}
	return out, nil
}

// ParsePublicKey parses the DER public key of an encryption request.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("crypt: parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("crypt: public key is %T, not RSA", key)
	}
	return pub, nil
}

// Encrypt encrypts msg for the holder of pub using PKCS#1 v1.5.
func Encrypt(pub *rsa.PublicKey, msg []byte) ([]byte, error) {
	out, err := rsa.EncryptPKCS1v15(rand.Reader, pub, msg)
	if err != nil {
		return nil, fmt.Errorf("crypt: encrypt: %w", err)
	}
	return out, nil
}

// NewSecret returns a fresh random AES shared secret.
func NewSecret() ([]byte, error) { return random(SecretLen) }

// NewVerifyToken returns a fresh random verify token.
func NewVerifyToken() ([]byte, error) { return random(VerifyTokenLen) }

func random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypt: read random: %w", err)
	}
	return b, nil
}

// CheckVerifyToken compares the echoed token against the expected one in
// constant time.
func CheckVerifyToken(expected, got []byte) error {
	if len(expected) == 0 || subtle.ConstantTimeCompare(expected, got) != 1 {
		return ErrVerifyTokenMismatch
	}
	return nil
}

// ServerIDHash computes the session server-id digest: the SHA-1 of the
// server id, shared secret and public key, rendered as a signed big-endian
// hex integer without leading zeros.
func ServerIDHash(serverID string, secret, publicDER []byte) string {
	h := sha1.New()
	h.Write([]byte(serverID))
	h.Write(secret)
	h.Write(publicDER)
	return signedHex(h.Sum(nil))
}

func signedHex(digest []byte) string {
	n := new(big.Int).SetBytes(digest)
	negative := len(digest) > 0 && digest[0]&0x80 != 0
	if negative {
		// two's complement over the digest width
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(digest)*8)))
	}
	return n.Text(16)
}
