package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/Tnze/go-mc/net/CFB8"
)

// NewEncryptStream returns the AES/CFB8 stream that encrypts one direction
// of a connection. The shared secret doubles as the IV, as the game protocol
// requires.
func NewEncryptStream(secret []byte) (cipher.Stream, error) {
	return newCFB8(secret, false)
}

// NewDecryptStream is the decrypting counterpart of NewEncryptStream.
func NewDecryptStream(secret []byte) (cipher.Stream, error) {
	return newCFB8(secret, true)
}

func newCFB8(secret []byte, decrypt bool) (cipher.Stream, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("codec: init AES cipher: %w", err)
	}
	if len(secret) != block.BlockSize() {
		return nil, fmt.Errorf("codec: shared secret must be %d bytes, got %d", block.BlockSize(), len(secret))
	}
	return cfb8Stream(block, secret, decrypt), nil
}

// cfb8Stream wraps block in 8-bit cipher feedback mode. iv is copied.
func cfb8Stream(block cipher.Block, iv []byte, decrypt bool) cipher.Stream {
	iv = append([]byte(nil), iv...)
	if decrypt {
		return CFB8.NewCFB8Decrypt(block, iv)
	}
	return CFB8.NewCFB8Encrypt(block, iv)
}

// plainStream is the stream in effect before encryption is activated.
type plainStream struct{}

func (plainStream) XORKeyStream(dst, src []byte) { copy(dst, src) }
