package crypto

import (
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// Message keys are never reused, so a constant nonce is safe.
var zeroNonce12 = make([]byte, chacha20poly1305.NonceSize)

var ErrKeyLength = errors.New("crypto: key must be 32 bytes")

func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeyLength
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeyLength
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}
