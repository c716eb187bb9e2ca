package ratchet

import (
	"fmt"

	"github.com/meow-io/slick-nse/crypto"
	"github.com/status-im/doubleratchet"
)

type KeyPair struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func NewKeyPair(priv, pub []byte) (KeyPair, error) {
	if len(priv) != 32 || len(pub) != 32 {
		return KeyPair{}, fmt.Errorf("ratchet: expected 32 byte keys, got %d and %d", len(priv), len(pub))
	}
	return KeyPair{privateKey: [32]byte(priv), publicKey: [32]byte(pub)}, nil
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{privateKey: *priv, publicKey: *pub}, nil
}

func (pair KeyPair) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair KeyPair) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

type cryptoImpl struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

// NewCrypto returns the primitives used by the engine: nacl box DH, chacha20poly1305 with
// single-use keys, and the doubleratchet HKDF/HMAC KDFs.
func NewCrypto() doubleratchet.Crypto {
	return &cryptoImpl{}
}

func (c *cryptoImpl) GenerateDH() (doubleratchet.DHPair, error) {
	return GenerateKeyPair()
}

func (c *cryptoImpl) DH(dhPair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	return crypto.SharedKey(dhPair.PrivateKey(), dhPub)
}

func (c *cryptoImpl) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *cryptoImpl) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *cryptoImpl) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *cryptoImpl) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}
