package crypto

import (
	crypto_rand "crypto/rand"
	"fmt"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
)

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// GenerateKeyPair returns a fresh curve25519 pair as (public, private).
func GenerateKeyPair() (*[32]byte, *[32]byte, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: error generating key: %w", err)
	}
	return (*[32]byte)(pub), (*[32]byte)(priv), nil
}

// SharedKey is the precomputed box key between a private and a public key. It is
// symmetric, SharedKey(aPriv, bPub) == SharedKey(bPriv, aPub).
func SharedKey(priv, pub []byte) ([]byte, error) {
	if len(priv) != nacl.KeySize || len(pub) != nacl.KeySize {
		return nil, ErrKeyLength
	}
	out := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return out[:], nil
}
