package ratchet

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/status-im/doubleratchet"
	"github.com/stretchr/testify/require"
)

type memCache struct {
	keys    map[string]doubleratchet.Key
	failAdd error
}

func newMemCache() *memCache {
	return &memCache{keys: make(map[string]doubleratchet.Key)}
}

func cacheKey(publicKey doubleratchet.Key, msgNum uint32) string {
	return fmt.Sprintf("%x:%d", publicKey, msgNum)
}

func (mc *memCache) Add(mk doubleratchet.Key, msgNum uint32, publicKey doubleratchet.Key) error {
	if mc.failAdd != nil {
		return mc.failAdd
	}
	mc.keys[cacheKey(publicKey, msgNum)] = mk
	return nil
}

func (mc *memCache) MessageKey(msgNum uint32, publicKey doubleratchet.Key) (doubleratchet.Key, bool, error) {
	mk, ok := mc.keys[cacheKey(publicKey, msgNum)]
	return mk, ok, nil
}

func (mc *memCache) Remove(publicKey doubleratchet.Key, msgNum uint32) error {
	delete(mc.keys, cacheKey(publicKey, msgNum))
	return nil
}

type party struct {
	state *State
	cache *memCache
}

func pairedParties(t *testing.T, maxSkip uint32) (*Engine, *party, *party) {
	t.Helper()
	require := require.New(t)

	e := NewEngine()
	secret := bytes.Repeat([]byte{7}, 32)
	bobPair, err := GenerateKeyPair()
	require.Nil(err)

	alice, err := e.NewInitiator(secret, bobPair.PublicKey(), []byte("conversation"), maxSkip)
	require.Nil(err)
	bob, err := e.NewResponder(secret, bobPair, []byte("conversation"), maxSkip)
	require.Nil(err)
	return e, &party{alice, newMemCache()}, &party{bob, newMemCache()}
}

func encryptAll(t *testing.T, e *Engine, p *party, count int, prefix string) []*Message {
	t.Helper()
	msgs := make([]*Message, count)
	for i := range msgs {
		m, err := e.Encrypt(p.state, []byte(fmt.Sprintf("%s %d", prefix, i)), nil)
		require.Nil(t, err)
		msgs[i] = m
	}
	return msgs
}

func TestInOrderRoundTrip(t *testing.T) {
	require := require.New(t)
	e, alice, bob := pairedParties(t, 10)

	for round := 0; round < 3; round++ {
		for i, m := range encryptAll(t, e, alice, 5, "to bob") {
			pt, err := e.Decrypt(bob.state, bob.cache, m, nil)
			require.Nil(err)
			require.Equal(fmt.Sprintf("to bob %d", i), string(pt))
		}
		for i, m := range encryptAll(t, e, bob, 4, "to alice") {
			pt, err := e.Decrypt(alice.state, alice.cache, m, nil)
			require.Nil(err)
			require.Equal(fmt.Sprintf("to alice %d", i), string(pt))
		}
	}
	require.Empty(alice.cache.keys)
	require.Empty(bob.cache.keys)
}

func TestSkippedMessageDecryptsOnceFromCache(t *testing.T) {
	require := require.New(t)
	e, alice, bob := pairedParties(t, 5)

	msgs := encryptAll(t, e, alice, 4, "m")
	for _, i := range []int{0, 1, 3} {
		pt, err := e.Decrypt(bob.state, bob.cache, msgs[i], nil)
		require.Nil(err)
		require.Equal(fmt.Sprintf("m %d", i), string(pt))
	}
	require.Len(bob.cache.keys, 1)
	_, ok, err := bob.cache.MessageKey(2, alice.state.RootChainKeyPair.PublicKey())
	require.Nil(err)
	require.True(ok)

	pt, err := e.Decrypt(bob.state, bob.cache, msgs[2], nil)
	require.Nil(err)
	require.Equal("m 2", string(pt))
	require.Equal(uint32(4), bob.state.ReceivedMessageNumber)
	require.Empty(bob.cache.keys)

	before := bob.state.Clone()
	_, err = e.Decrypt(bob.state, bob.cache, msgs[2], nil)
	require.ErrorIs(err, ErrDecryptionFailed)
	require.Equal(before, bob.state)
}

func TestTooManySkippedLeavesStateUnchanged(t *testing.T) {
	require := require.New(t)
	e, alice, bob := pairedParties(t, 5)

	msgs := encryptAll(t, e, alice, 8, "m")
	_, err := e.Decrypt(bob.state, bob.cache, msgs[0], nil)
	require.Nil(err)

	before := bob.state.Clone()
	_, err = e.Decrypt(bob.state, bob.cache, msgs[7], nil)
	require.ErrorIs(err, ErrTooManyMessagesSkipped)
	require.True(IsFatalForMessage(err))
	require.Equal(before, bob.state)
	require.Empty(bob.cache.keys)

	// in-range messages still work
	pt, err := e.Decrypt(bob.state, bob.cache, msgs[6], nil)
	require.Nil(err)
	require.Equal("m 6", string(pt))
	require.Len(bob.cache.keys, 5)
}

func TestTooManySkippedOnFirstMessage(t *testing.T) {
	require := require.New(t)
	e, alice, bob := pairedParties(t, 2)

	msgs := encryptAll(t, e, alice, 4, "m")
	before := bob.state.Clone()
	_, err := e.Decrypt(bob.state, bob.cache, msgs[3], nil)
	require.ErrorIs(err, ErrTooManyMessagesSkipped)
	require.Equal(before, bob.state)
}

func TestRootRatchetStep(t *testing.T) {
	require := require.New(t)
	e, alice, bob := pairedParties(t, 10)

	first := encryptAll(t, e, alice, 3, "a")
	_, err := e.Decrypt(bob.state, bob.cache, first[0], nil)
	require.Nil(err)

	reply := encryptAll(t, e, bob, 1, "b")
	oldRemote := alice.state.RootChainRemotePublicKey
	oldPair := alice.state.RootChainKeyPair
	pt, err := e.Decrypt(alice.state, alice.cache, reply[0], nil)
	require.Nil(err)
	require.Equal("b 0", string(pt))
	require.Equal(uint32(3), alice.state.PreviousSendingChainLength)
	require.Equal(uint32(0), alice.state.SendMessageNumber)
	require.Equal(uint32(1), alice.state.ReceivedMessageNumber)
	require.NotEqual(oldRemote, alice.state.RootChainRemotePublicKey)
	require.NotEqual(oldPair.PublicKey(), alice.state.RootChainKeyPair.PublicKey())

	second := encryptAll(t, e, alice, 1, "a again")
	require.Equal(uint32(3), second[0].Header.PN)
	require.Equal(uint32(0), second[0].Header.N)

	pt, err = e.Decrypt(bob.state, bob.cache, second[0], nil)
	require.Nil(err)
	require.Equal("a again 0", string(pt))
	require.Equal(uint32(1), bob.state.ReceivedMessageNumber)
	require.Equal(uint32(1), bob.state.PreviousSendingChainLength)
	require.Len(bob.cache.keys, 2)

	// the rest of alice's first chain is recovered from the cache
	for _, i := range []int{2, 1} {
		pt, err := e.Decrypt(bob.state, bob.cache, first[i], nil)
		require.Nil(err)
		require.Equal(fmt.Sprintf("a %d", i), string(pt))
	}
	require.Empty(bob.cache.keys)
}

func TestTamperedMessageLeavesStateUnchanged(t *testing.T) {
	require := require.New(t)
	e, alice, bob := pairedParties(t, 10)

	msgs := encryptAll(t, e, alice, 2, "m")
	tampered := &Message{Header: msgs[1].Header, Cipher: bytes.Clone(msgs[1].Cipher)}
	tampered.Cipher[0] ^= 0xff

	before := bob.state.Clone()
	_, err := e.Decrypt(bob.state, bob.cache, tampered, nil)
	require.ErrorIs(err, ErrDecryptionFailed)
	require.Equal(before, bob.state)
	require.Empty(bob.cache.keys)

	for i, m := range msgs {
		pt, err := e.Decrypt(bob.state, bob.cache, m, nil)
		require.Nil(err)
		require.Equal(fmt.Sprintf("m %d", i), string(pt))
	}
}

func TestAssociatedDataIsAuthenticated(t *testing.T) {
	require := require.New(t)
	e, alice, bob := pairedParties(t, 10)

	m, err := e.Encrypt(alice.state, []byte("hello"), []byte{1})
	require.Nil(err)
	_, err = e.Decrypt(bob.state, bob.cache, m, []byte{2})
	require.ErrorIs(err, ErrDecryptionFailed)
	pt, err := e.Decrypt(bob.state, bob.cache, m, []byte{1})
	require.Nil(err)
	require.Equal([]byte("hello"), pt)
}

func TestStorageFailureLeavesStateUnchanged(t *testing.T) {
	require := require.New(t)
	e, alice, bob := pairedParties(t, 10)

	msgs := encryptAll(t, e, alice, 3, "m")
	bob.cache.failAdd = errors.New("disk full")

	before := bob.state.Clone()
	_, err := e.Decrypt(bob.state, bob.cache, msgs[2], nil)
	require.True(IsStorageError(err))
	require.ErrorIs(err, &StorageError{})
	require.Equal(before, bob.state)

	bob.cache.failAdd = nil
	_, err = e.Decrypt(bob.state, bob.cache, msgs[2], nil)
	require.Nil(err)
	require.Equal(uint32(3), bob.state.ReceivedMessageNumber)
}

func TestResponderMustReceiveBeforeSending(t *testing.T) {
	require := require.New(t)
	e, alice, bob := pairedParties(t, 10)

	_, err := e.Encrypt(bob.state, []byte("too early"), nil)
	require.ErrorIs(err, ErrSendingChainNotReady)

	msgs := encryptAll(t, e, alice, 1, "m")
	_, err = e.Decrypt(bob.state, bob.cache, msgs[0], nil)
	require.Nil(err)
	_, err = e.Encrypt(bob.state, []byte("now"), nil)
	require.Nil(err)
}

func TestMalformedMessage(t *testing.T) {
	require := require.New(t)
	e, _, bob := pairedParties(t, 10)

	_, err := e.Decrypt(bob.state, bob.cache, &Message{Header: Header{PublicKey: []byte{1}}, Cipher: []byte{1}}, nil)
	require.ErrorIs(err, ErrDecryptionFailed)
}
