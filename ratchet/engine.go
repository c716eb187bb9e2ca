package ratchet

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/status-im/doubleratchet"
)

type Engine struct {
	crypto doubleratchet.Crypto
}

func NewEngine() *Engine {
	return NewEngineWithCrypto(NewCrypto())
}

func NewEngineWithCrypto(c doubleratchet.Crypto) *Engine {
	return &Engine{crypto: c}
}

type skippedKey struct {
	publicKey doubleratchet.Key
	msgNum    uint32
	mk        doubleratchet.Key
}

// NewInitiator builds the state of the party which knows the peer's ratchet public key
// after the handshake. It can send immediately.
func (e *Engine) NewInitiator(secret, remotePublicKey doubleratchet.Key, info []byte, maxSkip uint32) (*State, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("ratchet: expected 32 byte secret, got %d", len(secret))
	}
	pair, err := e.crypto.GenerateDH()
	if err != nil {
		return nil, fmt.Errorf("ratchet: error generating key pair: %w", err)
	}
	dh, err := e.crypto.DH(pair, remotePublicKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: error computing dh: %w", err)
	}
	rk, ck, _ := e.crypto.KdfRK(secret, dh)
	return &State{
		RootKey:                  rk,
		RootChainKeyPair:         pair,
		RootChainRemotePublicKey: clone(remotePublicKey),
		SendingChainKey:          ck,
		Info:                     clone(info),
		MaxSkip:                  maxSkip,
	}, nil
}

// NewResponder builds the state of the party whose ratchet key pair the initiator used.
// It has to receive a message before it can send.
func (e *Engine) NewResponder(secret doubleratchet.Key, pair doubleratchet.DHPair, info []byte, maxSkip uint32) (*State, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("ratchet: expected 32 byte secret, got %d", len(secret))
	}
	return &State{
		RootKey:          clone(secret),
		RootChainKeyPair: pair,
		Info:             clone(info),
		MaxSkip:          maxSkip,
	}, nil
}

// Encrypt advances the sending chain of st by one message.
func (e *Engine) Encrypt(st *State, plaintext, ad []byte) (*Message, error) {
	if len(st.SendingChainKey) == 0 {
		return nil, ErrSendingChainNotReady
	}
	if st.SendMessageNumber == math.MaxUint32 {
		return nil, ErrCounterExhausted
	}

	h := Header{
		PublicKey: clone(st.RootChainKeyPair.PublicKey()),
		N:         st.SendMessageNumber,
		PN:        st.PreviousSendingChainLength,
	}
	ck, mk := e.crypto.KdfCK(st.SendingChainKey)
	cipher, err := e.crypto.Encrypt(mk, plaintext, st.associatedData(h, ad))
	if err != nil {
		return nil, fmt.Errorf("ratchet: error encrypting: %w", err)
	}
	st.SendingChainKey = ck
	st.SendMessageNumber++
	return &Message{Header: h, Cipher: cipher}, nil
}

// Decrypt opens m with st. All changes are made on a copy which is only written back into
// st once the message authenticated and every skipped key was stored, so a failure of any
// kind leaves st exactly as it was.
func (e *Engine) Decrypt(st *State, keys KeyCache, m *Message, ad []byte) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext, ok, err := e.decryptSkipped(st, keys, m, ad)
	if err != nil || ok {
		return plaintext, err
	}

	w := st.Clone()
	var skipped []skippedKey
	if !bytes.Equal(m.Header.PublicKey, w.RootChainRemotePublicKey) {
		if skipped, err = e.skip(w, m.Header.PN); err != nil {
			return nil, err
		}
		if err := e.step(w, m.Header.PublicKey); err != nil {
			return nil, err
		}
	} else if m.Header.N < w.ReceivedMessageNumber {
		return nil, fmt.Errorf("%w: message %d was already received", ErrDecryptionFailed, m.Header.N)
	}

	more, err := e.skip(w, m.Header.N)
	if err != nil {
		return nil, err
	}
	skipped = append(skipped, more...)

	if len(w.ReceivingChainKey) == 0 {
		return nil, fmt.Errorf("%w: no receiving chain", ErrDecryptionFailed)
	}
	ck, mk := e.crypto.KdfCK(w.ReceivingChainKey)
	w.ReceivingChainKey = ck
	w.ReceivedMessageNumber++

	plaintext, err = e.crypto.Decrypt(mk, m.Cipher, w.associatedData(m.Header, ad))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	for _, sk := range skipped {
		if err := keys.Add(sk.mk, sk.msgNum, sk.publicKey); err != nil {
			return nil, NewStorageError("storing skipped key", err)
		}
	}
	*st = *w
	return plaintext, nil
}

func (e *Engine) decryptSkipped(st *State, keys KeyCache, m *Message, ad []byte) ([]byte, bool, error) {
	mk, ok, err := keys.MessageKey(m.Header.N, m.Header.PublicKey)
	if err != nil {
		return nil, false, NewStorageError("loading skipped key", err)
	}
	if !ok {
		return nil, false, nil
	}
	plaintext, err := e.crypto.Decrypt(mk, m.Cipher, st.associatedData(m.Header, ad))
	if err != nil {
		return nil, false, fmt.Errorf("%w: skipped message %d: %v", ErrDecryptionFailed, m.Header.N, err)
	}
	if err := keys.Remove(m.Header.PublicKey, m.Header.N); err != nil {
		return nil, false, NewStorageError("removing skipped key", err)
	}
	return plaintext, true, nil
}

// skip derives the receiving chain keys up to, but not including, until.
func (e *Engine) skip(w *State, until uint32) ([]skippedKey, error) {
	if len(w.ReceivingChainKey) == 0 || until <= w.ReceivedMessageNumber {
		return nil, nil
	}
	if until-w.ReceivedMessageNumber > w.MaxSkip {
		return nil, fmt.Errorf("%w: %d messages missing, at most %d allowed", ErrTooManyMessagesSkipped, until-w.ReceivedMessageNumber, w.MaxSkip)
	}
	keys := make([]skippedKey, 0, until-w.ReceivedMessageNumber)
	for w.ReceivedMessageNumber < until {
		ck, mk := e.crypto.KdfCK(w.ReceivingChainKey)
		keys = append(keys, skippedKey{publicKey: clone(w.RootChainRemotePublicKey), msgNum: w.ReceivedMessageNumber, mk: mk})
		w.ReceivingChainKey = ck
		w.ReceivedMessageNumber++
	}
	return keys, nil
}

// step performs a root ratchet step for a new remote public key.
func (e *Engine) step(w *State, remotePublicKey doubleratchet.Key) error {
	w.PreviousSendingChainLength = w.SendMessageNumber
	w.SendMessageNumber = 0
	w.ReceivedMessageNumber = 0
	w.RootChainRemotePublicKey = clone(remotePublicKey)

	dh, err := e.crypto.DH(w.RootChainKeyPair, w.RootChainRemotePublicKey)
	if err != nil {
		return fmt.Errorf("%w: bad remote key: %v", ErrDecryptionFailed, err)
	}
	w.RootKey, w.ReceivingChainKey, _ = e.crypto.KdfRK(w.RootKey, dh)

	pair, err := e.crypto.GenerateDH()
	if err != nil {
		return fmt.Errorf("ratchet: error generating key pair: %w", err)
	}
	w.RootChainKeyPair = pair
	dh, err = e.crypto.DH(w.RootChainKeyPair, w.RootChainRemotePublicKey)
	if err != nil {
		return fmt.Errorf("ratchet: error computing dh: %w", err)
	}
	w.RootKey, w.SendingChainKey, _ = e.crypto.KdfRK(w.RootKey, dh)
	return nil
}

// IsFatalForMessage reports whether err means this message can never be decrypted but the
// session remains usable.
func IsFatalForMessage(err error) bool {
	return errors.Is(err, ErrDecryptionFailed) || errors.Is(err, ErrTooManyMessagesSkipped)
}
