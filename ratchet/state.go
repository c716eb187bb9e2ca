// Package ratchet implements the double ratchet session state and the engine which advances it.
// Storage is abstracted behind KeyCache so the engine itself never blocks on I/O.
package ratchet

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/status-im/doubleratchet"
)

// State is the chain state for one peer conversation.
type State struct {
	RootKey                    doubleratchet.Key
	RootChainKeyPair           doubleratchet.DHPair
	RootChainRemotePublicKey   doubleratchet.Key
	SendingChainKey            doubleratchet.Key
	ReceivingChainKey          doubleratchet.Key
	SendMessageNumber          uint32
	ReceivedMessageNumber      uint32
	PreviousSendingChainLength uint32
	Info                       []byte
	MaxSkip                    uint32

	// Version of the persisted record this state was loaded from, 0 if never saved.
	Version uint64
}

func (s *State) Clone() *State {
	c := *s
	c.RootKey = clone(s.RootKey)
	c.RootChainRemotePublicKey = clone(s.RootChainRemotePublicKey)
	c.SendingChainKey = clone(s.SendingChainKey)
	c.ReceivingChainKey = clone(s.ReceivingChainKey)
	c.Info = clone(s.Info)
	return &c
}

// associatedData is Info || header || ad.
func (s *State) associatedData(h Header, ad []byte) []byte {
	out := make([]byte, 0, len(s.Info)+len(h.PublicKey)+8+len(ad))
	out = append(out, s.Info...)
	out = append(out, h.Encode()...)
	return append(out, ad...)
}

type Header struct {
	// PublicKey is the sender's current ratchet public key.
	PublicKey doubleratchet.Key `cbor:"1,keyasint"`
	// N is the number of the message in the sending chain.
	N uint32 `cbor:"2,keyasint"`
	// PN is the length of the previous sending chain.
	PN uint32 `cbor:"3,keyasint"`
}

func (h Header) Encode() []byte {
	out := make([]byte, 0, len(h.PublicKey)+8)
	out = append(out, h.PublicKey...)
	out = binary.BigEndian.AppendUint32(out, h.N)
	return binary.BigEndian.AppendUint32(out, h.PN)
}

type Message struct {
	Header Header `cbor:"1,keyasint"`
	Cipher []byte `cbor:"2,keyasint"`
}

func (m *Message) validate() error {
	if len(m.Header.PublicKey) != 32 {
		return fmt.Errorf("expected 32 byte public key, got %d", len(m.Header.PublicKey))
	}
	if len(m.Cipher) == 0 {
		return fmt.Errorf("empty cipher")
	}
	return nil
}

// KeyCache stores skipped message keys for one session.
type KeyCache interface {
	Add(mk doubleratchet.Key, msgNum uint32, publicKey doubleratchet.Key) error
	MessageKey(msgNum uint32, publicKey doubleratchet.Key) (doubleratchet.Key, bool, error)
	Remove(publicKey doubleratchet.Key, msgNum uint32) error
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return bytes.Clone(b)
}
