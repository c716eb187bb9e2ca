// Package envelope routes transport envelopes to their conversation's session and delivers
// the decrypted payload exactly once per envelope id.
package envelope

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/meow-io/slick-nse/ids"
	"github.com/meow-io/slick-nse/ratchet"
)

var (
	ErrMalformed = errors.New("envelope: malformed")
	ErrNoHandler = errors.New("envelope: no handler for payload type")
	ErrUnknown   = errors.New("envelope: unknown envelope")
)

type PayloadType uint8

const (
	PayloadChatMessage PayloadType = iota + 1
	PayloadGroupUpdate
	PayloadReceipt
)

func (pt PayloadType) String() string {
	switch pt {
	case PayloadChatMessage:
		return "chat-message"
	case PayloadGroupUpdate:
		return "group-update"
	case PayloadReceipt:
		return "receipt"
	default:
		return fmt.Sprintf("type-%d", uint8(pt))
	}
}

// associatedData binds the discriminator to the ciphertext.
func (pt PayloadType) associatedData() []byte {
	return []byte{byte(pt)}
}

type Payload struct {
	Type PayloadType `cbor:"1,keyasint"`
	// Data is the encoded ratchet message.
	Data []byte `cbor:"2,keyasint"`
}

type Envelope struct {
	ID             string  `cbor:"1,keyasint"`
	ConversationID ids.ID  `cbor:"2,keyasint"`
	Payload        Payload `cbor:"3,keyasint"`
}

func (env *Envelope) validate() error {
	if env.ID == "" {
		return fmt.Errorf("%w: empty id", ErrMalformed)
	}
	if env.ConversationID == ids.Zero {
		return fmt.Errorf("%w: envelope %s has no conversation", ErrMalformed, env.ID)
	}
	if len(env.Payload.Data) == 0 {
		return fmt.Errorf("%w: envelope %s has no payload", ErrMalformed, env.ID)
	}
	return nil
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

const maxPayloadSize = 16 << 20

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	if encMode, err = encOptions.EncMode(); err != nil {
		panic("envelope: cbor encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}).DecMode(); err != nil {
		panic("envelope: cbor decoder initialization failed: " + err.Error())
	}

	if zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic("envelope: zstd encoder initialization failed: " + err.Error())
	}
	if zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadSize)); err != nil {
		panic("envelope: zstd decoder initialization failed: " + err.Error())
	}
}

func Encode(env *Envelope) ([]byte, error) {
	return encMode.Marshal(env)
}

func Decode(raw []byte) (*Envelope, error) {
	if len(raw) > maxPayloadSize {
		return nil, fmt.Errorf("%w: envelope of %d bytes exceeds %d", ErrMalformed, len(raw), maxPayloadSize)
	}
	env := &Envelope{}
	if err := decMode.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func encodeMessage(m *ratchet.Message) ([]byte, error) {
	return encMode.Marshal(m)
}

func decodeMessage(b []byte) (*ratchet.Message, error) {
	if len(b) > maxPayloadSize {
		return nil, fmt.Errorf("%w: message of %d bytes exceeds %d", ErrMalformed, len(b), maxPayloadSize)
	}
	m := &ratchet.Message{}
	if err := decMode.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: bad message: %v", ErrMalformed, err)
	}
	return m, nil
}

const (
	frameRaw  byte = 0
	frameZstd byte = 1
)

// frame prefixes body with its compression tag. Bodies above threshold are compressed
// unless that does not make them smaller.
func frame(body []byte, threshold int) []byte {
	if threshold > 0 && len(body) > threshold {
		compressed := zstdEncoder.EncodeAll(body, []byte{frameZstd})
		if len(compressed) < len(body)+1 {
			return compressed
		}
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, frameRaw)
	return append(out, body...)
}

func unframe(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	switch framed[0] {
	case frameRaw:
		return framed[1:], nil
	case frameZstd:
		body, err := zstdDecoder.DecodeAll(framed[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("%w: unknown frame tag %d", ErrMalformed, framed[0])
	}
}
