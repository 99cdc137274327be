// Package envelope defines the application message carried inside each frame
// on the rendezvous sockets, encoded as CBOR.
package envelope

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is one application-level message.
// ID is assigned by the sender; ResponseTo names the ID of the request this message answers, or zero.
type Envelope struct {
	ID         uint32 `cbor:"1,keyasint,omitempty"`
	ResponseTo uint32 `cbor:"2,keyasint,omitempty"`
	Type       string `cbor:"3,keyasint"`
	Payload    []byte `cbor:"4,keyasint,omitempty"`
}

var decMode cbor.DecMode

func init() {
	var err error
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("building CBOR decode mode: %s", err))
	}
}

// Marshal encodes e for framing.
func Marshal(e Envelope) ([]byte, error) {
	b, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a framed payload into an Envelope.
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	if err := decMode.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	return e, nil
}

// Reply returns an Envelope of the given type answering e.
func (e Envelope) Reply(typ string, payload []byte) Envelope {
	return Envelope{ResponseTo: e.ID, Type: typ, Payload: payload}
}

// MarshalPayload encodes v as CBOR for use as an Envelope payload.
func MarshalPayload(v any) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return b, nil
}

// UnmarshalPayload decodes an Envelope payload into v.
func UnmarshalPayload(b []byte, v any) error {
	if err := cbor.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}
