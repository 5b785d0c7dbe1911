package core

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// TypedPayload is the closed interface every decoded record implements. A
// payload declares its own TypeTag so Envelope construction can assert the
// invariant that the envelope's tag agrees with the payload's (§3).
//
// Concrete payload types live outside this module (decoders are pluggable,
// §1); the engine only ever holds them behind this interface plus the
// opaque TypeTag, matching the "tagged variant over a closed sum type, or a
// boxed value plus a 64-bit tag" guidance of §9.
type TypedPayload interface {
	PayloadTypeTag() TypeTag
}

// Envelope is the immutable record produced by a decoder (§3).
type Envelope struct {
	ID        string
	TypeTag   TypeTag
	Payload   TypedPayload
	Metadata  map[string]string
	Timestamp int64
}

// NewEnvelope constructs an Envelope, returning an error if payload's own
// declared tag disagrees with tag — the core invariant of §3.
func NewEnvelope(id string, tag TypeTag, payload TypedPayload, metadata map[string]string, ts int64) (Envelope, error) {
	if payload.PayloadTypeTag() != tag {
		return Envelope{}, fmt.Errorf("envelope %s: type tag mismatch: declared=%d payload=%d", id, tag, payload.PayloadTypeTag())
	}
	return Envelope{ID: id, TypeTag: tag, Payload: payload, Metadata: metadata, Timestamp: ts}, nil
}

// EncodePayload renders payload to the self-describing binary format used
// on the wire. CBOR is self-describing (unlike a bare gob/proto stream) so
// a downstream client can decode without out-of-band schema knowledge,
// matching §6's "self-describing binary format supplied by the sink".
func EncodePayload(payload TypedPayload) ([]byte, error) {
	b, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// now exists purely so tests can stub time without reaching into time.Now
// directly; production code always uses the default.
var now = time.Now

func nowUnix() int64 { return now().Unix() }
