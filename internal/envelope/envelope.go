// Package envelope defines the wire format for messages relayed between
// backplane instances over the shared channel. The format is a compact
// binary framing, deliberately free of schema evolution: every instance in
// one deployment must speak the same version.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the wire format version tag carried in the first byte of every
// encoded envelope. Instances drop payloads with a different version.
const Version = 0x01

// ErrMalformed is returned by Decode for any payload that does not parse.
// Receivers log and drop such payloads; they are never fatal.
var ErrMalformed = errors.New("envelope: malformed payload")

// Envelope is the unit relayed over the shared channel: who published
// (Source), the event key (Topic), and the string-rendered payload (Value).
// Envelopes are immutable values; they live for the duration of a single
// publish or delivery.
type Envelope struct {
	Source string
	Topic  string
	Value  string
}

// Encode serializes the envelope to its wire form:
// a version byte followed by the three fields in fixed order
// (Source, Topic, Value), each as a uvarint length prefix plus raw bytes.
// Encoding is deterministic: equal envelopes produce equal bytes.
func (e Envelope) Encode() []byte {
	buf := make([]byte, 0, 1+3*binary.MaxVarintLen32+len(e.Source)+len(e.Topic)+len(e.Value))
	buf = append(buf, Version)
	buf = appendField(buf, e.Source)
	buf = appendField(buf, e.Topic)
	buf = appendField(buf, e.Value)
	return buf
}

// Decode parses a wire payload back into an Envelope. It is the exact
// inverse of Encode for every envelope, including ones with empty fields.
// All failure modes wrap ErrMalformed.
func Decode(payload []byte) (Envelope, error) {
	if len(payload) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if payload[0] != Version {
		return Envelope{}, fmt.Errorf("%w: unknown version 0x%02x", ErrMalformed, payload[0])
	}

	var (
		e    Envelope
		rest = payload[1:]
		err  error
	)
	if e.Source, rest, err = readField(rest); err != nil {
		return Envelope{}, fmt.Errorf("%w (source)", err)
	}
	if e.Topic, rest, err = readField(rest); err != nil {
		return Envelope{}, fmt.Errorf("%w (topic)", err)
	}
	if e.Value, rest, err = readField(rest); err != nil {
		return Envelope{}, fmt.Errorf("%w (value)", err)
	}
	if len(rest) != 0 {
		return Envelope{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	return e, nil
}

func appendField(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readField(buf []byte) (string, []byte, error) {
	n, size := binary.Uvarint(buf)
	if size <= 0 {
		return "", nil, fmt.Errorf("%w: invalid field length", ErrMalformed)
	}
	buf = buf[size:]
	if uint64(len(buf)) < n {
		return "", nil, fmt.Errorf("%w: field length %d exceeds %d remaining bytes", ErrMalformed, n, len(buf))
	}
	return string(buf[:n]), buf[n:], nil
}
