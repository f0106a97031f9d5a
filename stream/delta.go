package stream

import (
	"bytes"
	"encoding/json"

	"github.com/briannadoubt/trebuchet/wire"
)

// Payload frame markers for delta-enabled streams. The first byte of every
// StreamData payload on such a stream says whether the rest is a complete
// value or a merge delta against the previous complete value. Streams
// negotiated at protocol version 1 carry bare payloads with no marker.
const (
	frameFull  byte = 0x00
	frameDelta byte = 0x01
)

// Codec encodes successive property values for one delta-enabled
// subscriber. The first value, any non-object value, and any value after a
// Reset go out complete; later objects go out as a shallow top-level merge
// delta in which a null marks a removed key. A delta that would not be
// smaller than the complete value is not worth the indirection and the
// complete value is sent instead.
type Codec struct {
	last map[string]json.RawMessage
}

// Encode frames the next value for the wire.
func (c *Codec) Encode(full []byte) []byte {
	next, ok := decodeObject(full)
	if !ok || c.last == nil || hasNullMember(next) {
		// Explicit nulls can't survive merge semantics, so such values
		// always travel complete.
		c.last = next
		return frame(frameFull, full)
	}

	diff := make(map[string]json.RawMessage)
	for k, v := range next {
		if prev, ok := c.last[k]; !ok || !bytes.Equal(prev, v) {
			diff[k] = v
		}
	}
	for k := range c.last {
		if _, ok := next[k]; !ok {
			diff[k] = json.RawMessage("null")
		}
	}

	payload, err := json.Marshal(diff)
	if err != nil || len(payload) >= len(full) {
		c.last = next
		return frame(frameFull, full)
	}
	c.last = next
	return frame(frameDelta, payload)
}

// Reset forces the next Encode to emit a complete value. Used after a
// resumption, where the subscriber's reconstruction state is unknown.
func (c *Codec) Reset() {
	c.last = nil
}

// Decoder reconstructs complete values from a delta-enabled stream.
type Decoder struct {
	full []byte
}

// Decode unframes one payload and returns the complete value it represents.
// Bare payloads from peers that do not frame (protocol v1) pass through
// unchanged; JSON text never begins with 0x00 or 0x01, so the leading byte
// is unambiguous.
func (d *Decoder) Decode(payload []byte) ([]byte, error) {
	if len(payload) > 0 && payload[0] != frameFull && payload[0] != frameDelta {
		d.full = payload
		return payload, nil
	}
	next, err := Apply(d.full, payload)
	if err != nil {
		return nil, err
	}
	d.full = next
	return next, nil
}

// Apply resolves one framed payload against the previous complete value.
func Apply(prev, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, wire.NewError(wire.KindInvalidEnvelope, "empty stream payload")
	}
	switch payload[0] {
	case frameFull:
		return payload[1:], nil
	case frameDelta:
		base, ok := decodeObject(prev)
		if !ok {
			return nil, wire.NewError(wire.KindInvalidEnvelope, "delta without a prior complete value")
		}
		var diff map[string]json.RawMessage
		if err := json.Unmarshal(payload[1:], &diff); err != nil {
			return nil, wire.Errorf(wire.KindInvalidEnvelope, "malformed delta: %v", err)
		}
		for k, v := range diff {
			if isJSONNull(v) {
				delete(base, k)
				continue
			}
			base[k] = v
		}
		merged, err := json.Marshal(base)
		if err != nil {
			return nil, wire.Errorf(wire.KindInvalidEnvelope, "merge failed: %v", err)
		}
		return merged, nil
	default:
		return nil, wire.Errorf(wire.KindInvalidEnvelope, "unknown payload frame 0x%02x", payload[0])
	}
}

func frame(marker byte, payload []byte) []byte {
	out := make([]byte, len(payload)+1)
	out[0] = marker
	copy(out[1:], payload)
	return out
}

func decodeObject(data []byte) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func hasNullMember(obj map[string]json.RawMessage) bool {
	for _, v := range obj {
		if isJSONNull(v) {
			return true
		}
	}
	return false
}

func isJSONNull(v json.RawMessage) bool {
	return string(bytes.TrimSpace(v)) == "null"
}
