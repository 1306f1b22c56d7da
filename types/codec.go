// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// envelope is the on-the-wire shape of an Event payload: a tag byte
// followed by the msgpack encoding of the concrete variant. msgpack gives a
// deterministic, self-describing encoding without hand-rolling field
// ordering for every variant.
type envelope struct {
	Tag     EventTag `msgpack:"t"`
	Payload []byte   `msgpack:"p"`
}

// EncodeEvent serializes an Event into its stable on-disk payload bytes.
// The same Event always produces the same bytes.
func EncodeEvent(e Event) ([]byte, error) {
	inner, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	env := envelope{Tag: e.Tag(), Payload: inner}
	out, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode event envelope: %w", err)
	}
	return out, nil
}

// DecodeEvent deserializes an opaque payload back into a concrete Event. A
// payload that does not parse, or whose tag is unknown, returns ErrCorrupt
// so that callers can skip the record and continue scanning.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrCorrupt, err)
	}

	var e Event
	switch env.Tag {
	case TagSystemMetrics:
		var v SystemMetrics
		if err := msgpack.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: decode SystemMetrics: %v", ErrCorrupt, err)
		}
		e = v
	case TagProcessLifecycle:
		var v ProcessLifecycle
		if err := msgpack.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: decode ProcessLifecycle: %v", ErrCorrupt, err)
		}
		e = v
	case TagProcessSnapshot:
		var v ProcessSnapshot
		if err := msgpack.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: decode ProcessSnapshot: %v", ErrCorrupt, err)
		}
		e = v
	case TagSecurityEvent:
		var v SecurityEvent
		if err := msgpack.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: decode SecurityEvent: %v", ErrCorrupt, err)
		}
		e = v
	case TagAnomaly:
		var v Anomaly
		if err := msgpack.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: decode Anomaly: %v", ErrCorrupt, err)
		}
		e = v
	case TagFileSystemEvent:
		var v FileSystemEvent
		if err := msgpack.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: decode FileSystemEvent: %v", ErrCorrupt, err)
		}
		e = v
	default:
		return nil, fmt.Errorf("%w: unknown event tag %d", ErrCorrupt, env.Tag)
	}
	return e, nil
}

// PeekTag extracts just the variant tag from an encoded payload without
// decoding the full event. The index builder uses this to populate the
// bloom filter cheaply.
func PeekTag(data []byte) (EventTag, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return 0, fmt.Errorf("%w: peek tag: %v", ErrCorrupt, err)
	}
	return env.Tag, nil
}
