// Byte oriented drivers (bolt, redis) pack a payload into a single value using the protobuf wire format:
//   1: content type (string)
//   2: body (bytes)
//   3: xxhash64 of the body (fixed64)
// Unknown fields are skipped so newer writers can add fields without breaking older readers.

package storage

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	contentTypeField protowire.Number = 1
	bodyField        protowire.Number = 2
	checksumField    protowire.Number = 3
)

// ErrCorruptPayload is returned when a packed payload fails to decode or its checksum doesn't match.
var ErrCorruptPayload = errors.New("storage: corrupt payload")

var corruptPayloads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "storage_corrupt_payloads_total",
	Help: "Total number of stored payloads that could not be decoded and were reported as missing.",
}, []string{"driver"})

// packPayload serializes the payload into its envelope.
func packPayload(payload Payload) []byte {
	buffer := make([]byte, 0, len(payload.ContentType)+len(payload.Body)+16)
	buffer = protowire.AppendTag(buffer, contentTypeField, protowire.BytesType)
	buffer = protowire.AppendString(buffer, payload.ContentType)
	buffer = protowire.AppendTag(buffer, bodyField, protowire.BytesType)
	buffer = protowire.AppendBytes(buffer, payload.Body)
	buffer = protowire.AppendTag(buffer, checksumField, protowire.Fixed64Type)
	buffer = protowire.AppendFixed64(buffer, xxhash.Sum64(payload.Body))
	return buffer
}

// unpackPayload deserializes an envelope. The returned body never aliases `packed`.
func unpackPayload(packed []byte) (Payload, error) {
	var (
		payload     Payload
		checksum    uint64
		hasBody     bool
		hasChecksum bool
	)
	for len(packed) > 0 {
		num, typ, n := protowire.ConsumeTag(packed)
		if n < 0 {
			return Payload{}, fmt.Errorf("%w: %v", ErrCorruptPayload, protowire.ParseError(n))
		}
		packed = packed[n:]
		switch {
		case num == contentTypeField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(packed)
			if n < 0 {
				return Payload{}, fmt.Errorf("%w: content type: %v", ErrCorruptPayload, protowire.ParseError(n))
			}
			payload.ContentType = v
			packed = packed[n:]
		case num == bodyField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(packed)
			if n < 0 {
				return Payload{}, fmt.Errorf("%w: body: %v", ErrCorruptPayload, protowire.ParseError(n))
			}
			payload.Body = copyBytes(v)
			hasBody = true
			packed = packed[n:]
		case num == checksumField && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(packed)
			if n < 0 {
				return Payload{}, fmt.Errorf("%w: checksum: %v", ErrCorruptPayload, protowire.ParseError(n))
			}
			checksum = v
			hasChecksum = true
			packed = packed[n:]
		default: // Skip unknown fields.
			n := protowire.ConsumeFieldValue(num, typ, packed)
			if n < 0 {
				return Payload{}, fmt.Errorf("%w: field %d: %v", ErrCorruptPayload, num, protowire.ParseError(n))
			}
			packed = packed[n:]
		}
	}

	if !hasBody || !hasChecksum {
		return Payload{}, fmt.Errorf("%w: missing body or checksum", ErrCorruptPayload)
	}
	if got := xxhash.Sum64(payload.Body); got != checksum {
		return Payload{}, fmt.Errorf("%w: checksum mismatch (%x != %x)", ErrCorruptPayload, got, checksum)
	}
	if payload.Body == nil {
		payload.Body = []byte{}
	}
	return payload, nil
}
