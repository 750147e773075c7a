package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestPackPayload(t *testing.T) {
	for _, testCase := range []struct {
		name    string
		payload Payload
	}{
		{name: "json", payload: Payload{ContentType: "application/json", Body: []byte(`{"x":1}`)}},
		{name: "untyped", payload: Payload{Body: []byte{0, 1, 2, 255}}},
		{name: "empty_body", payload: Payload{ContentType: "text/plain", Body: []byte{}}},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			packed := packPayload(testCase.payload)
			unpacked, err := unpackPayload(packed)
			require.NoError(t, err)
			assert.Equal(t, testCase.payload, unpacked)

			// The unpacked body must not alias the packed buffer.
			for i := range packed {
				packed[i] = 0
			}
			assert.Equal(t, testCase.payload.Body, unpacked.Body)
		})
	}
}

func TestUnpackPayload_Corrupt(t *testing.T) {
	valid := packPayload(Payload{ContentType: "text/plain", Body: []byte("hello")})

	flipped := append([]byte(nil), valid...)
	flipped[len(flipped)-12] ^= 0xff // Inside the body, before the checksum field.

	for _, testCase := range []struct {
		name   string
		packed []byte
	}{
		{name: "truncated", packed: valid[:len(valid)-3]},
		{name: "checksum_mismatch", packed: flipped},
		{name: "garbage", packed: []byte("not an envelope")},
		{name: "missing_checksum", packed: protowire.AppendBytes(protowire.AppendTag(nil, bodyField, protowire.BytesType), []byte("x"))},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := unpackPayload(testCase.packed)
			assert.ErrorIs(t, err, ErrCorruptPayload)
		})
	}
}

func TestUnpackPayload_SkipsUnknownFields(t *testing.T) {
	packed := packPayload(Payload{ContentType: "text/plain", Body: []byte("hi")})
	packed = protowire.AppendTag(packed, 42, protowire.VarintType)
	packed = protowire.AppendVarint(packed, 7)

	unpacked, err := unpackPayload(packed)
	require.NoError(t, err)
	assert.Equal(t, Payload{ContentType: "text/plain", Body: []byte("hi")}, unpacked)
}
