package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briannadoubt/trebuchet/wire"
)

func TestCodecFirstValueTravelsComplete(t *testing.T) {
	var enc Codec

	payload := enc.Encode([]byte(`{"a":1}`))
	require.NotEmpty(t, payload)
	assert.Equal(t, frameFull, payload[0])
	assert.JSONEq(t, `{"a":1}`, string(payload[1:]))
}

func TestCodecDeltaRoundTrip(t *testing.T) {
	var enc Codec
	var dec Decoder

	v1 := []byte(`{"a":1,"b":"xx","c":true}`)
	v2 := []byte(`{"a":2,"b":"xx","c":true}`)

	p1 := enc.Encode(v1)
	got, err := dec.Decode(p1)
	require.NoError(t, err)
	assert.JSONEq(t, string(v1), string(got))

	p2 := enc.Encode(v2)
	require.Equal(t, frameDelta, p2[0])
	assert.JSONEq(t, `{"a":2}`, string(p2[1:]))

	got, err = dec.Decode(p2)
	require.NoError(t, err)
	assert.JSONEq(t, string(v2), string(got))
}

func TestCodecRemovedKeyBecomesNull(t *testing.T) {
	var enc Codec
	var dec Decoder

	v1 := []byte(`{"a":1,"b":2,"c":"xyz"}`)
	v2 := []byte(`{"a":1,"c":"xyz"}`)

	_, err := dec.Decode(enc.Encode(v1))
	require.NoError(t, err)

	p2 := enc.Encode(v2)
	require.Equal(t, frameDelta, p2[0])
	assert.JSONEq(t, `{"b":null}`, string(p2[1:]))

	got, err := dec.Decode(p2)
	require.NoError(t, err)
	assert.JSONEq(t, string(v2), string(got))
}

func TestCodecFallsBackWhenDeltaIsNotSmaller(t *testing.T) {
	var enc Codec

	enc.Encode([]byte(`{"a":1}`))
	payload := enc.Encode([]byte(`{"b":2}`))
	assert.Equal(t, frameFull, payload[0])
}

func TestCodecNonObjectAlwaysComplete(t *testing.T) {
	var enc Codec

	assert.Equal(t, frameFull, enc.Encode([]byte(`42`))[0])
	assert.Equal(t, frameFull, enc.Encode([]byte(`43`))[0])
	assert.Equal(t, frameFull, enc.Encode([]byte(`[1,2]`))[0])
}

func TestCodecExplicitNullTravelsComplete(t *testing.T) {
	var enc Codec

	enc.Encode([]byte(`{"a":1,"b":2}`))
	payload := enc.Encode([]byte(`{"a":1,"b":null}`))
	assert.Equal(t, frameFull, payload[0])
}

func TestCodecReset(t *testing.T) {
	var enc Codec

	enc.Encode([]byte(`{"a":1,"common":"unchanged-tail"}`))
	assert.Equal(t, frameDelta, enc.Encode([]byte(`{"a":2,"common":"unchanged-tail"}`))[0])

	enc.Reset()
	assert.Equal(t, frameFull, enc.Encode([]byte(`{"a":3,"common":"unchanged-tail"}`))[0])
}

func TestDecoderRejectsDeltaWithoutBase(t *testing.T) {
	var dec Decoder

	_, err := dec.Decode(frame(frameDelta, []byte(`{"a":1}`)))
	require.Error(t, err)
	assert.True(t, wire.IsKind(err, wire.KindInvalidEnvelope))
}

func TestDecoderPassesBarePayloadsThrough(t *testing.T) {
	var dec Decoder

	// Version 1 peers send unframed JSON.
	got, err := dec.Decode([]byte(`{"count":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"count":1}`, string(got))

	got, err = dec.Decode([]byte(`  [1,2]`))
	require.NoError(t, err)
	assert.Equal(t, `  [1,2]`, string(got))
}

func TestApplyRejectsMalformedPayloads(t *testing.T) {
	_, err := Apply(nil, nil)
	assert.True(t, wire.IsKind(err, wire.KindInvalidEnvelope))

	_, err = Apply([]byte(`{}`), []byte{0x07, 'x'})
	assert.True(t, wire.IsKind(err, wire.KindInvalidEnvelope))

	_, err = Apply([]byte(`{"a":1}`), frame(frameDelta, []byte(`not json`)))
	assert.True(t, wire.IsKind(err, wire.KindInvalidEnvelope))
}
