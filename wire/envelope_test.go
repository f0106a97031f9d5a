package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelopes(t *testing.T) map[string]Envelope {
	t.Helper()

	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	actor := NewActorID("counter-1", "10.0.0.5", 7000)

	return map[string]Envelope{
		"invocation": NewInvocationEnvelope(Invocation{
			CallID:               NewCallID(),
			ActorID:              actor,
			TargetIdentifier:     "increment",
			GenericSubstitutions: []string{"Int"},
			Arguments:            [][]byte{[]byte(`{"by":2}`)},
			ProtocolVersion:      2,
			TraceContext: &TraceContext{
				TraceID: "4bf92f3577b34da6a3ce929d0e0e4736",
				SpanID:  "00f067aa0ba902b7",
				Flags:   1,
			},
			Metadata: map[string]string{"authorization": "Bearer t"},
		}),
		"response": NewResponseEnvelope("call-1", []byte(`{"value":3}`)),
		"errorResponse": NewErrorResponseEnvelope("call-2", NotFound("counter-9")),
		"streamStart": NewStreamStartEnvelope(StreamStart{
			CallID:           "call-3",
			StreamID:         "stream-1",
			ActorID:          actor,
			TargetIdentifier: "observeValue",
			StreamFilter:     &StreamFilter{Type: FilterPredefined, Name: "changed"},
		}),
		"streamData": NewStreamDataEnvelope(StreamData{
			StreamID:       "stream-1",
			SequenceNumber: 7,
			Data:           []byte(`{"value":3}`),
			Timestamp:      ts,
		}),
		"streamEnd":   NewStreamEndEnvelope("stream-1", EndCompleted),
		"streamError": NewStreamErrorEnvelope("stream-1", NewError(KindHandlerError, "boom")),
		"streamResume": NewStreamResumeEnvelope(StreamResume{
			StreamID:         "stream-1",
			ActorID:          actor,
			TargetIdentifier: "observeValue",
			LastSequence:     6,
		}),
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	for name, env := range sampleEnvelopes(t) {
		t.Run(name, func(t *testing.T) {
			data, err := Encode(env)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, env, decoded)
		})
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	env := NewInvocationEnvelope(Invocation{
		CallID:           "call-1",
		ActorID:          NewActorID("echo", "localhost", 7000),
		TargetIdentifier: "greet",
		Arguments:        [][]byte{[]byte(`"world"`)},
		ProtocolVersion:  1,
	})

	data, err := Encode(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "invocation", raw["type"])
	assert.Equal(t, "call-1", raw["callID"])
	assert.Equal(t, "greet", raw["targetIdentifier"])

	actor, ok := raw["actorID"].(map[string]any)
	require.True(t, ok, "actorID must encode as an object")
	assert.Equal(t, "echo", actor["id"])
	assert.Equal(t, "localhost", actor["host"])
	assert.Equal(t, float64(7000), actor["port"])

	// Arguments travel as base64 strings.
	args, ok := raw["arguments"].([]any)
	require.True(t, ok)
	require.Len(t, args, 1)
	assert.IsType(t, "", args[0])
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	data := []byte(`{
		"type": "streamData",
		"streamID": "stream-1",
		"sequenceNumber": 3,
		"data": "aGk=",
		"futureField": {"nested": true}
	}`)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeStreamData, env.Type)
	assert.Equal(t, uint64(3), env.StreamData.SequenceNumber)
	assert.Equal(t, []byte("hi"), env.StreamData.Data)
}

func TestDecodeUnknownTypeRejected(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport","callID":"c"}`))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidEnvelope))
}

func TestDecodeMissingTypeRejected(t *testing.T) {
	_, err := Decode([]byte(`{"callID":"c"}`))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidEnvelope))
}

func TestDecodeProtocolVersionAbsentMeansOne(t *testing.T) {
	data := []byte(`{
		"type": "invocation",
		"callID": "call-1",
		"actorID": {"id": "echo", "host": "h", "port": 1},
		"targetIdentifier": "greet"
	}`)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Invocation.ProtocolVersion)
}

func TestResponseResultAndErrorMutuallyExclusive(t *testing.T) {
	data := []byte(`{
		"type": "response",
		"callID": "call-1",
		"result": "aGk=",
		"errorMessage": "handlerError: boom"
	}`)

	_, err := Decode(data)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidEnvelope))
}

func TestVoidResponseRoundTrip(t *testing.T) {
	env := NewResponseEnvelope("call-1", nil)
	data, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Empty(t, decoded.Response.Result)
	assert.Nil(t, decoded.Response.Error)
}

func TestStreamDataSequenceMustStartAtOne(t *testing.T) {
	env := NewStreamDataEnvelope(StreamData{StreamID: "s", SequenceNumber: 0})
	_, err := Encode(env)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidEnvelope))
}

func TestStreamEndReasonDefaultsToCompleted(t *testing.T) {
	env, err := Decode([]byte(`{"type":"streamEnd","streamID":"s"}`))
	require.NoError(t, err)
	assert.Equal(t, EndCompleted, env.StreamEnd.Reason)
}

func TestExtractCallID(t *testing.T) {
	assert.Equal(t, "call-9", ExtractCallID([]byte(`{"type":"bogus","callID":"call-9"}`)))
	assert.Equal(t, "", ExtractCallID([]byte(`not json`)))
	assert.Equal(t, "", ExtractCallID([]byte(`{"streamID":"s"}`)))
}

func TestInvocationStreaming(t *testing.T) {
	inv := Invocation{TargetIdentifier: "observeValue"}
	assert.True(t, inv.Streaming())

	inv.TargetIdentifier = "increment"
	assert.False(t, inv.Streaming())
}

func TestActorIDLocalTo(t *testing.T) {
	a := NewActorID("counter-1", "10.0.0.5", 7000)
	assert.True(t, a.LocalTo("10.0.0.5", 7000))
	assert.False(t, a.LocalTo("10.0.0.5", 7001))
	assert.False(t, a.LocalTo("10.0.0.6", 7000))
	assert.Equal(t, "counter-1@10.0.0.5:7000", a.String())
	assert.Equal(t, "10.0.0.5:7000", a.Endpoint())
}
