package stream

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briannadoubt/trebuchet/wire"
)

func bindStream(t *testing.T, r *ClientRegistry, callID, streamID string) *ClientStream {
	t.Helper()
	s := r.CreateStream(callID, testActor(), "observeCount", false)
	require.True(t, r.HandleStreamStart(&wire.StreamStart{CallID: callID, StreamID: streamID}))
	return s
}

func TestClientStreamBindAndDeliver(t *testing.T) {
	r := NewClientRegistry()
	s := bindStream(t, r, "call-1", "s-1")
	assert.Equal(t, "s-1", s.ID())
	assert.Equal(t, 1, r.Active())

	ch, cancel := s.Observe()
	defer cancel()

	r.HandleStreamData(&wire.StreamData{StreamID: "s-1", SequenceNumber: 1, Data: []byte(`41`)})

	got := <-ch
	assert.Equal(t, uint64(1), got.SequenceNumber)
	assert.Equal(t, `41`, string(got.Data))

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, `41`, string(last.Data))
}

func TestClientStreamDropsDuplicateSequences(t *testing.T) {
	r := NewClientRegistry()
	s := bindStream(t, r, "call-1", "s-1")

	r.HandleStreamData(&wire.StreamData{StreamID: "s-1", SequenceNumber: 1, Data: []byte(`1`)})
	r.HandleStreamData(&wire.StreamData{StreamID: "s-1", SequenceNumber: 1, Data: []byte(`1`)})
	r.HandleStreamData(&wire.StreamData{StreamID: "s-1", SequenceNumber: 2, Data: []byte(`2`)})

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, uint64(1), history[0].SequenceNumber)
	assert.Equal(t, uint64(2), history[1].SequenceNumber)
}

func TestClientStreamStartForUnknownCall(t *testing.T) {
	r := NewClientRegistry()
	ok := r.HandleStreamStart(&wire.StreamStart{CallID: "ghost", StreamID: "s-1"})
	assert.False(t, ok)
	assert.Equal(t, 0, r.Active())
}

func TestClientStreamDataForUnknownStream(t *testing.T) {
	r := NewClientRegistry()
	bindStream(t, r, "call-1", "s-1")

	r.HandleStreamData(&wire.StreamData{StreamID: "ghost", SequenceNumber: 1, Data: []byte(`1`)})
	assert.Equal(t, 1, r.Active())
}

func TestClientStreamEnd(t *testing.T) {
	r := NewClientRegistry()
	s := bindStream(t, r, "call-1", "s-1")
	ch, cancel := s.Observe()
	defer cancel()

	r.HandleStreamEnd(&wire.StreamEnd{StreamID: "s-1", Reason: wire.EndCompleted})

	<-s.Done()
	assert.Equal(t, wire.EndCompleted, s.EndReason())
	assert.Nil(t, s.Err())
	assert.Equal(t, 0, r.Active())

	_, open := <-ch
	assert.False(t, open, "observer channels close on termination")
}

func TestClientStreamError(t *testing.T) {
	r := NewClientRegistry()
	s := bindStream(t, r, "call-1", "s-1")

	r.HandleStreamError(&wire.StreamError{
		StreamID: "s-1",
		Error:    wire.NewError(wire.KindHandlerError, "boom"),
	})

	<-s.Done()
	assert.Equal(t, wire.EndError, s.EndReason())
	require.NotNil(t, s.Err())
	assert.Equal(t, wire.KindHandlerError, s.Err().Kind)
	assert.Equal(t, 0, r.Active())
}

func TestClientStreamHistoryIsBounded(t *testing.T) {
	r := NewClientRegistry()
	s := bindStream(t, r, "call-1", "s-1")

	for i := 1; i <= 150; i++ {
		r.HandleStreamData(&wire.StreamData{
			StreamID: "s-1", SequenceNumber: uint64(i),
			Data: []byte(fmt.Sprintf("%d", i)),
		})
	}

	history := s.History()
	require.Len(t, history, clientHistoryCap)
	assert.Equal(t, uint64(51), history[0].SequenceNumber)
	last, _ := s.Last()
	assert.Equal(t, uint64(150), last.SequenceNumber)
}

func TestClientRegistryResumeEnvelopes(t *testing.T) {
	r := NewClientRegistry()
	s := r.CreateStream("call-1", testActor(), "observeCount", false)
	require.True(t, r.HandleStreamStart(&wire.StreamStart{CallID: "call-1", StreamID: "s-1"}))
	for i := 1; i <= 3; i++ {
		r.HandleStreamData(&wire.StreamData{StreamID: "s-1", SequenceNumber: uint64(i), Data: []byte(`0`)})
	}

	envs := r.ResumeEnvelopes()
	require.Len(t, envs, 1)
	require.Equal(t, wire.TypeStreamResume, envs[0].Type)
	resume := envs[0].StreamResume
	assert.Equal(t, "s-1", resume.StreamID)
	assert.Equal(t, uint64(3), resume.LastSequence)
	assert.Equal(t, testActor(), resume.ActorID)
	assert.Equal(t, "observeCount", resume.TargetIdentifier)

	// A replayed value continues the stream without any rebinding.
	r.HandleStreamData(&wire.StreamData{StreamID: "s-1", SequenceNumber: 4, Data: []byte(`4`)})
	last, _ := s.Last()
	assert.Equal(t, uint64(4), last.SequenceNumber)
}

func TestClientResumedStreamContinuesReplay(t *testing.T) {
	r := NewClientRegistry()
	s := r.CreateResumedStream(Checkpoint{
		StreamID: "s-1", LastSequence: 3, ActorID: testActor(), Method: "observeCount",
	}, false)
	assert.Equal(t, "s-1", s.ID())
	assert.Equal(t, 1, r.Active())

	// Sequence 3 was already seen before the reconnect.
	r.HandleStreamData(&wire.StreamData{StreamID: "s-1", SequenceNumber: 3, Data: []byte(`3`)})
	_, ok := s.Last()
	assert.False(t, ok)

	r.HandleStreamData(&wire.StreamData{StreamID: "s-1", SequenceNumber: 4, Data: []byte(`4`)})
	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, uint64(4), last.SequenceNumber)
}

func TestClientResumedStreamRebindsOnRestart(t *testing.T) {
	r := NewClientRegistry()
	s := r.CreateResumedStream(Checkpoint{
		StreamID: "s-1", LastSequence: 3, ActorID: testActor(), Method: "observeCount",
	}, false)

	// The buffer expired server-side, so a fresh stream starts, correlated
	// by the resumed stream's ID.
	require.True(t, r.HandleStreamStart(&wire.StreamStart{CallID: "s-1", StreamID: "s-2"}))
	assert.Equal(t, "s-2", s.ID())
	assert.Equal(t, 1, r.Active())

	// The fresh stream counts from 1 again; nothing is deduplicated away.
	r.HandleStreamData(&wire.StreamData{StreamID: "s-2", SequenceNumber: 1, Data: []byte(`"fresh"`)})
	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, uint64(1), last.SequenceNumber)
	assert.Equal(t, `"fresh"`, string(last.Data))

	cp, ok := s.Checkpoint()
	require.True(t, ok)
	assert.Equal(t, "s-2", cp.StreamID)
	assert.Equal(t, uint64(1), cp.LastSequence)
}

func TestClientStreamDeltaReassembly(t *testing.T) {
	r := NewClientRegistry()
	s := r.CreateStream("call-1", testActor(), "observeStatus", true)
	require.True(t, r.HandleStreamStart(&wire.StreamStart{CallID: "call-1", StreamID: "s-1"}))

	v1 := []byte(`{"phase":"starting","node":"worker-7"}`)
	v2 := []byte(`{"phase":"ready","node":"worker-7"}`)
	enc := &Codec{}
	p1 := enc.Encode(v1)
	p2 := enc.Encode(v2)
	require.Equal(t, frameDelta, p2[0])

	r.HandleStreamData(&wire.StreamData{StreamID: "s-1", SequenceNumber: 1, Data: p1})
	r.HandleStreamData(&wire.StreamData{StreamID: "s-1", SequenceNumber: 2, Data: p2})

	history := s.History()
	require.Len(t, history, 2)
	assert.JSONEq(t, string(v1), string(history[0].Data))
	assert.JSONEq(t, string(v2), string(history[1].Data))
}

func TestClientStreamFailsOnUndecodablePayload(t *testing.T) {
	r := NewClientRegistry()
	s := r.CreateStream("call-1", testActor(), "observeStatus", true)
	require.True(t, r.HandleStreamStart(&wire.StreamStart{CallID: "call-1", StreamID: "s-1"}))

	// A delta with no prior complete value cannot be applied.
	bad := frame(frameDelta, []byte(`{"phase":"ready"}`))
	r.HandleStreamData(&wire.StreamData{StreamID: "s-1", SequenceNumber: 1, Data: bad})

	<-s.Done()
	assert.Equal(t, wire.EndError, s.EndReason())
	require.NotNil(t, s.Err())
	assert.Equal(t, wire.KindInvalidEnvelope, s.Err().Kind)
	assert.Equal(t, 0, r.Active())
}

func TestClientStreamObserveAfterEnd(t *testing.T) {
	r := NewClientRegistry()
	s := bindStream(t, r, "call-1", "s-1")
	r.HandleStreamEnd(&wire.StreamEnd{StreamID: "s-1", Reason: wire.EndCompleted})
	<-s.Done()

	ch, cancel := s.Observe()
	defer cancel()
	_, open := <-ch
	assert.False(t, open)
}
