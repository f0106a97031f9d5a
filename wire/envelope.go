package wire

import (
	"encoding/json"
	"strings"
	"time"
)

// Type discriminates the envelope union. The wire value is the case name.
type Type string

// Envelope cases.
const (
	TypeInvocation   Type = "invocation"
	TypeResponse     Type = "response"
	TypeStreamStart  Type = "streamStart"
	TypeStreamData   Type = "streamData"
	TypeStreamEnd    Type = "streamEnd"
	TypeStreamError  Type = "streamError"
	TypeStreamResume Type = "streamResume"
)

// EndReason explains why a stream terminated.
type EndReason string

// Stream termination reasons.
const (
	EndCompleted          EndReason = "completed"
	EndActorTerminated    EndReason = "actorTerminated"
	EndClientUnsubscribed EndReason = "clientUnsubscribed"
	EndConnectionClosed   EndReason = "connectionClosed"
	EndError              EndReason = "error"
)

// StreamFilter selects which property changes reach a subscriber. Type is
// "all" (pass everything) or "predefined" (Name picks a server-side filter,
// Params configures it). Unknown predefined names behave as "all"; shapes
// outside this structure are rejected at validation.
type StreamFilter struct {
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Filter type values.
const (
	FilterAll        = "all"
	FilterPredefined = "predefined"
)

// TraceContext carries distributed-tracing identifiers across an
// invocation. It is propagated unchanged by the runtime.
type TraceContext struct {
	TraceID      string `json:"traceID"`
	SpanID       string `json:"spanID"`
	ParentSpanID string `json:"parentSpanID,omitempty"`
	Flags        uint8  `json:"flags,omitempty"`
}

// Invocation asks the target actor to run a method. Arguments are
// pre-encoded per-argument payloads the runtime never re-encodes.
type Invocation struct {
	CallID               string
	ActorID              ActorID
	TargetIdentifier     string
	GenericSubstitutions []string
	Arguments            [][]byte
	ProtocolVersion      int
	StreamFilter         *StreamFilter
	TraceContext         *TraceContext
	Metadata             map[string]string
}

// Streaming reports whether the invocation targets an observe-style method.
func (inv *Invocation) Streaming() bool {
	return strings.HasPrefix(inv.TargetIdentifier, "observe")
}

// Response carries the result of one invocation back to its caller.
// Error and a non-empty Result are mutually exclusive; both absent means a
// void success.
type Response struct {
	CallID string
	Result []byte
	Error  *Error
}

// StreamStart tells the client which streamID serves its call.
type StreamStart struct {
	CallID           string
	StreamID         string
	ActorID          ActorID
	TargetIdentifier string
	StreamFilter     *StreamFilter
}

// StreamData delivers one sequenced payload on a stream. Sequence numbers
// start at 1 and are strictly increasing per stream; gaps are legal (filters
// and deltas consume sequences without emitting).
type StreamData struct {
	StreamID       string
	SequenceNumber uint64
	Data           []byte
	Timestamp      time.Time
}

// StreamEnd terminates a stream.
type StreamEnd struct {
	StreamID string
	Reason   EndReason
}

// StreamError reports a stream failure; a StreamEnd{error} follows.
type StreamError struct {
	StreamID string
	Error    *Error
}

// StreamResume asks the server to replay a stream from LastSequence+1.
type StreamResume struct {
	StreamID         string
	ActorID          ActorID
	TargetIdentifier string
	LastSequence     uint64
}

// Envelope is the tagged union every transport carries. Exactly one case
// pointer, matching Type, is non-nil.
type Envelope struct {
	Type         Type
	Invocation   *Invocation
	Response     *Response
	StreamStart  *StreamStart
	StreamData   *StreamData
	StreamEnd    *StreamEnd
	StreamError  *StreamError
	StreamResume *StreamResume
}

// envelopeWire is the flat JSON layout. Field sets overlap across cases, so
// one superset struct encodes all seven; Validate enforces per-case shape.
type envelopeWire struct {
	Type                 Type              `json:"type"`
	CallID               string            `json:"callID,omitempty"`
	ActorID              *ActorID          `json:"actorID,omitempty"`
	TargetIdentifier     string            `json:"targetIdentifier,omitempty"`
	GenericSubstitutions []string          `json:"genericSubstitutions,omitempty"`
	Arguments            [][]byte          `json:"arguments,omitempty"`
	ProtocolVersion      *int              `json:"protocolVersion,omitempty"`
	StreamFilter         *StreamFilter     `json:"streamFilter,omitempty"`
	TraceContext         *TraceContext     `json:"traceContext,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	Result               []byte            `json:"result,omitempty"`
	ErrorMessage         string            `json:"errorMessage,omitempty"`
	StreamID             string            `json:"streamID,omitempty"`
	SequenceNumber       uint64            `json:"sequenceNumber,omitempty"`
	Data                 []byte            `json:"data,omitempty"`
	Timestamp            *time.Time        `json:"timestamp,omitempty"`
	Reason               EndReason         `json:"reason,omitempty"`
	LastSequence         uint64            `json:"lastSequence,omitempty"`
}

// MarshalJSON flattens the active case into the wire layout.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := envelopeWire{Type: e.Type}

	switch e.Type {
	case TypeInvocation:
		if e.Invocation == nil {
			return nil, Errorf(KindInvalidEnvelope, "invocation envelope without payload")
		}
		inv := e.Invocation
		w.CallID = inv.CallID
		w.ActorID = &inv.ActorID
		w.TargetIdentifier = inv.TargetIdentifier
		w.GenericSubstitutions = inv.GenericSubstitutions
		w.Arguments = inv.Arguments
		if inv.ProtocolVersion > 0 {
			v := inv.ProtocolVersion
			w.ProtocolVersion = &v
		}
		w.StreamFilter = inv.StreamFilter
		w.TraceContext = inv.TraceContext
		w.Metadata = inv.Metadata
	case TypeResponse:
		if e.Response == nil {
			return nil, Errorf(KindInvalidEnvelope, "response envelope without payload")
		}
		w.CallID = e.Response.CallID
		w.Result = e.Response.Result
		w.ErrorMessage = FormatError(e.Response.Error)
	case TypeStreamStart:
		if e.StreamStart == nil {
			return nil, Errorf(KindInvalidEnvelope, "streamStart envelope without payload")
		}
		s := e.StreamStart
		w.CallID = s.CallID
		w.StreamID = s.StreamID
		w.ActorID = &s.ActorID
		w.TargetIdentifier = s.TargetIdentifier
		w.StreamFilter = s.StreamFilter
	case TypeStreamData:
		if e.StreamData == nil {
			return nil, Errorf(KindInvalidEnvelope, "streamData envelope without payload")
		}
		d := e.StreamData
		w.StreamID = d.StreamID
		w.SequenceNumber = d.SequenceNumber
		w.Data = d.Data
		if !d.Timestamp.IsZero() {
			ts := d.Timestamp
			w.Timestamp = &ts
		}
	case TypeStreamEnd:
		if e.StreamEnd == nil {
			return nil, Errorf(KindInvalidEnvelope, "streamEnd envelope without payload")
		}
		w.StreamID = e.StreamEnd.StreamID
		w.Reason = e.StreamEnd.Reason
	case TypeStreamError:
		if e.StreamError == nil {
			return nil, Errorf(KindInvalidEnvelope, "streamError envelope without payload")
		}
		w.StreamID = e.StreamError.StreamID
		w.ErrorMessage = FormatError(e.StreamError.Error)
	case TypeStreamResume:
		if e.StreamResume == nil {
			return nil, Errorf(KindInvalidEnvelope, "streamResume envelope without payload")
		}
		r := e.StreamResume
		w.StreamID = r.StreamID
		w.ActorID = &r.ActorID
		w.TargetIdentifier = r.TargetIdentifier
		w.LastSequence = r.LastSequence
	default:
		return nil, Errorf(KindInvalidEnvelope, "unknown envelope type %q", e.Type)
	}

	return json.Marshal(w)
}

// UnmarshalJSON rebuilds the union from the flat wire layout. Unknown
// fields are ignored for forward compatibility; an unknown type is an
// invalidEnvelope error.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Errorf(KindInvalidEnvelope, "malformed envelope: %v", err)
	}

	*e = Envelope{Type: w.Type}

	switch w.Type {
	case TypeInvocation:
		inv := &Invocation{
			CallID:               w.CallID,
			TargetIdentifier:     w.TargetIdentifier,
			GenericSubstitutions: w.GenericSubstitutions,
			Arguments:            w.Arguments,
			ProtocolVersion:      1,
			StreamFilter:         w.StreamFilter,
			TraceContext:         w.TraceContext,
			Metadata:             w.Metadata,
		}
		if w.ActorID != nil {
			inv.ActorID = *w.ActorID
		}
		// Absence decodes as version 1.
		if w.ProtocolVersion != nil {
			inv.ProtocolVersion = *w.ProtocolVersion
		}
		e.Invocation = inv
	case TypeResponse:
		e.Response = &Response{
			CallID: w.CallID,
			Result: w.Result,
			Error:  ParseErrorMessage(w.ErrorMessage),
		}
	case TypeStreamStart:
		s := &StreamStart{
			CallID:           w.CallID,
			StreamID:         w.StreamID,
			TargetIdentifier: w.TargetIdentifier,
			StreamFilter:     w.StreamFilter,
		}
		if w.ActorID != nil {
			s.ActorID = *w.ActorID
		}
		e.StreamStart = s
	case TypeStreamData:
		d := &StreamData{
			StreamID:       w.StreamID,
			SequenceNumber: w.SequenceNumber,
			Data:           w.Data,
		}
		if w.Timestamp != nil {
			d.Timestamp = *w.Timestamp
		}
		e.StreamData = d
	case TypeStreamEnd:
		reason := w.Reason
		if reason == "" {
			reason = EndCompleted
		}
		e.StreamEnd = &StreamEnd{StreamID: w.StreamID, Reason: reason}
	case TypeStreamError:
		e.StreamError = &StreamError{
			StreamID: w.StreamID,
			Error:    ParseErrorMessage(w.ErrorMessage),
		}
	case TypeStreamResume:
		r := &StreamResume{
			StreamID:         w.StreamID,
			TargetIdentifier: w.TargetIdentifier,
			LastSequence:     w.LastSequence,
		}
		if w.ActorID != nil {
			r.ActorID = *w.ActorID
		}
		e.StreamResume = r
	case "":
		return Errorf(KindInvalidEnvelope, "envelope missing type")
	default:
		return Errorf(KindInvalidEnvelope, "unknown envelope type %q", w.Type)
	}

	return e.Validate()
}

// Validate checks the per-case required fields.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeInvocation:
		inv := e.Invocation
		if inv == nil {
			return Errorf(KindInvalidEnvelope, "invocation envelope without payload")
		}
		if inv.CallID == "" {
			return Errorf(KindInvalidEnvelope, "invocation missing callID")
		}
		if inv.ActorID.ID == "" {
			return Errorf(KindInvalidEnvelope, "invocation missing actorID")
		}
		if inv.TargetIdentifier == "" {
			return Errorf(KindInvalidEnvelope, "invocation missing targetIdentifier")
		}
		if inv.ProtocolVersion < 1 {
			return Errorf(KindInvalidEnvelope, "invocation protocolVersion %d out of range", inv.ProtocolVersion)
		}
	case TypeResponse:
		r := e.Response
		if r == nil {
			return Errorf(KindInvalidEnvelope, "response envelope without payload")
		}
		if r.CallID == "" {
			return Errorf(KindInvalidEnvelope, "response missing callID")
		}
		if len(r.Result) > 0 && r.Error != nil {
			return Errorf(KindInvalidEnvelope, "response carries both result and error")
		}
	case TypeStreamStart:
		s := e.StreamStart
		if s == nil {
			return Errorf(KindInvalidEnvelope, "streamStart envelope without payload")
		}
		if s.CallID == "" || s.StreamID == "" {
			return Errorf(KindInvalidEnvelope, "streamStart missing callID or streamID")
		}
		if s.ActorID.ID == "" || s.TargetIdentifier == "" {
			return Errorf(KindInvalidEnvelope, "streamStart missing actorID or targetIdentifier")
		}
	case TypeStreamData:
		d := e.StreamData
		if d == nil {
			return Errorf(KindInvalidEnvelope, "streamData envelope without payload")
		}
		if d.StreamID == "" {
			return Errorf(KindInvalidEnvelope, "streamData missing streamID")
		}
		if d.SequenceNumber < 1 {
			return Errorf(KindInvalidEnvelope, "streamData sequenceNumber must start at 1")
		}
	case TypeStreamEnd:
		if e.StreamEnd == nil || e.StreamEnd.StreamID == "" {
			return Errorf(KindInvalidEnvelope, "streamEnd missing streamID")
		}
	case TypeStreamError:
		s := e.StreamError
		if s == nil || s.StreamID == "" {
			return Errorf(KindInvalidEnvelope, "streamError missing streamID")
		}
		if s.Error == nil {
			return Errorf(KindInvalidEnvelope, "streamError missing errorMessage")
		}
	case TypeStreamResume:
		r := e.StreamResume
		if r == nil || r.StreamID == "" {
			return Errorf(KindInvalidEnvelope, "streamResume missing streamID")
		}
		if r.ActorID.ID == "" || r.TargetIdentifier == "" {
			return Errorf(KindInvalidEnvelope, "streamResume missing actorID or targetIdentifier")
		}
	default:
		return Errorf(KindInvalidEnvelope, "unknown envelope type %q", e.Type)
	}
	return nil
}

// Encode serializes one envelope to its JSON wire form.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, Errorf(KindInvalidEnvelope, "encode: %v", err)
	}
	return data, nil
}

// Decode parses one envelope from its JSON wire form.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// ExtractCallID makes a best-effort attempt to pull a callID out of bytes
// that failed to decode, so the failure can still be answered with a
// correlated Response. Returns "" when no callID is identifiable.
func ExtractCallID(data []byte) string {
	var probe struct {
		CallID string `json:"callID"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.CallID
}

// NewInvocationEnvelope wraps an Invocation.
func NewInvocationEnvelope(inv Invocation) Envelope {
	return Envelope{Type: TypeInvocation, Invocation: &inv}
}

// NewResponseEnvelope wraps a successful Response.
func NewResponseEnvelope(callID string, result []byte) Envelope {
	return Envelope{Type: TypeResponse, Response: &Response{CallID: callID, Result: result}}
}

// NewErrorResponseEnvelope wraps a failed Response.
func NewErrorResponseEnvelope(callID string, err *Error) Envelope {
	return Envelope{Type: TypeResponse, Response: &Response{CallID: callID, Error: err}}
}

// NewStreamStartEnvelope wraps a StreamStart.
func NewStreamStartEnvelope(s StreamStart) Envelope {
	return Envelope{Type: TypeStreamStart, StreamStart: &s}
}

// NewStreamDataEnvelope wraps a StreamData.
func NewStreamDataEnvelope(d StreamData) Envelope {
	return Envelope{Type: TypeStreamData, StreamData: &d}
}

// NewStreamEndEnvelope wraps a StreamEnd.
func NewStreamEndEnvelope(streamID string, reason EndReason) Envelope {
	return Envelope{Type: TypeStreamEnd, StreamEnd: &StreamEnd{StreamID: streamID, Reason: reason}}
}

// NewStreamErrorEnvelope wraps a StreamError.
func NewStreamErrorEnvelope(streamID string, err *Error) Envelope {
	return Envelope{Type: TypeStreamError, StreamError: &StreamError{StreamID: streamID, Error: err}}
}

// NewStreamResumeEnvelope wraps a StreamResume.
func NewStreamResumeEnvelope(r StreamResume) Envelope {
	return Envelope{Type: TypeStreamResume, StreamResume: &r}
}
