package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"

	"github.com/briannadoubt/trebuchet/wire"
)

// Validation limits applied when the config leaves them zero.
const (
	DefaultMaxPayloadBytes       = 1 << 20
	DefaultMaxMetadataEntries    = 64
	DefaultMaxMetadataValueBytes = 4096
	DefaultMaxIdentifierLength   = 128
)

// identifierRe is the character set accepted for actor IDs, method names
// and metadata keys.
var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidationConfig bounds the shape of an acceptable invocation.
type ValidationConfig struct {
	// MaxPayloadBytes caps the combined size of all argument payloads.
	MaxPayloadBytes int

	// MaxMetadataEntries caps the number of metadata pairs.
	MaxMetadataEntries int

	// MaxMetadataValueBytes caps a single metadata value.
	MaxMetadataValueBytes int

	// MaxIdentifierLength caps actor IDs, method names and metadata keys.
	MaxIdentifierLength int
}

func (c *ValidationConfig) defaults() {
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.MaxMetadataEntries <= 0 {
		c.MaxMetadataEntries = DefaultMaxMetadataEntries
	}
	if c.MaxMetadataValueBytes <= 0 {
		c.MaxMetadataValueBytes = DefaultMaxMetadataValueBytes
	}
	if c.MaxIdentifierLength <= 0 {
		c.MaxIdentifierLength = DefaultMaxIdentifierLength
	}
}

// ValidationStage rejects malformed invocations before any further work is
// spent on them: oversized payloads, identifiers outside the allowed
// character set, metadata abuse, and arguments that fail a registered
// per-method JSON Schema.
type ValidationStage struct {
	cfg     ValidationConfig
	schemas map[string]*gojsonschema.Schema
}

// NewValidationStage builds the stage with cfg, filling zero limits with
// the defaults.
func NewValidationStage(cfg ValidationConfig) *ValidationStage {
	cfg.defaults()
	return &ValidationStage{cfg: cfg, schemas: make(map[string]*gojsonschema.Schema)}
}

// AddSchema registers a JSON Schema validated against the argument list of
// every invocation targeting method. The schema document sees the
// arguments as a JSON array in declaration order. Register schemas before
// serving; registration is not synchronized with Handle.
func (s *ValidationStage) AddSchema(method string, schemaJSON []byte) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", method, err)
	}
	s.schemas[method] = schema
	return nil
}

func (s *ValidationStage) Name() string { return "validation" }

func (s *ValidationStage) Handle(ctx context.Context, env *wire.Envelope, bag *Bag, next Next) (*wire.Envelope, error) {
	inv := env.Invocation

	if err := s.checkIdentifier("actor ID", inv.ActorID.ID); err != nil {
		return nil, err
	}
	if err := s.checkIdentifier("method", inv.TargetIdentifier); err != nil {
		return nil, err
	}

	var total int
	for _, arg := range inv.Arguments {
		total += len(arg)
	}
	if total > s.cfg.MaxPayloadBytes {
		return nil, wire.Errorf(wire.KindValidationError,
			"payload size %d exceeds limit %d", total, s.cfg.MaxPayloadBytes)
	}

	if len(inv.Metadata) > s.cfg.MaxMetadataEntries {
		return nil, wire.Errorf(wire.KindValidationError,
			"metadata has %d entries, limit is %d", len(inv.Metadata), s.cfg.MaxMetadataEntries)
	}
	for key, value := range inv.Metadata {
		if err := s.checkIdentifier("metadata key", key); err != nil {
			return nil, err
		}
		if len(value) > s.cfg.MaxMetadataValueBytes {
			return nil, wire.Errorf(wire.KindValidationError,
				"metadata value for %q is %d bytes, limit is %d", key, len(value), s.cfg.MaxMetadataValueBytes)
		}
		if !utf8.ValidString(value) || strings.ContainsRune(value, 0) {
			return nil, wire.Errorf(wire.KindValidationError,
				"metadata value for %q is not valid text", key)
		}
	}

	if schema, ok := s.schemas[inv.TargetIdentifier]; ok {
		if err := s.checkSchema(schema, inv); err != nil {
			return nil, err
		}
	}

	return next(ctx)
}

func (s *ValidationStage) checkIdentifier(what, value string) error {
	if value == "" {
		return wire.Errorf(wire.KindValidationError, "%s is empty", what)
	}
	if len(value) > s.cfg.MaxIdentifierLength {
		return wire.Errorf(wire.KindValidationError,
			"%s is %d bytes, limit is %d", what, len(value), s.cfg.MaxIdentifierLength)
	}
	if !identifierRe.MatchString(value) {
		return wire.Errorf(wire.KindValidationError,
			"%s %q contains characters outside [A-Za-z0-9_-]", what, value)
	}
	return nil
}

// checkSchema validates the argument list as one JSON array document.
// Arguments must individually be valid JSON for the document to exist.
func (s *ValidationStage) checkSchema(schema *gojsonschema.Schema, inv *wire.Invocation) error {
	var doc bytes.Buffer
	doc.WriteByte('[')
	for i, arg := range inv.Arguments {
		if !json.Valid(arg) {
			return wire.Errorf(wire.KindValidationError,
				"argument %d of %s is not valid JSON", i, inv.TargetIdentifier)
		}
		if i > 0 {
			doc.WriteByte(',')
		}
		doc.Write(arg)
	}
	doc.WriteByte(']')

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc.Bytes()))
	if err != nil {
		return wire.Errorf(wire.KindValidationError,
			"schema validation of %s failed: %v", inv.TargetIdentifier, err)
	}
	if result.Valid() {
		return nil
	}

	var msgs []string
	for i, verr := range result.Errors() {
		if i == 3 {
			msgs = append(msgs, fmt.Sprintf("and %d more", len(result.Errors())-i))
			break
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", verr.Field(), verr.Description()))
	}
	return wire.Errorf(wire.KindValidationError,
		"arguments for %s rejected by schema: %s", inv.TargetIdentifier, strings.Join(msgs, "; "))
}
