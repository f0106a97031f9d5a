package gateway

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/briannadoubt/trebuchet/wire"
)

// runStage drives a single stage with a recording continuation.
func runStage(t *testing.T, st Stage, env *wire.Envelope, bag *Bag) (bool, error) {
	t.Helper()
	admitted := false
	_, err := st.Handle(context.Background(), env, bag, func(ctx context.Context) (*wire.Envelope, error) {
		admitted = true
		return nil, nil
	})
	return admitted, err
}

func TestValidationAcceptsWellFormedInvocation(t *testing.T) {
	st := NewValidationStage(ValidationConfig{})

	admitted, err := runStage(t, st, invocation("c-1", "counter-1", "increment"), &Bag{})
	require.NoError(t, err)
	require.True(t, admitted)
}

func TestValidationRejectsOversizedPayload(t *testing.T) {
	st := NewValidationStage(ValidationConfig{MaxPayloadBytes: 64})
	env := invocation("c-1", "counter-1", "increment")
	env.Invocation.Arguments = [][]byte{bytes.Repeat([]byte("x"), 128)}

	admitted, err := runStage(t, st, env, &Bag{})
	require.False(t, admitted)
	require.True(t, wire.IsKind(err, wire.KindValidationError))
	require.Contains(t, err.Error(), "payload size")
}

func TestValidationRejectsBadIdentifiers(t *testing.T) {
	cases := []struct {
		name   string
		actor  string
		method string
	}{
		{"space in actor", "echo 1", "greet"},
		{"slash in method", "echo-1", "observe/count"},
		{"empty actor", "", "greet"},
		{"non-ascii actor", "écho-1", "greet"},
		{"overlong actor", strings.Repeat("a", 200), "greet"},
	}
	st := NewValidationStage(ValidationConfig{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			admitted, err := runStage(t, st, invocation("c-1", tc.actor, tc.method), &Bag{})
			require.False(t, admitted)
			require.True(t, wire.IsKind(err, wire.KindValidationError))
		})
	}
}

func TestValidationRejectsMetadataAbuse(t *testing.T) {
	st := NewValidationStage(ValidationConfig{
		MaxMetadataEntries:    2,
		MaxMetadataValueBytes: 8,
	})

	t.Run("too many entries", func(t *testing.T) {
		env := invocation("c-1", "counter-1", "increment")
		env.Invocation.Metadata = map[string]string{"a": "1", "b": "2", "c": "3"}
		admitted, err := runStage(t, st, env, &Bag{})
		require.False(t, admitted)
		require.True(t, wire.IsKind(err, wire.KindValidationError))
	})

	t.Run("oversized value", func(t *testing.T) {
		env := invocation("c-1", "counter-1", "increment")
		env.Invocation.Metadata = map[string]string{"a": "123456789"}
		admitted, err := runStage(t, st, env, &Bag{})
		require.False(t, admitted)
		require.True(t, wire.IsKind(err, wire.KindValidationError))
	})

	t.Run("null byte in value", func(t *testing.T) {
		env := invocation("c-1", "counter-1", "increment")
		env.Invocation.Metadata = map[string]string{"a": "ab\x00c"}
		admitted, err := runStage(t, st, env, &Bag{})
		require.False(t, admitted)
		require.True(t, wire.IsKind(err, wire.KindValidationError))
	})

	t.Run("key outside character set", func(t *testing.T) {
		env := invocation("c-1", "counter-1", "increment")
		env.Invocation.Metadata = map[string]string{"bad key": "1"}
		admitted, err := runStage(t, st, env, &Bag{})
		require.False(t, admitted)
		require.True(t, wire.IsKind(err, wire.KindValidationError))
	})
}

func TestValidationSchemaEnforcement(t *testing.T) {
	st := NewValidationStage(ValidationConfig{})
	schema := `{"type":"array","items":[{"type":"string","minLength":1}],"minItems":1}`
	require.NoError(t, st.AddSchema("greet", []byte(schema)))

	t.Run("conforming arguments pass", func(t *testing.T) {
		env := invocation("c-1", "echo-1", "greet")
		env.Invocation.Arguments = [][]byte{[]byte(`"world"`)}
		admitted, err := runStage(t, st, env, &Bag{})
		require.NoError(t, err)
		require.True(t, admitted)
	})

	t.Run("wrong argument type rejected", func(t *testing.T) {
		env := invocation("c-1", "echo-1", "greet")
		env.Invocation.Arguments = [][]byte{[]byte(`42`)}
		admitted, err := runStage(t, st, env, &Bag{})
		require.False(t, admitted)
		require.True(t, wire.IsKind(err, wire.KindValidationError))
		require.Contains(t, err.Error(), "schema")
	})

	t.Run("undecodable argument rejected", func(t *testing.T) {
		env := invocation("c-1", "echo-1", "greet")
		env.Invocation.Arguments = [][]byte{[]byte(`{"`)}
		admitted, err := runStage(t, st, env, &Bag{})
		require.False(t, admitted)
		require.True(t, wire.IsKind(err, wire.KindValidationError))
		require.Contains(t, err.Error(), "not valid JSON")
	})

	t.Run("methods without a schema stay opaque", func(t *testing.T) {
		env := invocation("c-1", "echo-1", "shout")
		env.Invocation.Arguments = [][]byte{[]byte(`{"`)}
		admitted, err := runStage(t, st, env, &Bag{})
		require.NoError(t, err)
		require.True(t, admitted)
	})
}

func TestValidationSchemaCompileError(t *testing.T) {
	st := NewValidationStage(ValidationConfig{})
	require.Error(t, st.AddSchema("greet", []byte(`{`)))
}
