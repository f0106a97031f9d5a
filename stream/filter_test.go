package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briannadoubt/trebuchet/wire"
)

func TestNewFilterDefaultsToAll(t *testing.T) {
	for _, spec := range []*wire.StreamFilter{
		nil,
		{Type: wire.FilterAll},
	} {
		f, err := NewFilter(spec)
		require.NoError(t, err)
		assert.True(t, f.Allow([]byte(`null`)))
		assert.True(t, f.Allow([]byte(`{"anything":1}`)))
	}
}

func TestNewFilterUnknownNamePassesThrough(t *testing.T) {
	f, err := NewFilter(&wire.StreamFilter{Type: wire.FilterPredefined, Name: "glitter"})
	require.NoError(t, err)
	assert.True(t, f.Allow([]byte(`null`)))
}

func TestNewFilterRejectsMalformedShapes(t *testing.T) {
	cases := []*wire.StreamFilter{
		{Type: "custom"},
		{Type: wire.FilterPredefined},
		{Type: wire.FilterPredefined, Name: FilterThreshold},
		{Type: wire.FilterPredefined, Name: FilterThreshold, Params: map[string]any{"min": "high"}},
		{Type: wire.FilterPredefined, Name: FilterRateLimit},
		{Type: wire.FilterPredefined, Name: FilterRateLimit, Params: map[string]any{"maxPerSecond": -1.0}},
		{Type: wire.FilterPredefined, Name: FilterJMESPath},
		{Type: wire.FilterPredefined, Name: FilterJMESPath, Params: map[string]any{"expression": "status=="}},
	}
	for _, spec := range cases {
		_, err := NewFilter(spec)
		assert.Truef(t, wire.IsKind(err, wire.KindValidationError), "spec %+v: got %v", spec, err)
	}
}

func TestChangedFilter(t *testing.T) {
	f, err := NewFilter(&wire.StreamFilter{Type: wire.FilterPredefined, Name: FilterChanged})
	require.NoError(t, err)

	assert.True(t, f.Allow([]byte(`"a"`)))
	assert.False(t, f.Allow([]byte(`"a"`)))
	assert.True(t, f.Allow([]byte(`"b"`)))
	// Only consecutive duplicates are suppressed.
	assert.True(t, f.Allow([]byte(`"a"`)))
}

func TestNonEmptyFilter(t *testing.T) {
	f, err := NewFilter(&wire.StreamFilter{Type: wire.FilterPredefined, Name: FilterNonEmpty})
	require.NoError(t, err)

	cases := []struct {
		data string
		want bool
	}{
		{`null`, false},
		{`""`, false},
		{`[]`, false},
		{`{}`, false},
		{``, false},
		{`0`, true},
		{`false`, true},
		{`"x"`, true},
		{`[1]`, true},
		{`{"a":1}`, true},
		{`not json`, true},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, f.Allow([]byte(tc.data)), "value %q", tc.data)
	}
}

func TestThresholdFilterBounds(t *testing.T) {
	f, err := NewFilter(&wire.StreamFilter{
		Type: wire.FilterPredefined, Name: FilterThreshold,
		Params: map[string]any{"min": 10.0},
	})
	require.NoError(t, err)

	assert.False(t, f.Allow([]byte(`9.5`)))
	assert.True(t, f.Allow([]byte(`10`)))
	assert.True(t, f.Allow([]byte(`99`)))
	assert.False(t, f.Allow([]byte(`"ten"`)))

	f, err = NewFilter(&wire.StreamFilter{
		Type: wire.FilterPredefined, Name: FilterThreshold,
		Params: map[string]any{"min": 1.0, "max": 5.0},
	})
	require.NoError(t, err)
	assert.False(t, f.Allow([]byte(`0`)))
	assert.True(t, f.Allow([]byte(`3`)))
	assert.False(t, f.Allow([]byte(`6`)))
}

func TestThresholdFilterFieldExtraction(t *testing.T) {
	f, err := NewFilter(&wire.StreamFilter{
		Type: wire.FilterPredefined, Name: FilterThreshold,
		Params: map[string]any{"field": "load.current", "min": 0.8},
	})
	require.NoError(t, err)

	assert.True(t, f.Allow([]byte(`{"load":{"current":0.93}}`)))
	assert.False(t, f.Allow([]byte(`{"load":{"current":0.2}}`)))
	assert.False(t, f.Allow([]byte(`{"other":1}`)))
}

func TestRateLimitFilter(t *testing.T) {
	f, err := NewFilter(&wire.StreamFilter{
		Type: wire.FilterPredefined, Name: FilterRateLimit,
		Params: map[string]any{"maxPerSecond": 1.0},
	})
	require.NoError(t, err)

	assert.True(t, f.Allow(nil))
	assert.False(t, f.Allow(nil))

	f, err = NewFilter(&wire.StreamFilter{
		Type: wire.FilterPredefined, Name: FilterRateLimit,
		Params: map[string]any{"maxPerSecond": 1.0, "burst": 3.0},
	})
	require.NoError(t, err)
	assert.True(t, f.Allow(nil))
	assert.True(t, f.Allow(nil))
	assert.True(t, f.Allow(nil))
	assert.False(t, f.Allow(nil))
}

func TestJMESPathFilter(t *testing.T) {
	f, err := NewFilter(&wire.StreamFilter{
		Type: wire.FilterPredefined, Name: FilterJMESPath,
		Params: map[string]any{"expression": "status == 'ready'"},
	})
	require.NoError(t, err)

	assert.True(t, f.Allow([]byte(`{"status":"ready"}`)))
	assert.False(t, f.Allow([]byte(`{"status":"busy"}`)))
	assert.False(t, f.Allow([]byte(`not json`)))

	// Numbers are truthy in JMESPath, including zero.
	f, err = NewFilter(&wire.StreamFilter{
		Type: wire.FilterPredefined, Name: FilterJMESPath,
		Params: map[string]any{"expression": "n"},
	})
	require.NoError(t, err)
	assert.True(t, f.Allow([]byte(`{"n":0}`)))
	assert.False(t, f.Allow([]byte(`{"m":1}`)))
}
