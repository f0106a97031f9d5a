// Package stream implements observable property streaming: server-side
// fanout with per-subscriber replay buffers, client-side stream tracking
// with duplicate suppression and resumption, server-evaluated filters, and
// a delta codec for bandwidth-sensitive subscribers.
package stream

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/jmespath/go-jmespath"
	"golang.org/x/time/rate"

	"github.com/briannadoubt/trebuchet/logger"
	"github.com/briannadoubt/trebuchet/wire"
)

// Predefined filter names understood by the server.
const (
	FilterChanged   = "changed"
	FilterNonEmpty  = "nonEmpty"
	FilterThreshold = "threshold"
	FilterRateLimit = "rate-limit"
	FilterJMESPath  = "jmespath"
)

// Filter decides server-side whether an encoded property value is delivered
// to one subscriber. Filters may keep per-subscriber state, so each
// subscription builds its own instance.
type Filter interface {
	Allow(data []byte) bool
}

// NewFilter builds the filter for a subscription request. A nil spec or an
// explicit "all" passes everything. Unknown predefined names degrade to
// "all" so that servers stay compatible with newer clients, but a spec
// whose shape is malformed is rejected with a validationError.
func NewFilter(spec *wire.StreamFilter) (Filter, error) {
	if spec == nil || spec.Type == wire.FilterAll {
		return allowAll{}, nil
	}
	if spec.Type != wire.FilterPredefined {
		return nil, wire.Errorf(wire.KindValidationError, "unknown filter type %q", spec.Type)
	}
	if spec.Name == "" {
		return nil, wire.NewError(wire.KindValidationError, "predefined filter needs a name")
	}

	switch spec.Name {
	case FilterChanged:
		return &changedFilter{}, nil
	case FilterNonEmpty:
		return nonEmptyFilter{}, nil
	case FilterThreshold:
		return newThresholdFilter(spec.Params)
	case FilterRateLimit:
		return newRateLimitFilter(spec.Params)
	case FilterJMESPath:
		return newJMESPathFilter(spec.Params)
	default:
		logger.Debug("unknown predefined filter, delivering everything", "name", spec.Name)
		return allowAll{}, nil
	}
}

type allowAll struct{}

func (allowAll) Allow([]byte) bool { return true }

// changedFilter delivers a value only when it differs from the previous
// delivered one. The first value always passes.
type changedFilter struct {
	last []byte
}

func (f *changedFilter) Allow(data []byte) bool {
	if f.last != nil && bytes.Equal(f.last, data) {
		return false
	}
	f.last = append(f.last[:0], data...)
	return true
}

// nonEmptyFilter suppresses null, empty strings, and empty collections.
type nonEmptyFilter struct{}

func (nonEmptyFilter) Allow(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return false
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		// Not JSON; raw bytes count as non-empty.
		return true
	}
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

// thresholdFilter delivers numeric values that satisfy the configured
// bounds. With a "field" param the number is extracted from the value with
// a JMESPath expression; otherwise the value itself must be a number.
type thresholdFilter struct {
	path     *jmespath.JMESPath
	min, max float64
	hasMin   bool
	hasMax   bool
}

func newThresholdFilter(params map[string]any) (Filter, error) {
	f := &thresholdFilter{}
	f.min, f.hasMin = numberParam(params, "min")
	f.max, f.hasMax = numberParam(params, "max")
	if !f.hasMin && !f.hasMax {
		return nil, wire.NewError(wire.KindValidationError, "threshold filter needs a min or max bound")
	}

	if raw, ok := params["field"]; ok {
		expr, ok := raw.(string)
		if !ok || expr == "" {
			return nil, wire.NewError(wire.KindValidationError, "threshold filter field must be a non-empty string")
		}
		path, err := jmespath.Compile(expr)
		if err != nil {
			return nil, wire.Errorf(wire.KindValidationError, "threshold filter field: %v", err)
		}
		f.path = path
	}
	return f, nil
}

func (f *thresholdFilter) Allow(data []byte) bool {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	if f.path != nil {
		extracted, err := f.path.Search(doc)
		if err != nil {
			return false
		}
		doc = extracted
	}
	n, ok := asNumber(doc)
	if !ok {
		return false
	}
	if f.hasMin && n < f.min {
		return false
	}
	if f.hasMax && n > f.max {
		return false
	}
	return true
}

// rateLimitFilter bounds delivery frequency per subscriber with a token
// bucket. Suppressed values remain in the replay buffer, so a resume can
// still recover them.
type rateLimitFilter struct {
	limiter *rate.Limiter
}

func newRateLimitFilter(params map[string]any) (Filter, error) {
	perSecond, ok := numberParam(params, "maxPerSecond")
	if !ok || perSecond <= 0 {
		return nil, wire.NewError(wire.KindValidationError, "rate-limit filter needs a positive maxPerSecond")
	}
	burst := int(math.Ceil(perSecond))
	if b, ok := numberParam(params, "burst"); ok {
		if b < 1 {
			return nil, wire.NewError(wire.KindValidationError, "rate-limit filter burst must be at least 1")
		}
		burst = int(b)
	}
	return &rateLimitFilter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}, nil
}

func (f *rateLimitFilter) Allow([]byte) bool {
	return f.limiter.Allow()
}

// jmespathFilter delivers values for which the configured expression
// evaluates to a truthy result.
type jmespathFilter struct {
	path *jmespath.JMESPath
}

func newJMESPathFilter(params map[string]any) (Filter, error) {
	raw, ok := params["expression"].(string)
	if !ok || raw == "" {
		return nil, wire.NewError(wire.KindValidationError, "jmespath filter needs an expression")
	}
	path, err := jmespath.Compile(raw)
	if err != nil {
		return nil, wire.Errorf(wire.KindValidationError, "jmespath filter expression: %v", err)
	}
	return &jmespathFilter{path: path}, nil
}

func (f *jmespathFilter) Allow(data []byte) bool {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	result, err := f.path.Search(doc)
	if err != nil {
		return false
	}
	return jmespathTruthy(result)
}

// jmespathTruthy follows JMESPath truthiness: null, false, empty strings,
// and empty collections are falsy; every number is truthy.
func jmespathTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

func numberParam(params map[string]any, key string) (float64, bool) {
	raw, ok := params[key]
	if !ok {
		return 0, false
	}
	n, ok := asNumber(raw)
	return n, ok
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
