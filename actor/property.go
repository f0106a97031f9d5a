package actor

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Properties is the set of streamed properties one actor exposes. Build it
// in the actor's constructor, declare each property with New, and return it
// from the Streamer interface; Expose binds the set to the fanout.
type Properties struct {
	mu    sync.Mutex
	props map[string]*Property
	order []string
}

// NewProperties creates an empty property set.
func NewProperties() *Properties {
	return &Properties{props: make(map[string]*Property)}
}

// New declares a streamed property under the observe-prefixed name
// subscribers target, with its initial encoded value. Misnamed or
// duplicate declarations are programming errors and panic.
func (ps *Properties) New(name string, initial []byte) *Property {
	if !strings.HasPrefix(name, "observe") {
		panic(fmt.Sprintf("streamed property %q needs an observe-prefixed name", name))
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, dup := ps.props[name]; dup {
		panic(fmt.Sprintf("streamed property %q declared twice", name))
	}
	p := &Property{name: name, value: append([]byte(nil), initial...)}
	ps.props[name] = p
	ps.order = append(ps.order, name)
	return p
}

// Has reports whether a property with that name is declared.
func (ps *Properties) Has(name string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	_, ok := ps.props[name]
	return ok
}

// Names returns the declared property names in declaration order.
func (ps *Properties) Names() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]string(nil), ps.order...)
}

// bind wires every property to the fanout and announces current values, so
// the first subscriber's snapshot is never empty.
func (ps *Properties) bind(pub func(name string, value []byte)) {
	ps.mu.Lock()
	ordered := make([]*Property, 0, len(ps.order))
	for _, name := range ps.order {
		ordered = append(ordered, ps.props[name])
	}
	ps.mu.Unlock()

	for _, p := range ordered {
		p.mu.Lock()
		p.pub = pub
		if p.value != nil {
			pub(p.name, p.value)
		}
		p.mu.Unlock()
	}
}

// Property is one streamed actor field. Writes store the new value and
// notify subscribers in write order; write it from inside the owning
// actor's methods so cross-value ordering follows the actor's own
// serialization.
type Property struct {
	name string

	mu    sync.Mutex
	value []byte
	pub   func(name string, value []byte)
}

// Name returns the observe-prefixed wire name.
func (p *Property) Name() string {
	return p.name
}

// Set encodes v as JSON, stores it, and fans it out to subscribers.
func (p *Property) Set(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.name, err)
	}
	p.SetRaw(raw)
	return nil
}

// SetRaw stores a pre-encoded value and fans it out to subscribers.
func (p *Property) SetRaw(value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = append([]byte(nil), value...)
	if p.pub != nil {
		p.pub(p.name, p.value)
	}
}

// Value returns a copy of the current encoded value.
func (p *Property) Value() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.value...)
}

// Decode unmarshals the current value into v.
func (p *Property) Decode(v any) error {
	p.mu.Lock()
	raw := p.value
	p.mu.Unlock()
	if raw == nil {
		return fmt.Errorf("property %s has no value", p.name)
	}
	return json.Unmarshal(raw, v)
}
