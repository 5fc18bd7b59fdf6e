package hpo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Value is a single trial parameter value: either a number or a string.
type Value struct {
	num   float64
	str   string
	isStr bool
}

// NumberValue wraps a numeric parameter value.
func NumberValue(f float64) Value { return Value{num: f} }

// StringValue wraps a categorical parameter value.
func StringValue(s string) Value { return Value{str: s, isStr: true} }

// IsString reports whether v holds a string.
func (v Value) IsString() bool { return v.isStr }

// Float returns the numeric value; ok is false for strings.
func (v Value) Float() (f float64, ok bool) { return v.num, !v.isStr }

// Text returns the string value; ok is false for numbers.
func (v Value) Text() (s string, ok bool) { return v.str, v.isStr }

func (v Value) String() string {
	if v.isStr {
		return strconv.Quote(v.str)
	}
	return strconv.FormatFloat(v.num, 'g', -1, 64)
}

// MarshalJSON encodes the value as a JSON number or string.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.isStr {
		return json.Marshal(v.str)
	}
	return json.Marshal(v.num)
}

// Param is one named entry of a Params set.
type Param struct {
	Name  string
	Value Value
}

// Params is an ordered, read-only mapping from parameter name to value.
// Order is the order in which the service sent the keys.
type Params struct {
	names  []string
	values map[string]Value
}

// NewParams builds a Params in argument order. A repeated name keeps its
// first position and its last value.
func NewParams(ps ...Param) Params {
	p := Params{values: make(map[string]Value, len(ps))}
	for _, kv := range ps {
		p.put(kv.Name, kv.Value)
	}
	return p
}

func (p *Params) put(name string, v Value) {
	if p.values == nil {
		p.values = make(map[string]Value)
	}
	if _, exists := p.values[name]; !exists {
		p.names = append(p.names, name)
	}
	p.values[name] = v
}

// Len returns the number of parameters.
func (p Params) Len() int { return len(p.names) }

// IsEmpty reports whether the set has no parameters. The service uses an
// empty set on /trial to signal the end of a study.
func (p Params) IsEmpty() bool { return len(p.names) == 0 }

// Names returns parameter names in service order. The slice is a copy.
func (p Params) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Get returns the named value.
func (p Params) Get(name string) (Value, bool) {
	v, ok := p.values[name]
	return v, ok
}

// Float returns the named value if present and numeric.
func (p Params) Float(name string) (float64, bool) {
	v, ok := p.values[name]
	if !ok {
		return 0, false
	}
	return v.Float()
}

// Text returns the named value if present and a string.
func (p Params) Text(name string) (string, bool) {
	v, ok := p.values[name]
	if !ok {
		return "", false
	}
	return v.Text()
}

// String renders the set as JSON in service order, for logs.
func (p Params) String() string {
	data, err := p.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid params: %v>", err)
	}
	return string(data)
}

// MarshalJSON encodes the set as a JSON object preserving key order.
func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range p.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := p.values[name].MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object whose values are numbers or strings.
// Any other value type is a schema violation.
func (p *Params) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("params must be a JSON object, got %v", tok)
	}

	out := Params{values: make(map[string]Value)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected params key %v", tok)
		}
		tok, err = dec.Token()
		if err != nil {
			return err
		}
		switch v := tok.(type) {
		case float64:
			out.put(name, NumberValue(v))
		case string:
			out.put(name, StringValue(v))
		default:
			return fmt.Errorf("parameter %q must be a number or string, got %s", name, describeToken(tok))
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}

func describeToken(tok json.Token) string {
	switch v := tok.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Delim:
		if v == '[' {
			return "array"
		}
		return "object"
	default:
		return fmt.Sprintf("%T", tok)
	}
}
