package protocol

import "fmt"

// Field is one named entry of a Record.
type Field struct {
	Name  string
	Value Value
}

// Record is an ordered name to Value mapping. It carries samples, parameter sets
// and prediction payloads. On the wire a record is an Int count followed by
// count pairs of (Text name, Value).
type Record []Field

// Get returns the value stored under name.
func (r Record) Get(name string) (Value, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Set stores v under name, replacing an existing entry in place.
func (r *Record) Set(name string, v Value) {
	for i := range *r {
		if (*r)[i].Name == name {
			(*r)[i].Value = v
			return
		}
	}
	*r = append(*r, Field{Name: name, Value: v})
}

// Names returns the field names in order.
func (r Record) Names() []string {
	names := make([]string, len(r))
	for i, f := range r {
		names[i] = f.Name
	}
	return names
}

// Merge returns a copy of r overlaid with the entries of other.
func (r Record) Merge(other Record) Record {
	out := append(Record{}, r...)
	for _, f := range other {
		out.Set(f.Name, f.Value)
	}
	return out
}

// RecordOf builds a Record from Go values through ValueOf, keeping the given order.
func RecordOf(pairs ...any) (Record, error) {
	if len(pairs)%2 != 0 {
		return nil, fmt.Errorf("RecordOf needs name/value pairs, got %d items", len(pairs))
	}
	r := make(Record, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		name, ok := pairs[i].(string)
		if !ok {
			return nil, fmt.Errorf("record field name must be a string, got %T", pairs[i])
		}
		v, err := ValueOf(pairs[i+1])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		r.Set(name, v)
	}
	return r, nil
}

// EncodeRecord returns the sequence of messages that carries r.
func EncodeRecord(r Record) ([]Message, error) {
	msgs := make([]Message, 0, 1+2*len(r))
	count, err := Encode(Int(len(r)))
	if err != nil {
		return nil, err
	}
	msgs = append(msgs, count)
	for _, f := range r {
		name, err := Encode(Text(f.Name))
		if err != nil {
			return nil, err
		}
		val, err := Encode(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		msgs = append(msgs, name, val)
	}
	return msgs, nil
}

// DecodeRecord reads one record from next, which yields successive messages.
func DecodeRecord(next func() (Message, error)) (Record, error) {
	count, err := decodeNext[Int](next)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, malformed("negative record size %d", count)
	}
	r := make(Record, 0, count)
	for i := 0; i < int(count); i++ {
		name, err := decodeNext[Text](next)
		if err != nil {
			return nil, err
		}
		m, err := next()
		if err != nil {
			return nil, err
		}
		v, err := Decode(m)
		if err != nil {
			return nil, err
		}
		r = append(r, Field{Name: string(name), Value: v})
	}
	return r, nil
}

// DecodeAs decodes m and checks that it holds a T.
func DecodeAs[T Value](m Message) (T, error) {
	var zero T
	v, err := Decode(m)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, malformed("expected %s, got %s", zero.Kind(), v.Kind())
	}
	return t, nil
}

func decodeNext[T Value](next func() (Message, error)) (T, error) {
	m, err := next()
	if err != nil {
		var zero T
		return zero, err
	}
	return DecodeAs[T](m)
}
