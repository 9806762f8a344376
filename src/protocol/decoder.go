package protocol

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

// Decode rebuilds the Value carried by m.
func Decode(m Message) (Value, error) {
	if !ValidFieldCount(int32(len(m))) {
		return nil, malformed("field count %d", len(m))
	}
	kind, ok := parseKind(string(m[0]))
	if !ok {
		return nil, malformed("unknown type name %q", m[0])
	}
	tensor := kind == KindList || kind == KindArray
	if tensor != (len(m) == TensorFieldCount) {
		return nil, malformed("type %s carried by %d fields", kind, len(m))
	}

	payload := m[1]
	switch kind {
	case KindNone:
		return None{}, nil
	case KindBytes:
		return Bytes(append([]byte{}, payload...)), nil
	case KindText:
		if !utf8.Valid(payload) {
			return nil, malformed("text payload is not valid UTF-8")
		}
		return Text(payload), nil
	case KindBool:
		if len(payload) != 1 {
			return nil, malformed("bool payload of %d bytes", len(payload))
		}
		return Bool(payload[0] != 0), nil
	case KindInt:
		if len(payload) != 4 {
			return nil, malformed("int payload of %d bytes", len(payload))
		}
		return Int(int32(binary.NativeEndian.Uint32(payload))), nil
	case KindFloat:
		if len(payload) != 4 {
			return nil, malformed("float payload of %d bytes", len(payload))
		}
		return Float(math.Float32frombits(binary.NativeEndian.Uint32(payload))), nil
	}

	arr, err := decodeTensor(m)
	if err != nil {
		return nil, err
	}
	if kind == KindList {
		return arr.AsList(), nil
	}
	return arr, nil
}

func decodeTensor(m Message) (NDArray, error) {
	elem, ok := parseElemType(string(m[2]))
	if !ok {
		return NDArray{}, malformed("unknown element type %q", m[2])
	}
	data, err := readFloat64s(m[1])
	if err != nil {
		return NDArray{}, err
	}
	dims, err := readFloat64s(m[3])
	if err != nil {
		return NDArray{}, err
	}

	shape := make([]int, len(dims))
	for i, d := range dims {
		if d < 0 || d > maxItems || d != math.Trunc(d) {
			return NDArray{}, malformed("invalid dimension %v", d)
		}
		shape[i] = int(d)
	}
	n, ok := itemCount(shape)
	if !ok {
		return NDArray{}, malformed("shape %v exceeds %d items", shape, maxItems)
	}
	if n != len(data) {
		return NDArray{}, malformed("shape %v holds %d items, payload has %d", shape, n, len(data))
	}
	for i, f := range data {
		data[i] = elem.cast(f)
	}
	return NDArray{Elem: elem, Shape: shape, Data: data}, nil
}

func readFloat64s(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, malformed("float64 buffer of %d bytes", len(b))
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.NativeEndian.Uint64(b[8*i:]))
	}
	return out, nil
}
