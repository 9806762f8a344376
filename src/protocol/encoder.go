package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode converts x to its wire message. x may be a Value or any Go value
// accepted by ValueOf.
func Encode(x any) (Message, error) {
	v, err := ValueOf(x)
	if err != nil {
		return nil, err
	}

	name := []byte(v.Kind().String())
	switch v := v.(type) {
	case None:
		return Message{name, []byte{'0'}}, nil
	case Bytes:
		return Message{name, []byte(v)}, nil
	case Text:
		return Message{name, []byte(v)}, nil
	case Bool:
		if v {
			return Message{name, []byte{1}}, nil
		}
		return Message{name, []byte{0}}, nil
	case Int:
		b := make([]byte, 4)
		binary.NativeEndian.PutUint32(b, uint32(v))
		return Message{name, b}, nil
	case Float:
		b := make([]byte, 4)
		binary.NativeEndian.PutUint32(b, math.Float32bits(float32(v)))
		return Message{name, b}, nil
	case List:
		return encodeTensor(name, v.NDArray)
	case NDArray:
		return encodeTensor(name, v)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

func encodeTensor(name []byte, a NDArray) (Message, error) {
	n, err := shapeSize(a.Shape)
	if err != nil {
		return nil, err
	}
	if n != len(a.Data) {
		return nil, fmt.Errorf("%w: shape %v holds %d items, got %d", ErrUnsupportedType, a.Shape, n, len(a.Data))
	}
	if int(a.Elem) >= len(elemNames) {
		return nil, fmt.Errorf("%w: element type %d", ErrUnsupportedType, a.Elem)
	}

	shape := make([]float64, len(a.Shape))
	for i, d := range a.Shape {
		shape[i] = float64(d)
	}
	return Message{
		name,
		float64Bytes(a.Data),
		[]byte(a.Elem.String()),
		float64Bytes(shape),
	}, nil
}

func float64Bytes(fs []float64) []byte {
	b := make([]byte, 8*len(fs))
	for i, f := range fs {
		binary.NativeEndian.PutUint64(b[8*i:], math.Float64bits(f))
	}
	return b
}
