// Package protocol implements the self-describing value encoding exchanged between
// the coordinator and its simulation workers, and the command vocabulary built on it.
package protocol

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"slices"
)

// Kind identifies one of the eight convertible variants.
type Kind uint8

const (
	KindNone Kind = iota
	KindBytes
	KindText
	KindBool
	KindInt
	KindFloat
	KindList
	KindArray
)

// Wire type names. They match the names used by existing peers and must not change.
var kindNames = [...]string{
	KindNone:  "NoneType",
	KindBytes: "bytes",
	KindText:  "str",
	KindBool:  "bool",
	KindInt:   "int",
	KindFloat: "float",
	KindList:  "list",
	KindArray: "ndarray",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

func parseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), true
		}
	}
	return 0, false
}

// Value is one instance of the convertible set. The set is closed: only the
// types declared in this package implement it.
type Value interface {
	Kind() Kind
	isValue()
}

type (
	None  struct{}
	Bytes []byte
	Text  string
	Bool  bool
	Int   int32
	Float float32
)

func (None) Kind() Kind  { return KindNone }
func (Bytes) Kind() Kind { return KindBytes }
func (Text) Kind() Kind  { return KindText }
func (Bool) Kind() Kind  { return KindBool }
func (Int) Kind() Kind   { return KindInt }
func (Float) Kind() Kind { return KindFloat }

func (None) isValue()  {}
func (Bytes) isValue() {}
func (Text) isValue()  {}
func (Bool) isValue()  {}
func (Int) isValue()   {}
func (Float) isValue() {}

// ElemType is the native element type of a list or array.
type ElemType uint8

const (
	ElemFloat ElemType = iota
	ElemInt
	ElemBool
)

var elemNames = [...]string{
	ElemFloat: "float",
	ElemInt:   "int",
	ElemBool:  "bool",
}

func (e ElemType) String() string {
	if int(e) < len(elemNames) {
		return elemNames[e]
	}
	return fmt.Sprintf("ElemType(%d)", e)
}

func parseElemType(name string) (ElemType, bool) {
	for e, n := range elemNames {
		if n == name {
			return ElemType(e), true
		}
	}
	return 0, false
}

// cast maps a float64 to the value the element type can represent, the way a
// numeric buffer is converted with astype.
func (e ElemType) cast(f float64) float64 {
	switch e {
	case ElemInt:
		return math.Trunc(f)
	case ElemBool:
		if f != 0 {
			return 1
		}
		return 0
	default:
		return f
	}
}

// NDArray is a multi-dimensional numeric array. Data is row-major and always held
// as float64, which is also how it travels on the wire.
type NDArray struct {
	Elem  ElemType
	Shape []int
	Data  []float64
}

func (NDArray) Kind() Kind { return KindArray }
func (NDArray) isValue()   {}

// List is a homogeneous, possibly nested, numeric list. It shares the array
// representation but keeps its own wire type name.
type List struct {
	NDArray
}

func (List) Kind() Kind { return KindList }

// NewArray builds an array of the given element type. Data is cast to the element
// type and must contain exactly prod(shape) items.
func NewArray(elem ElemType, shape []int, data []float64) (NDArray, error) {
	if int(elem) >= len(elemNames) {
		return NDArray{}, fmt.Errorf("%w: element type %d", ErrUnsupportedType, elem)
	}
	n, err := shapeSize(shape)
	if err != nil {
		return NDArray{}, err
	}
	if n != len(data) {
		return NDArray{}, fmt.Errorf("%w: shape %v holds %d items, got %d", ErrUnsupportedType, shape, n, len(data))
	}
	out := make([]float64, len(data))
	for i, f := range data {
		out[i] = elem.cast(f)
	}
	return NDArray{Elem: elem, Shape: slices.Clone(shape), Data: out}, nil
}

// NewFloatArray builds a float array.
func NewFloatArray(shape []int, data []float64) (NDArray, error) {
	return NewArray(ElemFloat, shape, data)
}

// NewIntArray builds an int array.
func NewIntArray(shape []int, data []int64) (NDArray, error) {
	fs := make([]float64, len(data))
	for i, d := range data {
		fs[i] = float64(d)
	}
	return NewArray(ElemInt, shape, fs)
}

// NewBoolArray builds a bool array.
func NewBoolArray(shape []int, data []bool) (NDArray, error) {
	fs := make([]float64, len(data))
	for i, d := range data {
		if d {
			fs[i] = 1
		}
	}
	return NewArray(ElemBool, shape, fs)
}

// Size is the number of items of the array.
func (a NDArray) Size() int {
	return len(a.Data)
}

// At returns the item at the given multi-index.
func (a NDArray) At(idx ...int) float64 {
	if len(idx) != len(a.Shape) {
		panic(fmt.Sprintf("protocol: %d indices for a %d-d array", len(idx), len(a.Shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= a.Shape[i] {
			panic(fmt.Sprintf("protocol: index %d out of range for axis %d of size %d", x, i, a.Shape[i]))
		}
		off = off*a.Shape[i] + x
	}
	return a.Data[off]
}

// Ints returns the data as int64s.
func (a NDArray) Ints() []int64 {
	out := make([]int64, len(a.Data))
	for i, f := range a.Data {
		out[i] = int64(f)
	}
	return out
}

// Bools returns the data as bools.
func (a NDArray) Bools() []bool {
	out := make([]bool, len(a.Data))
	for i, f := range a.Data {
		out[i] = f != 0
	}
	return out
}

// AsList returns the list form of the array.
func (a NDArray) AsList() List {
	return List{NDArray: a}
}

// maxItems bounds the item count of any array; a message size is an int32.
const maxItems = math.MaxInt32

// itemCount returns prod(shape), or false when a dimension is negative or the
// product leaves [0, maxItems].
func itemCount(shape []int) (int, bool) {
	n := 1
	for _, d := range shape {
		if d < 0 || d > maxItems {
			return 0, false
		}
		if d != 0 && n > maxItems/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

func shapeSize(shape []int) (int, error) {
	n, ok := itemCount(shape)
	if !ok {
		return 0, fmt.Errorf("%w: invalid shape %v", ErrUnsupportedType, shape)
	}
	return n, nil
}

// Equal reports whether a and b are equal under their variant's own equality.
// Lists and arrays compare element type, shape and items elementwise.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch av := a.(type) {
	case Bytes:
		return bytes.Equal(av, b.(Bytes))
	case List:
		return arraysEqual(av.NDArray, b.(List).NDArray)
	case NDArray:
		return arraysEqual(av, b.(NDArray))
	default:
		return a == b
	}
}

func arraysEqual(a, b NDArray) bool {
	return a.Elem == b.Elem && slices.Equal(a.Shape, b.Shape) && slices.Equal(a.Data, b.Data)
}

// ValueOf converts a Go value to a Value. Values pass through unchanged; nil,
// []byte, string, bool, signed integers, floats and rectangular nested slices of
// those numeric types are converted. Everything else fails with ErrUnsupportedType.
func ValueOf(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return None{}, nil
	case Value:
		return v, nil
	case []byte:
		return Bytes(v), nil
	case string:
		return Text(v), nil
	case bool:
		return Bool(v), nil
	case int:
		return intValue(int64(v))
	case int8:
		return Int(v), nil
	case int16:
		return Int(v), nil
	case int32:
		return Int(v), nil
	case int64:
		return intValue(v)
	case float32:
		return Float(v), nil
	case float64:
		return Float(float32(v)), nil
	}

	rv := reflect.ValueOf(x)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return listOf(rv)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, x)
}

func intValue(i int64) (Value, error) {
	if i < math.MinInt32 || i > math.MaxInt32 {
		return nil, fmt.Errorf("%w: integer %d does not fit in 32 bits", ErrUnsupportedType, i)
	}
	return Int(int32(i)), nil
}

// listOf flattens a rectangular nested slice into a List.
func listOf(rv reflect.Value) (List, error) {
	var (
		shape     []int
		data      []float64
		elem      = ElemBool
		leafDepth = -1
	)

	var walk func(v reflect.Value, depth int) error
	walk = func(v reflect.Value, depth int) error {
		if v.Kind() == reflect.Interface {
			v = v.Elem()
		}
		switch v.Kind() {
		case reflect.Slice, reflect.Array:
			if leafDepth >= 0 && depth >= leafDepth {
				return fmt.Errorf("%w: ragged list", ErrUnsupportedType)
			}
			n := v.Len()
			if depth == len(shape) {
				shape = append(shape, n)
			} else if shape[depth] != n {
				return fmt.Errorf("%w: ragged list", ErrUnsupportedType)
			}
			for i := 0; i < n; i++ {
				if err := walk(v.Index(i), depth+1); err != nil {
					return err
				}
			}
			return nil
		case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Float32, reflect.Float64:
			if leafDepth < 0 {
				leafDepth = depth
			} else if leafDepth != depth {
				return fmt.Errorf("%w: ragged list", ErrUnsupportedType)
			}
			switch v.Kind() {
			case reflect.Bool:
				if v.Bool() {
					data = append(data, 1)
				} else {
					data = append(data, 0)
				}
			case reflect.Float32, reflect.Float64:
				elem = ElemFloat
				data = append(data, v.Float())
			default:
				if elem == ElemBool {
					elem = ElemInt
				}
				data = append(data, float64(v.Int()))
			}
			return nil
		default:
			return fmt.Errorf("%w: list item of kind %s", ErrUnsupportedType, v.Kind())
		}
	}

	if err := walk(rv, 0); err != nil {
		return List{}, err
	}
	if leafDepth < 0 {
		// No leaves at all: an empty list has no item type to inspect.
		elem = ElemFloat
	} else if len(shape) > leafDepth {
		return List{}, fmt.Errorf("%w: ragged list", ErrUnsupportedType)
	}
	if data == nil {
		data = []float64{}
	}
	arr, err := NewArray(elem, shape, data)
	if err != nil {
		return List{}, err
	}
	return arr.AsList(), nil
}
