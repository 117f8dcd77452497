package message

import (
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// Type is a parameter or result type descriptor as sent on the wire.
//
// Descriptors are derived from the reflect kind of a value, so named types and
// pointers normalize to their primitive descriptor: a `type UserID int64`
// argument travels as "int64". Client and server therefore agree on overloads
// without sharing Go type names.
type Type string

const (
	TypeNull    Type = "null"
	TypeBool    Type = "bool"
	TypeInt     Type = "int"
	TypeInt8    Type = "int8"
	TypeInt16   Type = "int16"
	TypeInt32   Type = "int32"
	TypeInt64   Type = "int64"
	TypeUint    Type = "uint"
	TypeUint8   Type = "uint8"
	TypeUint16  Type = "uint16"
	TypeUint32  Type = "uint32"
	TypeUint64  Type = "uint64"
	TypeFloat32 Type = "float32"
	TypeFloat64 Type = "float64"
	TypeString  Type = "string"
	TypeBytes   Type = "bytes"
)

// Scalars lists every non-slice descriptor except TypeNull and TypeBytes, in wire tag order.
var Scalars = []Type{
	TypeBool,
	TypeInt, TypeInt8, TypeInt16, TypeInt32, TypeInt64,
	TypeUint, TypeUint8, TypeUint16, TypeUint32, TypeUint64,
	TypeFloat32, TypeFloat64,
	TypeString,
}

var goTypes = map[Type]reflect.Type{
	TypeBool:    reflect.TypeOf(false),
	TypeInt:     reflect.TypeOf(int(0)),
	TypeInt8:    reflect.TypeOf(int8(0)),
	TypeInt16:   reflect.TypeOf(int16(0)),
	TypeInt32:   reflect.TypeOf(int32(0)),
	TypeInt64:   reflect.TypeOf(int64(0)),
	TypeUint:    reflect.TypeOf(uint(0)),
	TypeUint8:   reflect.TypeOf(uint8(0)),
	TypeUint16:  reflect.TypeOf(uint16(0)),
	TypeUint32:  reflect.TypeOf(uint32(0)),
	TypeUint64:  reflect.TypeOf(uint64(0)),
	TypeFloat32: reflect.TypeOf(float32(0)),
	TypeFloat64: reflect.TypeOf(float64(0)),
	TypeString:  reflect.TypeOf(""),
	TypeBytes:   reflect.TypeOf([]byte(nil)),
}

var kindTypes = map[reflect.Kind]Type{
	reflect.Bool:    TypeBool,
	reflect.Int:     TypeInt,
	reflect.Int8:    TypeInt8,
	reflect.Int16:   TypeInt16,
	reflect.Int32:   TypeInt32,
	reflect.Int64:   TypeInt64,
	reflect.Uint:    TypeUint,
	reflect.Uint8:   TypeUint8,
	reflect.Uint16:  TypeUint16,
	reflect.Uint32:  TypeUint32,
	reflect.Uint64:  TypeUint64,
	reflect.Float32: TypeFloat32,
	reflect.Float64: TypeFloat64,
	reflect.String:  TypeString,
}

// SliceOf returns the descriptor of a slice of elem.
func SliceOf(elem Type) Type {
	return "[]" + elem
}

// Elem returns the element descriptor of a slice descriptor.
func (t Type) Elem() (Type, bool) {
	if strings.HasPrefix(string(t), "[]") {
		return t[2:], true
	}
	return "", false
}

// Valid reports whether t is a known descriptor.
func (t Type) Valid() bool {
	if t == TypeNull {
		return true
	}
	_, err := GoType(t)
	return err == nil
}

// GoType returns the canonical Go type for t. TypeNull has none.
func GoType(t Type) (reflect.Type, error) {
	if rt, ok := goTypes[t]; ok {
		return rt, nil
	}
	if elem, ok := t.Elem(); ok && elem != TypeBytes {
		if rt, ok := goTypes[elem]; ok {
			return reflect.SliceOf(rt), nil
		}
	}
	return nil, errors.Errorf("unknown type descriptor %q", string(t))
}

// TypeFor returns the descriptor of a declared Go type.
func TypeFor(rt reflect.Type) (Type, error) {
	for rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	if t, ok := kindTypes[rt.Kind()]; ok {
		return t, nil
	}
	if rt.Kind() == reflect.Slice {
		elem := rt.Elem().Kind()
		if elem == reflect.Uint8 {
			return TypeBytes, nil
		}
		if t, ok := kindTypes[elem]; ok {
			return SliceOf(t), nil
		}
	}
	return "", errors.Errorf("unsupported type %s", rt)
}

// Normalize returns the descriptor of v and v converted to the canonical Go
// type of that descriptor. Untyped nil and nil pointers normalize to TypeNull.
func Normalize(v any) (Type, any, error) {
	if v == nil {
		return TypeNull, nil, nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return TypeNull, nil, nil
		}
		rv = rv.Elem()
	}
	t, err := TypeFor(rv.Type())
	if err != nil {
		return "", nil, err
	}
	rt, _ := GoType(t)
	if rv.Type() == rt {
		return t, rv.Interface(), nil
	}
	if rv.Kind() == reflect.Slice {
		if rv.IsNil() {
			return t, reflect.Zero(rt).Interface(), nil
		}
		out := reflect.MakeSlice(rt, rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(rv.Index(i).Convert(rt.Elem()))
		}
		return t, out.Interface(), nil
	}
	return t, rv.Convert(rt).Interface(), nil
}

// Conforms reports an error unless v is a canonical value for t.
// Nil is canonical for TypeNull and for every slice descriptor.
func Conforms(t Type, v any) error {
	if t == TypeNull {
		if v != nil {
			return errors.Errorf("value of type %T for descriptor null", v)
		}
		return nil
	}
	rt, err := GoType(t)
	if err != nil {
		return err
	}
	if v == nil {
		if rt.Kind() == reflect.Slice {
			return nil
		}
		return errors.Errorf("nil value for descriptor %s", t)
	}
	if reflect.TypeOf(v) != rt {
		return errors.Errorf("value of type %T does not match descriptor %s", v, t)
	}
	return nil
}

// Coerce converts a canonical value to the declared Go type rt, which must
// have the same descriptor. Pointer types receive a freshly allocated value.
func Coerce(v any, rt reflect.Type) (reflect.Value, error) {
	if rt.Kind() == reflect.Ptr {
		if v == nil {
			return reflect.Zero(rt), nil
		}
		inner, err := Coerce(v, rt.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(rt.Elem())
		ptr.Elem().Set(inner)
		return ptr, nil
	}
	if v == nil {
		if rt.Kind() == reflect.Slice {
			return reflect.Zero(rt), nil
		}
		return reflect.Value{}, errors.Errorf("cannot use nil as %s", rt)
	}
	rv := reflect.ValueOf(v)
	if rv.Type() == rt {
		return rv, nil
	}
	if rv.Kind() == reflect.Slice && rt.Kind() == reflect.Slice {
		if rv.IsNil() {
			return reflect.Zero(rt), nil
		}
		if rv.Type().Elem().Kind() != rt.Elem().Kind() {
			return reflect.Value{}, errors.Errorf("cannot use %s as %s", rv.Type(), rt)
		}
		out := reflect.MakeSlice(rt, rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(rv.Index(i).Convert(rt.Elem()))
		}
		return out, nil
	}
	if rv.Kind() != rt.Kind() {
		return reflect.Value{}, errors.Errorf("cannot use %s as %s", rv.Type(), rt)
	}
	return rv.Convert(rt), nil
}

// Signature renders a method name with its parameter descriptors.
func Signature(method string, types []Type) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('(')
	for i, t := range types {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(t))
	}
	b.WriteByte(')')
	return b.String()
}
