package traysync

import (
	"bytes"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Kind is the kind of value held by [Value].
type Kind uint8

const (
	KindUnknown Kind = iota
	KindString
	KindInt
	KindBool
	KindBytes
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a decoded variant. Kinds other than the known ones are kept as
// [KindUnknown] together with their signature and the undecoded value, so
// that properties introduced by newer publishers survive a round trip.
//
// Values are immutable.
type Value struct {
	kind Kind
	str  string
	num  int64
	flag bool
	data []byte
	dict map[string]Value
	sig  string
	raw  any
}

func StringValue(s string) Value        { return Value{kind: KindString, str: s} }
func IntValue(n int64) Value            { return Value{kind: KindInt, num: n} }
func BoolValue(b bool) Value            { return Value{kind: KindBool, flag: b} }
func BytesValue(b []byte) Value         { return Value{kind: KindBytes, data: b} }
func MapValue(m map[string]Value) Value { return Value{kind: KindMap, dict: m} }

func (v Value) Kind() Kind { return v.kind }

// Str returns the string held by v.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Int returns the integer held by v.
func (v Value) Int() (int64, bool) { return v.num, v.kind == KindInt }

// Bool returns the boolean held by v.
func (v Value) Bool() (bool, bool) { return v.flag, v.kind == KindBool }

// Bytes returns the byte array held by v. The slice must not be modified.
func (v Value) Bytes() ([]byte, bool) { return v.data, v.kind == KindBytes }

// Map returns the nested map held by v. The map must not be modified.
func (v Value) Map() (map[string]Value, bool) { return v.dict, v.kind == KindMap }

// Signature returns the wire signature of a value of [KindUnknown].
func (v Value) Signature() string { return v.sig }

// Raw returns the undecoded value of a value of [KindUnknown].
func (v Value) Raw() any { return v.raw }

// Equal reports whether v and o hold the same value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}

	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindInt:
		return v.num == o.num
	case KindBool:
		return v.flag == o.flag
	case KindBytes:
		return bytes.Equal(v.data, o.data)
	case KindMap:
		if len(v.dict) != len(o.dict) {
			return false
		}
		for key, value := range v.dict {
			other, ok := o.dict[key]
			if !ok || !value.Equal(other) {
				return false
			}
		}
		return true
	default:
		return v.sig == o.sig && fmt.Sprint(v.raw) == fmt.Sprint(o.raw)
	}
}

func (v Value) GoString() string {
	switch v.kind {
	case KindString:
		return fmt.Sprintf("%q", v.str)
	case KindInt:
		return fmt.Sprint(v.num)
	case KindBool:
		return fmt.Sprint(v.flag)
	case KindBytes:
		return fmt.Sprintf("bytes[%d]", len(v.data))
	case KindMap:
		return fmt.Sprintf("%v", v.dict)
	default:
		return fmt.Sprintf("unknown(%s)", v.sig)
	}
}

// decodeVariant decodes a bus variant into [Value].
func decodeVariant(variant dbus.Variant) Value {
	value := decodeValue(variant.Value())
	if value.kind == KindUnknown {
		value.sig = variant.Signature().String()
	}

	return value
}

func decodeValue(raw any) Value {
	switch v := raw.(type) {
	case dbus.Variant:
		return decodeVariant(v)
	case string:
		return StringValue(v)
	case dbus.ObjectPath:
		return StringValue(string(v))
	case bool:
		return BoolValue(v)
	case byte:
		return IntValue(int64(v))
	case int16:
		return IntValue(int64(v))
	case uint16:
		return IntValue(int64(v))
	case int32:
		return IntValue(int64(v))
	case uint32:
		return IntValue(int64(v))
	case int64:
		return IntValue(v)
	case uint64:
		return IntValue(int64(v))
	case int:
		return IntValue(int64(v))
	case []byte:
		return BytesValue(v)
	case map[string]dbus.Variant:
		dict := make(map[string]Value, len(v))
		for key, value := range v {
			dict[key] = decodeVariant(value)
		}
		return MapValue(dict)
	case map[string]any:
		dict := make(map[string]Value, len(v))
		for key, value := range v {
			dict[key] = decodeValue(value)
		}
		return MapValue(dict)
	default:
		value := Value{kind: KindUnknown, raw: raw}
		if raw != nil {
			value.sig = dbus.SignatureOf(raw).String()
		}
		return value
	}
}

// decodeProperties decodes a property map of the bus.
func decodeProperties(props map[string]dbus.Variant) map[string]Value {
	decoded := make(map[string]Value, len(props))

	for key, value := range props {
		decoded[key] = decodeVariant(value)
	}

	return decoded
}
