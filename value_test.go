package traysync

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"
)

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want Value
	}{
		{"string", "Quit", StringValue("Quit")},
		{"object path", dbus.ObjectPath("/MenuBar"), StringValue("/MenuBar")},
		{"bool", true, BoolValue(true)},
		{"int32", int32(-1), IntValue(-1)},
		{"uint32", uint32(7), IntValue(7)},
		{"byte", byte(3), IntValue(3)},
		{"bytes", []byte{0x89, 'P', 'N', 'G'}, BytesValue([]byte{0x89, 'P', 'N', 'G'})},
		{"variant", dbus.MakeVariant("nested"), StringValue("nested")},
		{
			"map",
			map[string]dbus.Variant{"a": dbus.MakeVariant(int32(1))},
			MapValue(map[string]Value{"a": IntValue(1)}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeValue(tt.raw)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("decodeValue(%v) mismatch (-want +got):\n%s", tt.raw, diff)
			}
		})
	}
}

func TestDecodeVariantKeepsUnknownValues(t *testing.T) {
	shortcut := [][]string{{"Control", "q"}}

	got := decodeVariant(dbus.MakeVariant(shortcut))

	if got.Kind() != KindUnknown {
		t.Fatalf("expected unknown kind, got %v", got.Kind())
	}
	if got.Signature() != "aas" {
		t.Fatalf("unexpected signature: %q", got.Signature())
	}
	if diff := cmp.Diff(shortcut, got.Raw()); diff != "" {
		t.Fatalf("raw value mismatch (-want +got):\n%s", diff)
	}
	if !got.Equal(decodeVariant(dbus.MakeVariant([][]string{{"Control", "q"}}))) {
		t.Fatalf("expected equal unknown values")
	}
}

func TestValueAccessors(t *testing.T) {
	v := StringValue("label")

	if s, ok := v.Str(); !ok || s != "label" {
		t.Fatalf("Str() = %q, %v", s, ok)
	}
	if _, ok := v.Int(); ok {
		t.Fatalf("Int() succeeded on a string")
	}
	if _, ok := v.Bool(); ok {
		t.Fatalf("Bool() succeeded on a string")
	}

	var zero Value
	if zero.Kind() != KindUnknown {
		t.Fatalf("zero value kind: %v", zero.Kind())
	}
}
