package api

import (
	"testing"

	"github.com/parcadei/ouros/models"
	"github.com/parcadei/ouros/vm"
)

func newTestVM() *vm.VM {
	return vm.NewVM(&vm.CompiledProgram{}, vm.DefaultLimits(), "wirevalue-test")
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
func floatPtr(f float64) *float64 { return &f }

func TestWireValueRoundTripScalars(t *testing.T) {
	vmi := newTestVM()

	cases := []WireValue{
		{None: true},
		{Bool: boolPtr(true)},
		{Bool: boolPtr(false)},
		{Int: strPtr("12345678901234567890")},
		{Float: floatPtr(3.5)},
		{Str: strPtr("hello")},
	}

	for _, w := range cases {
		v, err := ToValue(vmi, w)
		if err != nil {
			t.Fatalf("ToValue(%+v): %v", w, err)
		}
		got, err := FromValue(vmi, v)
		if err != nil {
			t.Fatalf("FromValue round trip of %+v: %v", w, err)
		}
		if !wireValueEqual(w, got) {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, w)
		}
	}
}

func TestWireValueListAndDict(t *testing.T) {
	vmi := newTestVM()

	list := WireValue{List: []WireValue{
		{Int: strPtr("1")},
		{Str: strPtr("two")},
		{None: true},
	}}
	v, err := ToValue(vmi, list)
	if err != nil {
		t.Fatalf("ToValue(list): %v", err)
	}
	if v.Kind != models.KindList {
		t.Fatalf("expected KindList, got %v", v.Kind)
	}
	got, err := FromValue(vmi, v)
	if err != nil {
		t.Fatalf("FromValue(list): %v", err)
	}
	if len(got.List) != 3 {
		t.Fatalf("expected 3 list elements back, got %d", len(got.List))
	}

	dict := WireValue{Dict: []WireValuePair{
		{Key: WireValue{Str: strPtr("k")}, Value: WireValue{Int: strPtr("7")}},
	}}
	dv, err := ToValue(vmi, dict)
	if err != nil {
		t.Fatalf("ToValue(dict): %v", err)
	}
	if dv.Kind != models.KindDict {
		t.Fatalf("expected KindDict, got %v", dv.Kind)
	}
	gotDict, err := FromValue(vmi, dv)
	if err != nil {
		t.Fatalf("FromValue(dict): %v", err)
	}
	if len(gotDict.Dict) != 1 || *gotDict.Dict[0].Value.Int != "7" {
		t.Errorf("dict round trip mismatch: %+v", gotDict)
	}
}

func TestFromValueRejectsUnwireableKind(t *testing.T) {
	vmi := newTestVM()
	_, err := FromValue(vmi, models.Ellipsis())
	if err == nil {
		t.Error("expected FromValue to reject a kind with no wire form, got nil error")
	}
}

func TestToValueRejectsInvalidInt(t *testing.T) {
	vmi := newTestVM()
	_, err := ToValue(vmi, WireValue{Int: strPtr("not-a-number")})
	if err == nil {
		t.Error("expected ToValue to reject an invalid integer literal, got nil error")
	}
}

func wireValueEqual(a, b WireValue) bool {
	if a.None != b.None {
		return false
	}
	if (a.Bool == nil) != (b.Bool == nil) {
		return false
	}
	if a.Bool != nil && *a.Bool != *b.Bool {
		return false
	}
	if (a.Int == nil) != (b.Int == nil) {
		return false
	}
	if a.Int != nil && *a.Int != *b.Int {
		return false
	}
	if (a.Float == nil) != (b.Float == nil) {
		return false
	}
	if a.Float != nil && *a.Float != *b.Float {
		return false
	}
	if (a.Str == nil) != (b.Str == nil) {
		return false
	}
	if a.Str != nil && *a.Str != *b.Str {
		return false
	}
	return true
}
