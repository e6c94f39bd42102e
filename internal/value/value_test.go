package value

import (
	"math"
	"testing"
)

func TestZeroValueIsUndefined(t *testing.T) {
	var v Value
	if !v.IsUndefined() {
		t.Fatalf("zero value kind = %s, want Undefined", v.Kind)
	}
	if _, ok := v.Handle(); ok {
		t.Fatalf("zero value must not carry a handle")
	}
	if v.Truthy() {
		t.Fatalf("Undefined must be falsey")
	}
}

func TestTruthiness(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want bool
	}{
		{"nil", NilValue, false},
		{"false", FalseValue, false},
		{"true", TrueValue, true},
		{"zero int", MakeInt(0), true},
		{"empty string handle", FromHandle(String, 3), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Truthy(); got != tt.want {
				t.Fatalf("Truthy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNumericAccessors(t *testing.T) {
	if i, ok := MakeInt(-7).Int(); !ok || i != -7 {
		t.Fatalf("Int() = %d,%v", i, ok)
	}
	if i, ok := MakeByte(200).Int(); !ok || i != 200 {
		t.Fatalf("byte widening = %d,%v", i, ok)
	}
	if f, ok := MakeFloat(1.5).Float(); !ok || f != 1.5 {
		t.Fatalf("Float() = %v,%v", f, ok)
	}
	if f, ok := MakeInt(3).Float(); !ok || f != 3 {
		t.Fatalf("int promotion = %v,%v", f, ok)
	}
	if _, ok := TrueValue.Int(); ok {
		t.Fatalf("True must not read as Int")
	}
}

func TestIdentical(t *testing.T) {
	nan := MakeFloat(math.NaN())
	if !Identical(nan, nan) {
		t.Fatalf("EQ compares float bits; NaN should be identical to itself")
	}
	if Identical(MakeInt(1), MakeFloat(1)) {
		t.Fatalf("different kinds must not be identical")
	}
	if Identical(FromHandle(String, 1), FromHandle(String, 2)) {
		t.Fatalf("different handles must not be identical")
	}
	if !Identical(FromHandle(Pair, 9), FromHandle(Pair, 9)) {
		t.Fatalf("same handle must be identical")
	}
}

func TestFromHandleRejectsImmediates(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for immediate kind")
		}
	}()
	_ = FromHandle(Int, 1)
}

func TestInterner(t *testing.T) {
	in := NewInterner()
	a := in.Intern("car")
	b := in.Intern("cdr")
	if a == b {
		t.Fatalf("distinct names share id %d", a)
	}
	if again := in.Intern("car"); again != a {
		t.Fatalf("re-intern returned %d, want %d", again, a)
	}
	if in.Name(b) != "cdr" {
		t.Fatalf("Name(%d) = %q", b, in.Name(b))
	}
	if _, ok := in.Lookup("cons"); ok {
		t.Fatalf("Lookup must not intern")
	}
}
