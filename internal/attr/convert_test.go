package attr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/seantiz/anvil/internal/status"
)

func TestKeyToStringConverterRange(t *testing.T) {
	conv := NewConverters()

	var calls []Key
	err := conv.Register("ext", 1000, 1010, func(k Key) string {
		calls = append(calls, k)
		return fmt.Sprintf("ext.%d", k-1000)
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got := conv.KeyToString(1005); got != "ext.5" {
		t.Errorf("KeyToString(1005) = %q, want ext.5", got)
	}
	if len(calls) != 1 || calls[0] != 1005 {
		t.Errorf("converter calls = %v, want [1005]", calls)
	}

	if got := conv.KeyToString(1); got != Name(1) || got == UnknownKey {
		t.Errorf("KeyToString(1) = %q, want built-in %q", got, Name(1))
	}
	if len(calls) != 1 {
		t.Error("built-in key should not reach the converter")
	}
}

func TestKeyToStringRangeIsHalfOpen(t *testing.T) {
	conv := NewConverters()
	conv.Register("ext", 1000, 1010, func(Key) string { return "ext" })

	if got := conv.KeyToString(1000); got != "ext" {
		t.Errorf("KeyToString(low) = %q, want ext", got)
	}
	if got := conv.KeyToString(1010); got != UnknownKey {
		t.Errorf("KeyToString(high) = %q, want %q", got, UnknownKey)
	}
}

func TestKeyToStringIsTotal(t *testing.T) {
	conv := NewConverters()
	conv.Register("a", 2000, 2100, func(Key) string { return "a" })

	for _, k := range []Key{0, 99, 150, 250, 450, 599, 600, 1999, 2000, 2099, 2100, 1 << 31} {
		if got := conv.KeyToString(k); got == "" {
			t.Errorf("KeyToString(%d) returned empty string", k)
		}
	}
	if got := conv.KeyToString(KeyJobID); got != "job.id" {
		t.Errorf("KeyToString(KeyJobID) = %q", got)
	}
}

func TestKeyToStringFirstMatchWins(t *testing.T) {
	conv := NewConverters()
	conv.Register("first", 3000, 3100, func(Key) string { return "first" })
	conv.Register("second", 3050, 3200, func(Key) string { return "second" })

	if got := conv.KeyToString(3060); got != "first" {
		t.Errorf("KeyToString(3060) = %q, want first", got)
	}
	if got := conv.KeyToString(3150); got != "second" {
		t.Errorf("KeyToString(3150) = %q, want second", got)
	}
}

func TestRegisterCapacity(t *testing.T) {
	conv := NewConverters()
	for i := range MaxConverters {
		low := Key(10000 + i*10)
		if err := conv.Register(fmt.Sprintf("p%d", i), low, low+10, func(Key) string { return "" }); err != nil {
			t.Fatalf("Register[%d]: %v", i, err)
		}
	}

	err := conv.Register("overflow", 20000, 20010, func(Key) string { return "" })
	if !errors.Is(err, status.ErrOutOfResources) {
		t.Errorf("Register past capacity error = %v, want ErrOutOfResources", err)
	}
	if n := len(conv.Projects()); n != MaxConverters {
		t.Errorf("Projects = %d, want %d", n, MaxConverters)
	}
}

func TestRegisterBadRange(t *testing.T) {
	conv := NewConverters()
	tests := []struct {
		name      string
		project   string
		low, high Key
		fn        ConverterFunc
	}{
		{"inverted", "p", 10, 5, func(Key) string { return "" }},
		{"empty", "p", 10, 10, func(Key) string { return "" }},
		{"nil func", "p", 1000, 1010, nil},
		{"no project", "", 1000, 1010, func(Key) string { return "" }},
		{"builtin range", "p", KeyProcExitCode, KeyProcExitCode + 5, func(Key) string { return "" }},
		{"overlaps builtin", "p", BuiltinKeyMax - 1, BuiltinKeyMax + 10, func(Key) string { return "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conv.Register(tt.project, tt.low, tt.high, tt.fn); !errors.Is(err, status.ErrBadParam) {
				t.Errorf("Register error = %v, want ErrBadParam", err)
			}
		})
	}
	if err := conv.Register("edge", BuiltinKeyMax, BuiltinKeyMax+1, func(Key) string { return "" }); err != nil {
		t.Errorf("Register at BuiltinKeyMax = %v, want nil", err)
	}
}
