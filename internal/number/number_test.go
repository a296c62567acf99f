package number

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"
)

// n is a test helper for building Numbers from a value and scale.
func n(v int64, decimals int) Number {
	return New(v, decimals)
}

// --- Rescale tests ---

func TestRescale_Up(t *testing.T) {
	got := n(1234, 2).Rescale(5)
	if !got.Equal(n(1234000, 5)) {
		t.Errorf("expected 1234000e-5, got %s (%d decimals)", got.Value(), got.Decimals())
	}
}

func TestRescale_DownRoundsHalfToEven(t *testing.T) {
	tests := []struct {
		value    int64
		decimals int
		target   int
		want     int64
	}{
		{18888, 3, 1, 189},
		{125, 2, 1, 12},   // tie rounds to even
		{135, 2, 1, 14},   // tie rounds to even
		{126, 2, 1, 13},   // above half
		{124, 2, 1, 12},   // below half
		{-125, 2, 1, -12}, // negative tie
		{-135, 2, 1, -14},
		{-126, 2, 1, -13},
		{5, 1, 0, 0},
		{15, 1, 0, 2},
		{0, 6, 2, 0},
	}

	for _, tt := range tests {
		got := n(tt.value, tt.decimals).Rescale(tt.target)
		if got.Decimals() != tt.target {
			t.Errorf("Rescale(%d, %d→%d) decimals = %d", tt.value, tt.decimals, tt.target, got.Decimals())
		}
		if got.Value().Int64() != tt.want {
			t.Errorf("Rescale(%d, %d→%d) = %s, want %d",
				tt.value, tt.decimals, tt.target, got.Value(), tt.want)
		}
	}
}

func TestRescale_RoundTripIsIdentity(t *testing.T) {
	values := []int64{0, 1, -1, 42, -987654321, 1_000_000_007}
	for _, v := range values {
		for _, up := range []int{1, 6, 18} {
			orig := n(v, 4)
			got := orig.Rescale(4 + up).Rescale(4)
			if !got.Equal(orig) {
				t.Errorf("round trip of %d by %d changed value: got %s", v, up, got.Value())
			}
		}
	}
}

func TestRescale_DownIsIdempotent(t *testing.T) {
	once := n(123456789, 9).Rescale(3)
	twice := once.Rescale(3)
	if !once.Equal(twice) {
		t.Errorf("rescaling twice changed value: %s vs %s", once.Value(), twice.Value())
	}
}

func TestRescale_DoesNotMutateReceiver(t *testing.T) {
	orig := n(18888, 3)
	_ = orig.Rescale(1)
	if !orig.Equal(n(18888, 3)) {
		t.Errorf("receiver mutated: %s", orig.Value())
	}
}

// --- Add / Sub tests ---

func TestAdd_KeepsHigherPrecision(t *testing.T) {
	got := n(15, 1).Add(n(225, 3))
	if !got.Equal(n(1725, 3)) {
		t.Errorf("1.5 + 0.225: expected 1725e-3, got %s e-%d", got.Value(), got.Decimals())
	}

	got = n(225, 3).Add(n(15, 1))
	if !got.Equal(n(1725, 3)) {
		t.Errorf("0.225 + 1.5: expected 1725e-3, got %s e-%d", got.Value(), got.Decimals())
	}
}

func TestSub(t *testing.T) {
	got := n(1, 0).Sub(n(25, 2))
	if !got.Equal(n(75, 2)) {
		t.Errorf("1 - 0.25: expected 75e-2, got %s e-%d", got.Value(), got.Decimals())
	}
}

func TestZeroValueIsUsable(t *testing.T) {
	var z Number
	if !z.IsZero() {
		t.Error("zero value should be zero")
	}
	got := z.Add(n(5, 2))
	if !got.Equal(n(5, 2)) {
		t.Errorf("0 + 0.05: got %s e-%d", got.Value(), got.Decimals())
	}
}

// --- Mul / Div tests ---

func TestMul_KeepsReceiverDecimals(t *testing.T) {
	// 1.5 (1 dp) × 2.25 (2 dp) = 3.375 → floored to 3.3 at 1 dp.
	got := n(15, 1).Mul(n(225, 2))
	if !got.Equal(n(33, 1)) {
		t.Errorf("expected 33e-1, got %s e-%d", got.Value(), got.Decimals())
	}

	// Reversed operand order keeps 2 dp: 3.37.
	got = n(225, 2).Mul(n(15, 1))
	if !got.Equal(n(337, 2)) {
		t.Errorf("expected 337e-2, got %s e-%d", got.Value(), got.Decimals())
	}
}

func TestMul_FloorsNegative(t *testing.T) {
	// -1.5 × 2.25 = -3.375 → floor at 1 dp is -3.4.
	got := n(-15, 1).Mul(n(225, 2))
	if !got.Equal(n(-34, 1)) {
		t.Errorf("expected -34e-1, got %s", got.Value())
	}
}

func TestDiv(t *testing.T) {
	got, err := n(100, 0).Div(n(4, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(n(25, 0)) {
		t.Errorf("100 / 4: got %s", got.Value())
	}

	// 1.00 / 3 floors at 2 dp.
	got, _ = n(100, 2).Div(n(3, 0))
	if !got.Equal(n(33, 2)) {
		t.Errorf("1.00 / 3: got %s e-%d", got.Value(), got.Decimals())
	}

	// -1.00 / 3 floors towards negative infinity.
	got, _ = n(-100, 2).Div(n(3, 0))
	if !got.Equal(n(-34, 2)) {
		t.Errorf("-1.00 / 3: got %s", got.Value())
	}

	// 7 / -2 floors to -4.
	got, _ = n(7, 0).Div(n(-2, 0))
	if !got.Equal(n(-4, 0)) {
		t.Errorf("7 / -2: got %s", got.Value())
	}
}

func TestDiv_ByZero(t *testing.T) {
	_, err := n(1, 0).Div(n(0, 6))
	if !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
	_, err = n(1, 0).Div(Number{})
	if !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero for zero value, got %v", err)
	}
}

// --- Conversion tests ---

func TestParse(t *testing.T) {
	got, err := Parse("12.50")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(n(1250, 2)) {
		t.Errorf("expected 1250e-2, got %s e-%d", got.Value(), got.Decimals())
	}

	got = MustParse("300")
	if !got.Equal(n(300, 0)) {
		t.Errorf("expected 300e0, got %s e-%d", got.Value(), got.Decimals())
	}

	if _, err := Parse("abc"); err == nil {
		t.Error("expected parse error")
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		n    Number
		want string
	}{
		{n(1250, 2), "12.50"},
		{n(-5, 3), "-0.005"},
		{n(7, 0), "7"},
		{Number{}, "0"},
	}
	for _, tt := range tests {
		if got := tt.n.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestCmp(t *testing.T) {
	if n(10, 1).Cmp(n(100, 2)) != 0 {
		t.Error("1.0 and 1.00 should compare equal")
	}
	if n(10, 1).Equal(n(100, 2)) {
		t.Error("1.0 and 1.00 differ in scale and should not be Equal")
	}
	if n(-1, 0).Cmp(n(0, 5)) >= 0 {
		t.Error("-1 should be below 0")
	}
}

func TestJSON(t *testing.T) {
	big18, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	orig := NewFromBigInt(big18, 18)

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"value":"123456789012345678901234567890","decimals":18}` {
		t.Errorf("unexpected encoding %s", data)
	}

	var back Number
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(orig) {
		t.Errorf("decoded %s, want %s", back, orig)
	}

	if err := json.Unmarshal([]byte(`{"value":"1","decimals":-1}`), &back); !errors.Is(err, ErrNegativeDecimals) {
		t.Errorf("expected ErrNegativeDecimals, got %v", err)
	}
}

// --- LongShort tests ---

func TestLongShort_Add(t *testing.T) {
	a := Lent(n(10, 0), n(4, 0))
	b := Held(n(5, 1))
	got := a.Add(b)

	want := LongShort{Net: n(65, 1), Long: n(105, 1), Short: n(4, 0)}
	if !got.Equal(want) {
		t.Errorf("got net=%s long=%s short=%s", got.Net, got.Long, got.Short)
	}
}

func TestLongShort_MulDoesNotMutate(t *testing.T) {
	pos := Lent(n(10, 0), n(4, 0))
	price := n(25, 1)

	valued := pos.Mul(price)
	if !valued.Net.Equal(n(15, 0)) || !valued.Long.Equal(n(25, 0)) || !valued.Short.Equal(n(10, 0)) {
		t.Errorf("got net=%s long=%s short=%s", valued.Net, valued.Long, valued.Short)
	}
	if !pos.Equal(Lent(n(10, 0), n(4, 0))) {
		t.Error("Mul mutated the receiver")
	}
}

func TestLongShort_ZeroValue(t *testing.T) {
	var p LongShort
	if !p.IsZero() {
		t.Error("zero LongShort should be zero")
	}
	if !p.Add(Held(n(3, 0))).Net.Equal(n(3, 0)) {
		t.Error("zero LongShort should be the additive identity")
	}
}
