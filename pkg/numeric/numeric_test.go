package numeric

import (
	"errors"
	"math"
	"testing"

	"github.com/cockroachdb/apd/v3"
)

func TestFixedArithmetic(t *testing.T) {
	a := Fixed(complex(1, 2))
	b := Fixed(complex(3, -1))

	if got := a.Add(b); got != Fixed(complex(4, 1)) {
		t.Errorf("add: got %v", got)
	}
	if got := a.Mul(b); got != Fixed(complex(5, 5)) {
		t.Errorf("mul: got %v", got)
	}
	if got := a.Square(); got != Fixed(complex(-3, 4)) {
		t.Errorf("square: got %v", got)
	}
	if got := Fixed(complex(3, 4)).Abs(); math.Abs(got-5) > 1e-15 {
		t.Errorf("abs: got %v", got)
	}
	if Fixed(2).Exceeds(2) {
		t.Error("|2| must not exceed 2")
	}
	if !Fixed(complex(2, 0.001)).Exceeds(2) {
		t.Error("|2+0.001i| must exceed 2")
	}
}

func TestArbitraryZeroValue(t *testing.T) {
	var z Arbitrary
	re, im := z.Strings()
	if re != "0" || im != "0" {
		t.Errorf("expected 0+0i, got %s %s", re, im)
	}
	if z.Abs() != 0 {
		t.Errorf("expected zero magnitude, got %v", z.Abs())
	}

	c := FromComplex(complex(0.25, -0.5), nil)
	if got := z.Square().Add(c); got.Complex128() != complex(0.25, -0.5) {
		t.Errorf("0²+c should equal c, got %v", got)
	}
}

func TestArbitraryMatchesFixed(t *testing.T) {
	ctx := NewContext(40)
	values := []complex128{
		complex(1, 2),
		complex(-0.75, 0.1),
		complex(0.3, -1.7),
		complex(-2.8, 0),
	}

	for _, x := range values {
		for _, y := range values {
			a, b := FromComplex(x, ctx), FromComplex(y, ctx)

			if got, want := a.Add(b).Complex128(), x+y; cmplxDiff(got, want) > 1e-15 {
				t.Errorf("add %v+%v: got %v want %v", x, y, got, want)
			}
			if got, want := a.Mul(b).Complex128(), x*y; cmplxDiff(got, want) > 1e-14 {
				t.Errorf("mul %v*%v: got %v want %v", x, y, got, want)
			}
		}
		a := FromComplex(x, ctx)
		if got, want := a.Abs(), Fixed(x).Abs(); math.Abs(got-want) > 1e-15 {
			t.Errorf("abs %v: got %v want %v", x, got, want)
		}
		if a.Err() != nil {
			t.Errorf("unexpected error: %v", a.Err())
		}
	}
}

func TestArbitraryExceedsIsExact(t *testing.T) {
	ctx := NewContext(60)

	// 2 + 1e-30 is indistinguishable from 2 in float64 but not in decimal.
	re, _, err := apd.NewFromString("2.000000000000000000000000000001")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	v := NewArbitrary(re, apd.New(0, 0), ctx)
	if !v.Exceeds(2) {
		t.Error("expected value just above 2 to exceed the threshold")
	}
	if FromComplex(2, ctx).Exceeds(2) {
		t.Error("exactly 2 must not exceed 2")
	}
}

func TestArbitraryStickyError(t *testing.T) {
	ctx := NewContext(10)
	ctx.MaxExponent = 5

	big := FromComplex(complex(99999, 0), ctx)
	overflow := big.Square().Square()
	if !errors.Is(overflow.Err(), ErrArithmetic) {
		t.Fatalf("expected ErrArithmetic, got %v", overflow.Err())
	}

	derived := overflow.Add(FromComplex(1, ctx))
	if !errors.Is(derived.Err(), ErrArithmetic) {
		t.Errorf("expected error to propagate, got %v", derived.Err())
	}
	if !math.IsNaN(derived.Abs()) {
		t.Errorf("expected NaN magnitude for failed value, got %v", derived.Abs())
	}
}

func TestParseArbitraryRoundTrip(t *testing.T) {
	ctx := NewContext(DefaultDigits)
	v := FromComplex(complex(-0.7377199751668726, 0.1279205257140878), ctx).Square()

	re, im := v.Strings()
	got, err := ParseArbitrary(re, im, ctx)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	gre, gim := got.Strings()
	if gre != re || gim != im {
		t.Errorf("round trip mismatch: (%s, %s) vs (%s, %s)", gre, gim, re, im)
	}

	if _, err := ParseArbitrary("not-a-number", "0", ctx); err == nil {
		t.Error("expected parse error")
	}
}

func TestElementwise(t *testing.T) {
	a := []Fixed{1, complex(0, 1), complex(1, 1)}
	b := Zeros[Fixed](3)

	sum, err := AddAll(a, b)
	if err != nil {
		t.Fatalf("add all: %v", err)
	}
	for i := range a {
		if sum[i] != a[i] {
			t.Errorf("element %d: got %v want %v", i, sum[i], a[i])
		}
	}

	sq, err := SquareAll(a)
	if err != nil {
		t.Fatalf("square all: %v", err)
	}
	if sq[1] != -1 {
		t.Errorf("i² should be -1, got %v", sq[1])
	}

	abs := AbsAll(a)
	if math.Abs(abs[2]-math.Sqrt2) > 1e-15 {
		t.Errorf("|1+i| should be sqrt2, got %v", abs[2])
	}

	if _, err := AddAll(a, b[:2]); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func cmplxDiff(a, b complex128) float64 {
	return math.Hypot(real(a)-real(b), imag(a)-imag(b))
}
