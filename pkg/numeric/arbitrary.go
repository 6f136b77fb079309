package numeric

import (
	"errors"
	"fmt"
	"math"

	"github.com/cockroachdb/apd/v3"
)

// DefaultDigits is the significant-digit precision of arbitrary arithmetic.
const DefaultDigits = 50

// ErrArithmetic wraps decimal arithmetic failures such as exponent overflow.
var ErrArithmetic = errors.New("decimal arithmetic failed")

var defaultContext = NewContext(DefaultDigits)

// NewContext returns a decimal context with the given significant digits.
func NewContext(digits uint32) *apd.Context {
	return apd.BaseContext.WithPrecision(digits)
}

// Arbitrary is an immutable complex number with decimal components. The zero value
// is 0+0i evaluated with DefaultDigits. Arithmetic errors are sticky: once a value
// carries an error, everything derived from it carries the same error.
type Arbitrary struct {
	re  *apd.Decimal
	im  *apd.Decimal
	ctx *apd.Context
	err error
}

var _ Scalar[Arbitrary] = Arbitrary{}

// NewArbitrary builds a value from decimal components. The components are copied.
func NewArbitrary(re, im *apd.Decimal, ctx *apd.Context) Arbitrary {
	a := Arbitrary{re: new(apd.Decimal), im: new(apd.Decimal), ctx: ctx}
	a.re.Set(re)
	a.im.Set(im)
	return a
}

// FromComplex converts a complex128 exactly into decimal components.
func FromComplex(c complex128, ctx *apd.Context) Arbitrary {
	a := Arbitrary{re: new(apd.Decimal), im: new(apd.Decimal), ctx: ctx}
	if _, err := a.re.SetFloat64(real(c)); err != nil {
		a.err = fmt.Errorf("%w: real part %g: %v", ErrArithmetic, real(c), err)
	}
	if _, err := a.im.SetFloat64(imag(c)); err != nil && a.err == nil {
		a.err = fmt.Errorf("%w: imaginary part %g: %v", ErrArithmetic, imag(c), err)
	}
	return a
}

// ParseArbitrary parses decimal strings as produced by Strings.
func ParseArbitrary(re, im string, ctx *apd.Context) (Arbitrary, error) {
	r, _, err := apd.NewFromString(re)
	if err != nil {
		return Arbitrary{}, fmt.Errorf("parse real part %q: %w", re, err)
	}
	i, _, err := apd.NewFromString(im)
	if err != nil {
		return Arbitrary{}, fmt.Errorf("parse imaginary part %q: %w", im, err)
	}
	return Arbitrary{re: r, im: i, ctx: ctx}, nil
}

// Real returns a copy of the real component.
func (a Arbitrary) Real() *apd.Decimal { return new(apd.Decimal).Set(a.real()) }

// Imag returns a copy of the imaginary component.
func (a Arbitrary) Imag() *apd.Decimal { return new(apd.Decimal).Set(a.imag()) }

// Strings returns the exact decimal text of both components.
func (a Arbitrary) Strings() (re, im string) {
	return a.real().String(), a.imag().String()
}

// String implements fmt.Stringer.
func (a Arbitrary) String() string {
	re, im := a.Strings()
	return fmt.Sprintf("(%s%+si)", re, im)
}

// Complex128 rounds the value to the nearest complex128.
func (a Arbitrary) Complex128() complex128 {
	re, _ := a.real().Float64()
	im, _ := a.imag().Float64()
	return complex(re, im)
}

// Err returns the sticky arithmetic error, if any.
func (a Arbitrary) Err() error { return a.err }

// Add returns a+b.
func (a Arbitrary) Add(b Arbitrary) Arbitrary {
	if err := firstErr(a, b); err != nil {
		return Arbitrary{err: err}
	}
	out := Arbitrary{re: new(apd.Decimal), im: new(apd.Decimal), ctx: pickContext(a, b)}
	ctx := out.context()
	out.apply(ctx.Add(out.re, a.real(), b.real()))
	out.apply(ctx.Add(out.im, a.imag(), b.imag()))
	return out
}

// Mul returns a*b using (ac-bd) + (ad+bc)i.
func (a Arbitrary) Mul(b Arbitrary) Arbitrary {
	if err := firstErr(a, b); err != nil {
		return Arbitrary{err: err}
	}
	out := Arbitrary{re: new(apd.Decimal), im: new(apd.Decimal), ctx: pickContext(a, b)}
	ctx := out.context()

	var ac, bd, ad, bc apd.Decimal
	out.apply(ctx.Mul(&ac, a.real(), b.real()))
	out.apply(ctx.Mul(&bd, a.imag(), b.imag()))
	out.apply(ctx.Mul(&ad, a.real(), b.imag()))
	out.apply(ctx.Mul(&bc, a.imag(), b.real()))
	out.apply(ctx.Sub(out.re, &ac, &bd))
	out.apply(ctx.Add(out.im, &ad, &bc))
	return out
}

// Square returns a*a.
func (a Arbitrary) Square() Arbitrary { return a.Mul(a) }

// Magnitude returns sqrt(re² + im²) in decimal.
func (a Arbitrary) Magnitude() (*apd.Decimal, error) {
	if a.err != nil {
		return nil, a.err
	}
	ctx := a.context()
	sq, err := a.normSquared()
	if err != nil {
		return nil, err
	}
	out := new(apd.Decimal)
	if _, err := ctx.Sqrt(out, sq); err != nil {
		return nil, fmt.Errorf("%w: sqrt: %v", ErrArithmetic, err)
	}
	return out, nil
}

// Abs returns the magnitude rounded to float64. Errors yield NaN.
func (a Arbitrary) Abs() float64 {
	m, err := a.Magnitude()
	if err != nil {
		return math.NaN()
	}
	f, err := m.Float64()
	if err != nil {
		return math.NaN()
	}
	return f
}

// Exceeds compares re² + im² against limit² in decimal so the threshold test is exact.
func (a Arbitrary) Exceeds(limit float64) bool {
	if a.err != nil {
		return false
	}
	sq, err := a.normSquared()
	if err != nil {
		return false
	}
	bound := new(apd.Decimal)
	if _, err := bound.SetFloat64(limit * limit); err != nil {
		return false
	}
	return sq.Cmp(bound) > 0
}

func (a Arbitrary) normSquared() (*apd.Decimal, error) {
	ctx := a.context()
	var rr, ii apd.Decimal
	sq := new(apd.Decimal)
	if _, err := ctx.Mul(&rr, a.real(), a.real()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArithmetic, err)
	}
	if _, err := ctx.Mul(&ii, a.imag(), a.imag()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArithmetic, err)
	}
	if _, err := ctx.Add(sq, &rr, &ii); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArithmetic, err)
	}
	return sq, nil
}

func (a *Arbitrary) apply(_ apd.Condition, err error) {
	if err != nil && a.err == nil {
		a.err = fmt.Errorf("%w: %v", ErrArithmetic, err)
	}
}

func (a Arbitrary) real() *apd.Decimal {
	if a.re == nil {
		return new(apd.Decimal)
	}
	return a.re
}

func (a Arbitrary) imag() *apd.Decimal {
	if a.im == nil {
		return new(apd.Decimal)
	}
	return a.im
}

func (a Arbitrary) context() *apd.Context {
	if a.ctx == nil {
		return defaultContext
	}
	return a.ctx
}

// pickContext returns the explicit context of a or b, if any. Zero values carry none.
func pickContext(a, b Arbitrary) *apd.Context {
	if a.ctx != nil {
		return a.ctx
	}
	return b.ctx
}

func firstErr(a, b Arbitrary) error {
	if a.err != nil {
		return a.err
	}
	return b.err
}
