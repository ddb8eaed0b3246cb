package rational

import (
	"fmt"
	"math"
)

// Rational is an exact fraction with 16-bit terms. A zero denominator marks
// an invalid value; it never takes part in duration math.
type Rational struct {
	Num int16
	Den int16
}

// Invalid is the sentinel produced by unrepresentable results.
var Invalid = Rational{}

// New returns num/den as written. Use Reduce to bring it to lowest terms.
func New(num, den int16) Rational { return Rational{Num: num, Den: den} }

// Int returns n/1.
func Int(n int16) Rational { return Rational{Num: n, Den: 1} }

func (r Rational) Valid() bool { return r.Den != 0 }

// Float returns the value as float64, or NaN for an invalid rational.
func (r Rational) Float() float64 {
	if r.Den == 0 {
		return math.NaN()
	}
	return float64(r.Num) / float64(r.Den)
}

func (r Rational) Reduce() Rational {
	if r.Den == 0 {
		return Invalid
	}
	return make32(int32(r.Num), int32(r.Den))
}

func (r Rational) Add(o Rational) Rational {
	if r.Den == 0 || o.Den == 0 {
		return Invalid
	}
	if r.Den == o.Den {
		return make32(int32(r.Num)+int32(o.Num), int32(r.Den))
	}
	return make32(int32(r.Num)*int32(o.Den)+int32(r.Den)*int32(o.Num), int32(r.Den)*int32(o.Den))
}

func (r Rational) Sub(o Rational) Rational {
	return r.Add(Rational{Num: -o.Num, Den: o.Den})
}

func (r Rational) Mul(o Rational) Rational {
	if r.Den == 0 || o.Den == 0 {
		return Invalid
	}
	return make32(int32(r.Num)*int32(o.Num), int32(r.Den)*int32(o.Den))
}

// Cmp compares two valid rationals and returns -1, 0 or +1.
func (r Rational) Cmp(o Rational) int {
	a := int64(r.Num) * int64(o.Den)
	b := int64(o.Num) * int64(r.Den)
	if (r.Den < 0) != (o.Den < 0) {
		a, b = b, a
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (r Rational) String() string {
	if r.Den == 0 {
		return "NaN"
	}
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// gcd follows Euclid with gcd(0, x) = x.
func gcd(a, b int32) int32 {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	if a == 0 {
		return b
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func make32(num, den int32) Rational {
	if den == 0 {
		return Invalid
	}
	if den < 0 {
		num, den = -num, -den
	}
	t := gcd(num, den)
	num /= t
	den /= t
	if num > math.MaxInt16 || num < math.MinInt16 || den > math.MaxInt16 {
		return Invalid
	}
	return Rational{Num: int16(num), Den: int16(den)}
}
