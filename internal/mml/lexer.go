package mml

import "github.com/cbegin/mmltone-go/internal/rational"

// scanner reads bytes of an MML text. Reads past the end yield 0, which no
// grammar rule accepts.
type scanner string

func (s scanner) at(i int) byte {
	if i < 0 || i >= len(s) {
		return 0
	}
	return s[i]
}

func (s scanner) skip(i int) int {
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	return i
}

// integer reads a run of decimal digits. ok is false when the run is empty.
func (s scanner) integer(i int) (n int, next int, ok bool) {
	start := i
	for isDigit(s.at(i)) {
		if n < 1<<24 {
			n = n*10 + int(s[i]-'0')
		}
		i++
	}
	return n, i, i > start
}

// number reads digits with an optional fractional part, e.g. "440", "0.5",
// ".5" or "12.". ok is false when no digit was read.
func (s scanner) number(i int) (v float64, next int, ok bool) {
	digits := 0
	for isDigit(s.at(i)) {
		v = v*10 + float64(s[i]-'0')
		digits++
		i++
	}
	if s.at(i) == '.' && (digits > 0 || isDigit(s.at(i+1))) {
		scale := 0.1
		for i++; isDigit(s.at(i)); i++ {
			v += float64(s[i]-'0') * scale
			scale /= 10
			digits++
		}
	}
	return v, i, digits > 0
}

var singleLengths = map[byte]int16{'1': 1, '2': 2, '3': 3, '4': 4, '6': 6, '8': 8, '9': 9}

var pairLengths = map[[2]byte]int16{
	{'1', '2'}: 12, {'1', '6'}: 16, {'2', '4'}: 24, {'3', '2'}: 32,
	{'4', '8'}: 48, {'6', '4'}: 64, {'9', '6'}: 96,
}

// noteLength parses a length expression. Without one it returns def and the
// cursor at the first non-space character.
func (c *Channel) noteLength(at int, def rational.Rational) (rational.Rational, int, error) {
	s := scanner(c.src)
	i := s.skip(at)
	ch := s.at(i)
	if ch != '.' && ch != '_' && ch != '/' && ch != '*' && !isDigit(ch) {
		return def, i, nil
	}
	total, i, err := c.lengthTerm(i, def)
	if err != nil {
		return rational.Invalid, at, err
	}
	for {
		i = s.skip(i)
		op := s.at(i)
		if op != '+' && op != '-' {
			return total, i, nil
		}
		var term rational.Rational
		if term, i, err = c.lengthTerm(s.skip(i+1), def); err != nil {
			return rational.Invalid, at, err
		}
		if op == '+' {
			total = total.Add(term)
		} else {
			total = total.Sub(term)
		}
		if !total.Valid() {
			return rational.Invalid, at, c.errorf(i, "note length overflow")
		}
	}
}

func (c *Channel) lengthTerm(at int, def rational.Rational) (rational.Rational, int, error) {
	s := scanner(c.src)
	i := s.skip(at)
	length := def
	if isDigit(s.at(i)) {
		var err error
		if length, i, err = c.lengthNumber(i); err != nil {
			return rational.Invalid, at, err
		}
	}
	i = s.skip(i)
	if ch := s.at(i); ch != '.' && ch != '/' && ch != '_' {
		return length, i, nil
	}
	factor, i, err := c.lengthModifier(i)
	if err != nil {
		return rational.Invalid, at, err
	}
	length = length.Mul(factor)
	if !length.Valid() {
		return rational.Invalid, at, c.errorf(i, "note length overflow")
	}
	return length, i, nil
}

// lengthNumber matches the allowed denominators with a two-digit lookahead,
// so "16" is a sixteenth and "10" or "160" is an error.
func (c *Channel) lengthNumber(at int) (rational.Rational, int, error) {
	s := scanner(c.src)
	first, second := s.at(at), s.at(at+1)
	if !isDigit(second) {
		if d, ok := singleLengths[first]; ok {
			return rational.New(1, d), at + 1, nil
		}
		return rational.Invalid, at, c.errorf(at, "invalid note length number")
	}
	if d, ok := pairLengths[[2]byte{first, second}]; ok && !isDigit(s.at(at+2)) {
		return rational.New(1, d), at + 2, nil
	}
	return rational.Invalid, at, c.errorf(at, "invalid note length number")
}

// lengthModifier folds a run of '.', '..', '_' and '/' into one factor.
// A single dot ends the run.
func (c *Channel) lengthModifier(at int) (rational.Rational, int, error) {
	s := scanner(c.src)
	i := at
	factor := rational.New(1, 1)
	for {
		switch s.at(i) {
		case '.':
			i++
			if s.at(i) != '.' {
				return factor.Mul(rational.New(3, 2)), i, nil
			}
			i++
			factor = factor.Mul(rational.New(7, 4))
		case '_', '/':
			mark := s.at(i)
			n := int16(1)
			for ; s.at(i) == mark; i++ {
				if n >= 1<<13 {
					return rational.Invalid, at, c.errorf(i, "note length modifier run too long")
				}
				n *= 2
			}
			if mark == '_' {
				factor = factor.Mul(rational.Int(n))
			} else {
				factor = factor.Mul(rational.New(1, n))
			}
		default:
			return factor, i, nil
		}
		if !factor.Valid() {
			return rational.Invalid, at, c.errorf(i, "note length overflow")
		}
	}
}

func isSpace(b byte) bool { return b == ' ' || b == '\n' || b == '\r' || b == '\t' }
func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isNoteLetter(b byte) bool {
	b = lower(b)
	return b >= 'a' && b <= 'g'
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
