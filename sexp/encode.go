package sexp

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// Encode renders v in the EPC wire syntax. It is total: every Value (and a
// nil Value, which renders as nil) has an encoding, and the output for a
// given value is always byte-identical.
func Encode(v Value) []byte {
	return Append(nil, v)
}

// Append appends the encoding of v to dst and returns the extended slice.
func Append(dst []byte, v Value) []byte {
	switch val := v.(type) {
	case nil, Null:
		return append(dst, "nil"...)
	case Bool:
		if val {
			return append(dst, 't')
		}
		return append(dst, "nil"...)
	case Int:
		return strconv.AppendInt(dst, int64(val), 10)
	case Float:
		return appendFloat(dst, float64(val))
	case String:
		return appendQuoted(dst, string(val))
	case Symbol:
		return appendSymbol(dst, string(val))
	case List:
		if len(val) == 0 {
			return append(dst, "nil"...)
		}
		dst = append(dst, '(')
		for i, elem := range val {
			if i > 0 {
				dst = append(dst, ' ')
			}
			dst = Append(dst, elem)
		}
		return append(dst, ')')
	case Map:
		if len(val) == 0 {
			return append(dst, "nil"...)
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dst = append(dst, '(')
		for i, k := range keys {
			if i > 0 {
				dst = append(dst, ' ')
			}
			dst = append(dst, '(')
			dst = appendQuoted(dst, k)
			dst = append(dst, " . "...)
			dst = Append(dst, val[k])
			dst = append(dst, ')')
		}
		return append(dst, ')')
	}
	// Unreachable: the Value union is closed.
	return append(dst, "nil"...)
}

func appendFloat(dst []byte, f float64) []byte {
	switch {
	case math.IsInf(f, 1):
		return append(dst, "1.0e+INF"...)
	case math.IsInf(f, -1):
		return append(dst, "-1.0e+INF"...)
	case math.IsNaN(f):
		return append(dst, "0.0e+NaN"...)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	// The Emacs reader needs a point or exponent to read a float; bare
	// digits would come back as an Int.
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return append(dst, s...)
}

// appendSymbol writes a symbol name so it reads back as the same symbol,
// the way the Emacs printer escapes: separator bytes are backslash-escaped
// in place, and a name the reader would take for a number (or the lone
// dotted-pair marker) gets a leading escape.
func appendSymbol(dst []byte, s string) []byte {
	if symbolNeedsLeadingEscape(s) {
		dst = append(dst, '\\')
	}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case ' ', '\t', '\n', '\r', '\f', '(', ')', '"', '\\':
			dst = append(dst, '\\', c)
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

func symbolNeedsLeadingEscape(s string) bool {
	if s == "." {
		return true
	}
	if intShaped(s) || floatShaped(s) {
		return true
	}
	_, nonfinite := nonfiniteFloat(s)
	return nonfinite
}

func appendQuoted(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			dst = append(dst, '\\', '"')
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\t':
			dst = append(dst, '\\', 't')
		case '\r':
			dst = append(dst, '\\', 'r')
		default:
			dst = append(dst, c)
		}
	}
	return append(dst, '"')
}
