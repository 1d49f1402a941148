package sexp

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxDepth bounds list nesting so a hostile payload cannot exhaust the
// stack. Real EPC traffic nests a handful of levels.
const maxDepth = 1000

// DecodeError describes structurally invalid input: unbalanced lists, bad
// escapes, malformed pairs, duplicate map keys, or trailing bytes.
type DecodeError struct {
	Offset int
	Msg    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("sexp: %s at offset %d", e.Msg, e.Offset)
}

// Decode parses exactly one value from data. Anything beyond the value other
// than whitespace is an error: a frame body carries one expression.
func Decode(data []byte) (Value, error) {
	p := &parser{data: data}
	p.skipSpace()
	if p.eof() {
		return nil, p.errorf("unexpected end of input")
	}
	v, err := p.value(0)
	if err != nil {
		return nil, err
	}
	if _, ok := v.(pair); ok {
		return nil, p.errorf("dotted pair outside association list")
	}
	p.skipSpace()
	if !p.eof() {
		return nil, p.errorf("trailing data after value")
	}
	return v, nil
}

// pair is the transient representation of a dotted cell. It never escapes
// Decode: pairs are either absorbed into a Map or rejected.
type pair struct {
	car, cdr Value
}

func (pair) isValue() {}

type parser struct {
	data []byte
	pos  int
}

func (p *parser) errorf(format string, args ...any) error {
	return &DecodeError{Offset: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) eof() bool { return p.pos >= len(p.data) }

func (p *parser) skipSpace() {
	for !p.eof() {
		switch p.data[p.pos] {
		case ' ', '\t', '\n', '\r', '\f':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) value(depth int) (Value, error) {
	if depth > maxDepth {
		return nil, p.errorf("nesting deeper than %d levels", maxDepth)
	}
	if p.eof() {
		return nil, p.errorf("unexpected end of input")
	}
	switch p.data[p.pos] {
	case '(':
		return p.list(depth + 1)
	case ')':
		return nil, p.errorf("unexpected )")
	case '"':
		return p.quoted()
	default:
		return p.atom()
	}
}

func (p *parser) list(depth int) (Value, error) {
	open := p.pos
	p.pos++ // consume (
	var items []Value
	for {
		p.skipSpace()
		if p.eof() {
			p.pos = open
			return nil, p.errorf("unterminated list")
		}
		if p.data[p.pos] == ')' {
			p.pos++
			return p.finishList(open, items)
		}
		if p.dotMarker() {
			if len(items) != 1 {
				return nil, p.errorf("improper list")
			}
			p.pos++ // consume .
			p.skipSpace()
			cdr, err := p.value(depth)
			if err != nil {
				return nil, err
			}
			if _, ok := cdr.(pair); ok {
				return nil, p.errorf("dotted pair outside association list")
			}
			p.skipSpace()
			if p.eof() || p.data[p.pos] != ')' {
				return nil, p.errorf("malformed dotted pair")
			}
			p.pos++
			return pair{car: items[0], cdr: cdr}, nil
		}
		item, err := p.value(depth)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}

// dotMarker reports whether the parser sits on a lone "." token, as opposed
// to an atom that merely begins with a period (".5" is a float).
func (p *parser) dotMarker() bool {
	if p.data[p.pos] != '.' {
		return false
	}
	if p.pos+1 >= len(p.data) {
		return true
	}
	switch p.data[p.pos+1] {
	case ' ', '\t', '\n', '\r', '\f', '(', ')', '"':
		return true
	}
	return false
}

// finishList turns accumulated elements into a List, or a Map when every
// element is a dotted pair (the association-list shape).
func (p *parser) finishList(open int, items []Value) (Value, error) {
	if len(items) == 0 {
		// () is nil in this dialect.
		return Null{}, nil
	}
	pairs := 0
	for _, item := range items {
		if _, ok := item.(pair); ok {
			pairs++
		}
	}
	if pairs == 0 {
		return List(items), nil
	}
	if pairs != len(items) {
		p.pos = open
		return nil, p.errorf("list mixes dotted pairs and plain values")
	}
	m := make(Map, len(items))
	for _, item := range items {
		cell := item.(pair)
		var key string
		switch k := cell.car.(type) {
		case String:
			key = string(k)
		case Symbol:
			key = string(k)
		default:
			p.pos = open
			return nil, p.errorf("association key must be a string or symbol")
		}
		if _, dup := m[key]; dup {
			p.pos = open
			return nil, p.errorf("duplicate association key %q", key)
		}
		m[key] = cell.cdr
	}
	return m, nil
}

func (p *parser) quoted() (Value, error) {
	open := p.pos
	p.pos++ // consume "
	var sb strings.Builder
	for {
		if p.eof() {
			p.pos = open
			return nil, p.errorf("unterminated string")
		}
		c := p.data[p.pos]
		p.pos++
		switch c {
		case '"':
			return String(sb.String()), nil
		case '\\':
			if p.eof() {
				p.pos = open
				return nil, p.errorf("unterminated string")
			}
			esc := p.data[p.pos]
			p.pos++
			switch esc {
			case '"', '\\':
				sb.WriteByte(esc)
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case 'f':
				sb.WriteByte('\f')
			case 'a':
				sb.WriteByte('\a')
			case 'b':
				sb.WriteByte('\b')
			case 'v':
				sb.WriteByte('\v')
			default:
				p.pos -= 2
				return nil, p.errorf("invalid escape \\%c", esc)
			}
		default:
			sb.WriteByte(c)
		}
	}
}

func (p *parser) atom() (Value, error) {
	start := p.pos
	var sb strings.Builder
	escaped := false
	for !p.eof() {
		c := p.data[p.pos]
		switch c {
		case ' ', '\t', '\n', '\r', '\f', '(', ')', '"':
			goto done
		case '\\':
			// A backslash includes the next byte in the name verbatim.
			escaped = true
			p.pos++
			if p.eof() {
				p.pos = start
				return nil, p.errorf("unterminated escape in symbol")
			}
			sb.WriteByte(p.data[p.pos])
			p.pos++
		default:
			sb.WriteByte(c)
			p.pos++
		}
	}
done:
	tok := sb.String()
	switch tok {
	case "nil":
		return Null{}, nil
	case "t":
		return Bool(true), nil
	}
	if escaped {
		// An escape defeats token-shape classification: \1 is the symbol
		// named "1", \. is the symbol named ".". The nil and t spellings
		// map to their values on the name itself, escaped or not.
		return Symbol(tok), nil
	}
	if tok == "." {
		p.pos = start
		return nil, p.errorf("unexpected dotted-pair marker")
	}
	if intShaped(tok) {
		i, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			p.pos = start
			return nil, p.errorf("integer out of range: %s", tok)
		}
		return Int(i), nil
	}
	if f, ok := nonfiniteFloat(tok); ok {
		return Float(f), nil
	}
	if floatShaped(tok) {
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			p.pos = start
			return nil, p.errorf("float out of range: %s", tok)
		}
		return Float(f), nil
	}
	// Anything else is a symbol, as the Emacs reader would classify it.
	// "1+" is a symbol, not a bad number.
	return Symbol(tok), nil
}

// nonfiniteFloat recognizes the Emacs spellings for infinities and NaN:
// any float or integer mantissa followed by e+INF or e+NaN.
func nonfiniteFloat(tok string) (float64, bool) {
	if mant, ok := strings.CutSuffix(tok, "e+INF"); ok {
		if intShaped(mant) || floatShaped(mant) {
			if strings.HasPrefix(mant, "-") {
				return math.Inf(-1), true
			}
			return math.Inf(1), true
		}
	}
	if mant, ok := strings.CutSuffix(tok, "e+NaN"); ok {
		if intShaped(mant) || floatShaped(mant) {
			return math.NaN(), true
		}
	}
	return 0, false
}

// intShaped reports an optional sign followed by one or more digits.
func intShaped(s string) bool {
	if len(s) > 0 && (s[0] == '+' || s[0] == '-') {
		s = s[1:]
	}
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// floatShaped matches the Emacs float grammar: a decimal mantissa with a
// point and/or a decimal exponent. Tokens Go's ParseFloat would accept but
// the Emacs reader would not ("inf", hex floats) stay symbols.
func floatShaped(s string) bool {
	if len(s) > 0 && (s[0] == '+' || s[0] == '-') {
		s = s[1:]
	}
	i, digits := 0, 0
	for ; i < len(s) && isDigit(s[i]); i++ {
		digits++
	}
	sawPoint := false
	if i < len(s) && s[i] == '.' {
		sawPoint = true
		i++
		for ; i < len(s) && isDigit(s[i]); i++ {
			digits++
		}
	}
	if digits == 0 {
		return false
	}
	sawExp := false
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		sawExp = true
		i++
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			i++
		}
		expDigits := 0
		for ; i < len(s) && isDigit(s[i]); i++ {
			expDigits++
		}
		if expDigits == 0 {
			return false
		}
	}
	return i == len(s) && (sawPoint || sawExp)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
