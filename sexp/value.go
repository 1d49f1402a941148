package sexp

// Value is one node of the EPC structured-value model. The set of
// implementations is closed: Null, Bool, Int, Float, String, Symbol, List
// and Map, and nothing else, satisfy it.
type Value interface {
	isValue()
}

// Null is the nil value.
type Null struct{}

// Bool is a boolean. Only true has a distinct wire literal (t); false
// canonicalizes to nil on encode.
type Bool bool

// Int is a signed integer. Peers running 64-bit Emacs read fixnums up to
// 2^61-1; values beyond that may be rejected by the remote reader even
// though this codec round-trips the full int64 range.
type Int int64

// Float is an IEEE 754 double. Infinities and NaN use the Emacs reader
// spellings 1.0e+INF, -1.0e+INF and 0.0e+NaN.
type Float float64

// String is a UTF-8 text value.
type String string

// Symbol is a bare atom: a method name, an Emacs keyword such as :timeout,
// or any other unquoted identifier. Never "nil" or "t".
type Symbol string

// List is an ordered sequence of values.
type List []Value

// Map is a string-keyed mapping with unique keys. Iteration order is
// unspecified; Encode sorts keys so output is deterministic.
type Map map[string]Value

func (Null) isValue()   {}
func (Bool) isValue()   {}
func (Int) isValue()    {}
func (Float) isValue()  {}
func (String) isValue() {}
func (Symbol) isValue() {}
func (List) isValue()   {}
func (Map) isValue()    {}

// Equal reports structural equality of two values. Lists compare
// elementwise in order; Maps compare per key. A nil Value compares equal to
// Null, matching Encode's treatment.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	switch av := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Float:
		bv, ok := b.(Float)
		if !ok {
			return false
		}
		// NaN compares equal to itself here so decoded values can be
		// compared against expectations.
		if av != av && bv != bv {
			return true
		}
		return av == bv
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Symbol:
		bv, ok := b.(Symbol)
		return ok && av == bv
	case List:
		bv, ok := b.(List)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Map:
		bv, ok := b.(Map)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, present := bv[k]
			if !present || !Equal(v, w) {
				return false
			}
		}
		return true
	}
	return false
}
