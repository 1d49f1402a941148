// Package sexp implements the structured-value model and wire codec for the
// EPC protocol. Every message payload, method argument and method result is a
// Value: a closed union of Null, Bool, Int, Float, String, Symbol, List and
// Map. The wire representation is the subset of the Emacs Lisp reader syntax
// that EPC peers actually exchange: nil, t, fixnum and float literals,
// double-quoted strings, bare symbols, proper lists, and association lists of
// dotted pairs.
//
// # Canonical Values
//
// The Emacs dialect has a single empty/false literal, nil. Encode therefore
// canonicalizes three inputs: Bool(false), the empty List and the empty Map
// all render as nil, and decoding nil produces Null. For every value Decode
// can produce (a "canonical" value), Decode(Encode(v)) yields a value equal
// to v. Code that must distinguish false from null, or an empty list from
// null, has no way to say so on this wire; that is a property of the
// protocol, not of this implementation.
//
// # Maps
//
// A Map renders as an association list of dotted pairs with string keys,
// sorted lexicographically so encoding is deterministic:
//
//	Map{"a": Int(1), "b": String("x")}   =>   (("a" . 1) ("b" . "x"))
//
// On decode, a non-empty list is a Map exactly when every element is a
// dotted pair; pair keys may be strings or symbols (Emacs alists are usually
// symbol-keyed) and collapse to Go string keys. A dotted pair anywhere else,
// an improper list such as (1 2 . 3), or a duplicated key is a decode error:
// the union is closed and unsupported shapes fail loudly rather than
// coercing.
//
// # Symbols
//
// Symbol exists because the wire requires it: method names and Emacs
// keywords arrive as bare atoms, not strings. The reader classifies nil and
// t before symbol formation, so a Symbol never carries either spelling.
// Encode backslash-escapes separator bytes in a name (whitespace,
// parentheses, double quote, backslash) and gives a leading escape to names
// that would otherwise read back as numbers, so every non-empty Symbol
// round-trips. On decode, a backslash includes the next byte in the name
// verbatim, and a token containing any escape is always a symbol.
package sexp
