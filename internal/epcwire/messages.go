// Package epcwire maps between decoded s-expressions and the typed protocol
// messages a session dispatches on. One frame body carries exactly one
// message: a list whose head is the message tag and whose second element is
// the correlation id.
package epcwire

import (
	"fmt"

	"github.com/pawciobiel/go-epc/sexp"
)

// Wire tags. The set is closed; anything else is a protocol violation.
const (
	TagCall        = "call"
	TagReturn      = "return"
	TagReturnError = "return-error"
	TagEpcError    = "epc-error"
	TagMethods     = "methods"
)

// Message is one protocol message in typed form.
type Message interface {
	// Tag returns the message's wire tag.
	Tag() string
	// CallID returns the correlation id the message carries.
	CallID() int64
	// Encode builds the message's wire form.
	Encode() sexp.Value
}

// Call asks the peer to invoke a method. Args is the nested argument list;
// an Emacs peer sends nil for an empty one.
type Call struct {
	ID     int64
	Method string
	Args   sexp.List
}

func (m *Call) Tag() string   { return TagCall }
func (m *Call) CallID() int64 { return m.ID }

func (m *Call) Encode() sexp.Value {
	return sexp.List{sexp.Symbol(TagCall), sexp.Int(m.ID), sexp.Symbol(m.Method), m.Args}
}

// Return carries the successful result of a call back to its issuer.
type Return struct {
	ID    int64
	Value sexp.Value
}

func (m *Return) Tag() string   { return TagReturn }
func (m *Return) CallID() int64 { return m.ID }

func (m *Return) Encode() sexp.Value {
	return sexp.List{sexp.Symbol(TagReturn), sexp.Int(m.ID), m.Value}
}

// ReturnError reports that the handler for a call failed.
type ReturnError struct {
	ID   int64
	Desc sexp.Value
}

func (m *ReturnError) Tag() string   { return TagReturnError }
func (m *ReturnError) CallID() int64 { return m.ID }

func (m *ReturnError) Encode() sexp.Value {
	return sexp.List{sexp.Symbol(TagReturnError), sexp.Int(m.ID), m.Desc}
}

// EpcError reports that a call failed in the dispatch machinery before or
// instead of reaching a handler.
type EpcError struct {
	ID   int64
	Desc sexp.Value
}

func (m *EpcError) Tag() string   { return TagEpcError }
func (m *EpcError) CallID() int64 { return m.ID }

func (m *EpcError) Encode() sexp.Value {
	return sexp.List{sexp.Symbol(TagEpcError), sexp.Int(m.ID), m.Desc}
}

// MethodsQuery asks the peer to list its registered methods. The reply is an
// ordinary Return whose value is a list of (name argspec docstring) triples.
type MethodsQuery struct {
	ID int64
}

func (m *MethodsQuery) Tag() string   { return TagMethods }
func (m *MethodsQuery) CallID() int64 { return m.ID }

func (m *MethodsQuery) Encode() sexp.Value {
	return sexp.List{sexp.Symbol(TagMethods), sexp.Int(m.ID)}
}

// ParseError reports a decoded s-expression that does not fit any message
// shape. Tag preserves the tag atom when one was present (possibly an
// unrecognized one), and ID/HasID preserve the correlation id when the
// second element was an integer, so the session can still route a fault for
// the message.
type ParseError struct {
	Tag    string
	ID     int64
	HasID  bool
	Reason string
}

func (e *ParseError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("epcwire: %s message: %s", e.Tag, e.Reason)
	}
	return fmt.Sprintf("epcwire: %s", e.Reason)
}

// Parse converts one decoded frame body into a typed message. Failures are
// always a *ParseError.
func Parse(v sexp.Value) (Message, error) {
	list, ok := v.(sexp.List)
	if !ok || len(list) == 0 {
		return nil, &ParseError{Reason: "message is not a non-empty list"}
	}
	tag, ok := atomText(list[0])
	if !ok {
		return nil, &ParseError{Reason: "message tag is not a symbol"}
	}
	perr := &ParseError{Tag: tag}
	if len(list) >= 2 {
		if id, ok := list[1].(sexp.Int); ok {
			perr.ID = int64(id)
			perr.HasID = true
		}
	}
	if !perr.HasID {
		perr.Reason = "missing integer correlation id"
		return nil, perr
	}
	id := perr.ID

	switch tag {
	case TagCall:
		if len(list) != 4 {
			perr.Reason = fmt.Sprintf("want 4 elements, got %d", len(list))
			return nil, perr
		}
		method, ok := atomText(list[2])
		if !ok {
			perr.Reason = "method name is not a symbol"
			return nil, perr
		}
		args, ok := argsList(list[3])
		if !ok {
			perr.Reason = "arguments are not a list"
			return nil, perr
		}
		return &Call{ID: id, Method: method, Args: args}, nil
	case TagReturn:
		if len(list) != 3 {
			perr.Reason = fmt.Sprintf("want 3 elements, got %d", len(list))
			return nil, perr
		}
		return &Return{ID: id, Value: list[2]}, nil
	case TagReturnError:
		if len(list) != 3 {
			perr.Reason = fmt.Sprintf("want 3 elements, got %d", len(list))
			return nil, perr
		}
		return &ReturnError{ID: id, Desc: list[2]}, nil
	case TagEpcError:
		if len(list) != 3 {
			perr.Reason = fmt.Sprintf("want 3 elements, got %d", len(list))
			return nil, perr
		}
		return &EpcError{ID: id, Desc: list[2]}, nil
	case TagMethods:
		if len(list) != 2 {
			perr.Reason = fmt.Sprintf("want 2 elements, got %d", len(list))
			return nil, perr
		}
		return &MethodsQuery{ID: id}, nil
	default:
		perr.Reason = "unrecognized tag"
		return nil, perr
	}
}

// atomText extracts the text of a symbol, accepting a string in its place
// for peers that quote where Emacs would not.
func atomText(v sexp.Value) (string, bool) {
	switch a := v.(type) {
	case sexp.Symbol:
		return string(a), true
	case sexp.String:
		return string(a), true
	}
	return "", false
}

// argsList normalizes the argument position: a list stays itself and nil is
// the empty list, per the wire dialect's canonicalization.
func argsList(v sexp.Value) (sexp.List, bool) {
	switch a := v.(type) {
	case sexp.List:
		return a, true
	case sexp.Null:
		return nil, true
	case nil:
		return nil, true
	}
	return nil, false
}
