package epc

import (
	"context"
	"sync"

	"github.com/pawciobiel/go-epc/sexp"
)

// HandlerFunc serves one incoming call. args is the call's argument list and
// the returned value travels back to the caller. A non-nil error becomes a
// return-error reply carrying err.Error(); the session itself is unaffected.
//
// ctx is canceled when the session terminates. Handlers that block should
// honor it.
type HandlerFunc func(ctx context.Context, args sexp.List) (sexp.Value, error)

// Method is a named handler plus the metadata the methods query reports.
type Method struct {
	Name    string
	Handler HandlerFunc
	ArgSpec string
	Doc     string
}

// MethodInfo describes one method offered by a peer.
type MethodInfo struct {
	Name    string
	ArgSpec string
	Doc     string
}

// registry holds a session's registered methods. Registration is allowed at
// any time, including from a handler of the same session; registering a name
// again replaces the earlier entry in place.
type registry struct {
	mu      sync.RWMutex
	byName  map[string]int
	entries []Method
}

func newRegistry() *registry {
	return &registry{byName: make(map[string]int)}
}

func (r *registry) register(m Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byName[m.Name]; ok {
		r.entries[i] = m
		return
	}
	r.byName[m.Name] = len(r.entries)
	r.entries = append(r.entries, m)
}

func (r *registry) lookup(name string) (Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byName[name]
	if !ok {
		return Method{}, false
	}
	return r.entries[i], true
}

// listing renders the registry in registration order as the methods reply
// value: ((NAME ARGSPEC DOC) ...), nil standing in for empty fields.
func (r *registry) listing() sexp.Value {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return sexp.Null{}
	}
	out := make(sexp.List, 0, len(r.entries))
	for _, m := range r.entries {
		out = append(out, sexp.List{sexp.Symbol(m.Name), optString(m.ArgSpec), optString(m.Doc)})
	}
	return out
}

func optString(s string) sexp.Value {
	if s == "" {
		return sexp.Null{}
	}
	return sexp.String(s)
}
