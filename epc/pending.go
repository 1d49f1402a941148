package epc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pawciobiel/go-epc/sexp"
)

// Result is the pending outcome of a call issued with Go. It settles exactly
// once; every Wait and Done observer sees the same outcome.
type Result struct {
	settled atomic.Bool
	done    chan struct{}
	value   sexp.Value
	err     error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Wait blocks until the call settles or ctx ends. A ctx error abandons the
// wait, not the call: the result may still settle later and other waiters
// are unaffected.
func (r *Result) Wait(ctx context.Context) (sexp.Value, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel that is closed once the call has settled.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// settle resolves the result. The first resolution wins; later ones report
// false and change nothing.
func (r *Result) settle(v sexp.Value, err error) bool {
	if !r.settled.CompareAndSwap(false, true) {
		return false
	}
	r.value = v
	r.err = err
	close(r.done)
	return true
}

type pendingCall struct {
	result   *Result
	method   string
	issuedAt time.Time
}

// pendingCalls correlates issued calls with the responses that settle them.
// Ids count up from 1 under the mutex and are never reused.
type pendingCalls struct {
	maxID int64

	mu     sync.Mutex
	calls  map[int64]*pendingCall
	lastID int64
	closed bool
}

func newPendingCalls(maxID int64) *pendingCalls {
	return &pendingCalls{maxID: maxID, calls: make(map[int64]*pendingCall)}
}

// add allocates the next id and registers the call under it, so a response
// arriving immediately after the send still finds its entry.
func (p *pendingCalls) add(r *Result, method string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if p.lastID >= p.maxID {
		return 0, ErrIDExhausted
	}
	p.lastID++
	p.calls[p.lastID] = &pendingCall{result: r, method: method, issuedAt: time.Now()}
	return p.lastID, nil
}

// take removes and returns the call registered under id. ok is false when
// nothing is pending under id: already answered, or never issued.
func (p *pendingCalls) take(id int64) (*pendingCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	return pc, ok
}

// drop forgets id without settling its result. Used when the send itself
// failed and the caller settles the result directly.
func (p *pendingCalls) drop(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calls, id)
}

// failAll settles every pending call with err and refuses new ones. It
// returns the abandoned calls for logging.
func (p *pendingCalls) failAll(err error) []*pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	abandoned := make([]*pendingCall, 0, len(p.calls))
	for id, pc := range p.calls {
		delete(p.calls, id)
		abandoned = append(abandoned, pc)
	}
	for _, pc := range abandoned {
		pc.result.settle(nil, err)
	}
	return abandoned
}
