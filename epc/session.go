package epc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/pawciobiel/go-epc/internal/epcwire"
	"github.com/pawciobiel/go-epc/internal/framing"
	"github.com/pawciobiel/go-epc/internal/logctx"
	"github.com/pawciobiel/go-epc/sexp"
)

// State is a session's lifecycle phase.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Session is one end of an EPC connection. It owns the connection: one
// receive goroutine dispatches incoming frames, handlers run on bounded
// worker goroutines, and all outgoing messages funnel through a single
// whole-frame write path.
type Session struct {
	id   string
	conn io.ReadWriteCloser
	log  *slog.Logger
	cfg  Config

	methods *registry
	pending *pendingCalls

	writeMu sync.Mutex
	wbuf    []byte

	handlerSem *semaphore.Weighted
	handlerWG  sync.WaitGroup

	// ctx carries the session's log identity and is canceled when the
	// session begins closing; handlers inherit it.
	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
	cause     error
	done      chan struct{}
}

// Connect wraps an established connection in a Session and starts serving
// it. There is no handshake: the session is open when Connect returns, and
// both peers may immediately register methods and issue calls.
func Connect(conn io.ReadWriteCloser, opts ...Option) *Session {
	st := newSettings(opts)
	s := &Session{
		id:         uuid.NewString(),
		conn:       conn,
		cfg:        st.cfg,
		methods:    newRegistry(),
		pending:    newPendingCalls(st.cfg.MaxID),
		handlerSem: semaphore.NewWeighted(st.cfg.HandlerConcurrency),
		done:       make(chan struct{}),
	}
	s.log = slog.New(logctx.Handler{Handler: st.log.Handler()})
	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{
		SessionID: s.id,
		Remote:    remoteAddr(conn),
	})
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state.Store(int32(StateOpen))
	s.log.DebugContext(s.ctx, "session open")
	go s.run()
	return s
}

// Serve registers a handler under name, replacing any previous registration
// of that name. Safe at any time, including from handlers.
func (s *Session) Serve(name string, h HandlerFunc, doc string) {
	s.methods.register(Method{Name: name, Handler: h, Doc: doc})
}

// ServeMethod registers m, replacing any previous registration of its name.
func (s *Session) ServeMethod(m Method) {
	s.methods.register(m)
}

// Go issues a call and returns its pending Result without blocking for the
// outcome. The Result settles when the peer answers or when the session
// terminates first.
func (s *Session) Go(method string, args ...sexp.Value) *Result {
	r := newResult()
	if s.State() != StateOpen {
		r.settle(nil, ErrClosed)
		return r
	}
	id, err := s.pending.add(r, method)
	if err != nil {
		r.settle(nil, err)
		return r
	}
	if err := s.send(&epcwire.Call{ID: id, Method: method, Args: sexp.List(args)}); err != nil {
		s.pending.drop(id)
		r.settle(nil, err)
	}
	return r
}

// Call issues a call and waits for its outcome.
func (s *Session) Call(ctx context.Context, method string, args ...sexp.Value) (sexp.Value, error) {
	return s.Go(method, args...).Wait(ctx)
}

// Methods asks the peer for its method listing.
func (s *Session) Methods(ctx context.Context) ([]MethodInfo, error) {
	r := newResult()
	if s.State() != StateOpen {
		return nil, ErrClosed
	}
	id, err := s.pending.add(r, "methods")
	if err != nil {
		return nil, err
	}
	if err := s.send(&epcwire.MethodsQuery{ID: id}); err != nil {
		s.pending.drop(id)
		return nil, err
	}
	v, err := r.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return parseMethodInfos(v)
}

// Close terminates the session from this side. It is idempotent: every call
// returns the outcome of the first one.
func (s *Session) Close() error {
	s.beginClose(nil)
	return s.closeErr
}

// Wait blocks until the session is fully terminated: receive loop gone,
// handlers drained, every pending call settled. It returns nil after a
// clean end (peer EOF or local Close) and the terminating fault otherwise.
func (s *Session) Wait() error {
	<-s.done
	return s.cause
}

// Done returns a channel closed once the session is fully terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// State reports the session's lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// ID returns the session's process-unique identity, as carried in its logs.
func (s *Session) ID() string { return s.id }

func (s *Session) run() {
	cause := s.recvLoop()
	s.beginClose(cause)
	s.handlerWG.Wait()
	s.state.Store(int32(StateClosed))
	close(s.done)
	s.log.DebugContext(s.ctx, "session closed")
}

// beginClose performs the closing transition at most once: stop the
// transport, cancel handler contexts, fail every pending call. A nil cause
// is a clean shutdown (local Close or peer EOF).
func (s *Session) beginClose(cause error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.cause = cause
		s.cancel()
		s.closeErr = s.conn.Close()
		var failErr error = ErrClosed
		if cause != nil {
			failErr = fmt.Errorf("%w: %v", ErrClosed, cause)
			s.log.ErrorContext(s.ctx, "session failed", slog.String("err", cause.Error()))
		}
		for _, pc := range s.pending.failAll(failErr) {
			s.log.DebugContext(s.ctx, "abandoning pending call",
				slog.String("method", pc.method),
				slog.Duration("age", time.Since(pc.issuedAt)))
		}
	})
}

// recvLoop reads, deframes, and dispatches until the stream ends. It
// returns the termination cause, nil for a clean end.
func (s *Session) recvLoop() error {
	dec := framing.Decoder{MaxFrameSize: s.cfg.MaxFrameSize}
	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				body, ok, derr := dec.Next()
				if derr != nil {
					return derr
				}
				if !ok {
					break
				}
				if fatal := s.dispatch(body); fatal != nil {
					return fatal
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || s.State() != StateOpen {
				return nil
			}
			return fmt.Errorf("epc: read: %w", err)
		}
	}
}

// dispatch routes one frame body. A non-nil return is a stream-level fault
// that terminates the session.
func (s *Session) dispatch(body []byte) error {
	v, err := sexp.Decode(body)
	if err != nil {
		return fmt.Errorf("epc: undecodable frame: %w", err)
	}
	msg, err := epcwire.Parse(v)
	if err != nil {
		return s.dispatchMalformed(err)
	}
	switch m := msg.(type) {
	case *epcwire.Call:
		s.dispatchCall(m)
	case *epcwire.MethodsQuery:
		s.dispatchMethods(m)
	case *epcwire.Return:
		if pc, ok := s.pending.take(m.ID); ok {
			pc.result.settle(m.Value, nil)
		} else {
			s.anomaly(m.ID, m.Tag())
		}
	case *epcwire.ReturnError:
		if pc, ok := s.pending.take(m.ID); ok {
			pc.result.settle(nil, &RemoteError{Method: pc.method, Detail: m.Desc})
		} else {
			s.anomaly(m.ID, m.Tag())
		}
	case *epcwire.EpcError:
		if pc, ok := s.pending.take(m.ID); ok {
			pc.result.settle(nil, &EpcError{Method: pc.method, Detail: m.Desc})
		} else {
			s.anomaly(m.ID, m.Tag())
		}
	}
	return nil
}

// dispatchMalformed applies the fault policy to a message that did not
// parse. With no recoverable id the stream cannot be trusted and the fault
// is fatal. With one, a broken response settles our own pending call, and
// anything else is answered with epc-error in the sender's id space; either
// way the session keeps serving.
func (s *Session) dispatchMalformed(err error) error {
	var perr *epcwire.ParseError
	if !errors.As(err, &perr) {
		return fmt.Errorf("epc: malformed message: %w", err)
	}
	if !perr.HasID {
		// Nothing to attribute the damage to, so nothing can be answered
		// and nothing local can be settled. The stream cannot be trusted
		// past this point.
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	ctx := logctx.WithRPCMessage(s.ctx, &logctx.RPCMessage{ID: perr.ID, Type: perr.Tag})
	switch perr.Tag {
	case epcwire.TagReturn, epcwire.TagReturnError, epcwire.TagEpcError:
		s.log.WarnContext(ctx, "malformed response", slog.String("reason", perr.Reason))
		if pc, ok := s.pending.take(perr.ID); ok {
			pc.result.settle(nil, &EpcError{Method: pc.method, Detail: sexp.String(perr.Reason)})
		} else {
			s.anomaly(perr.ID, perr.Tag)
		}
	default:
		s.log.WarnContext(ctx, "rejecting malformed message", slog.String("reason", perr.Reason))
		desc := perr.Reason
		if perr.Tag != "" {
			desc = perr.Tag + " message: " + perr.Reason
		}
		s.sendReply(ctx, &epcwire.EpcError{ID: perr.ID, Desc: sexp.String(desc)})
	}
	return nil
}

// dispatchCall admits the call through the handler semaphore and runs its
// handler on its own goroutine. Admission happens on the receive loop, so a
// saturated session stops reading rather than queueing without bound.
func (s *Session) dispatchCall(m *epcwire.Call) {
	ctx := logctx.WithRPCMessage(s.ctx, &logctx.RPCMessage{Method: m.Method, ID: m.ID, Type: epcwire.TagCall})
	method, ok := s.methods.lookup(m.Method)
	if !ok {
		s.log.WarnContext(ctx, "unknown method called")
		s.sendReply(ctx, &epcwire.ReturnError{ID: m.ID, Desc: sexp.String("unknown method: " + m.Method)})
		return
	}
	if err := s.handlerSem.Acquire(s.ctx, 1); err != nil {
		// Session is closing; the reply could not be written anyway.
		return
	}
	s.handlerWG.Add(1)
	go func() {
		defer s.handlerWG.Done()
		defer s.handlerSem.Release(1)
		s.invoke(ctx, method, m)
	}()
}

func (s *Session) dispatchMethods(m *epcwire.MethodsQuery) {
	ctx := logctx.WithRPCMessage(s.ctx, &logctx.RPCMessage{ID: m.ID, Type: epcwire.TagMethods})
	s.sendReply(ctx, &epcwire.Return{ID: m.ID, Value: s.methods.listing()})
}

// invoke runs one handler and writes its reply. A panic settles the call
// like an error return and the session keeps serving.
func (s *Session) invoke(ctx context.Context, method Method, m *epcwire.Call) {
	value, err := runHandler(ctx, method.Handler, m.Args)
	if err != nil {
		s.log.DebugContext(ctx, "handler failed", slog.String("err", err.Error()))
		s.sendReply(ctx, &epcwire.ReturnError{ID: m.ID, Desc: sexp.String(err.Error())})
		return
	}
	s.sendReply(ctx, &epcwire.Return{ID: m.ID, Value: value})
}

func runHandler(ctx context.Context, h HandlerFunc, args sexp.List) (v sexp.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, args)
}

func (s *Session) anomaly(id int64, tag string) {
	s.log.WarnContext(s.ctx, "response for unknown call id",
		slog.Int64("id", id), slog.String("type", tag))
}

// send encodes m and writes it as one whole frame under the write lock, so
// frames from concurrent senders never interleave on the wire.
func (s *Session) send(m epcwire.Message) error {
	body := sexp.Encode(m.Encode())
	if len(body) > s.cfg.MaxFrameSize {
		return fmt.Errorf("%w: message is %d bytes, limit %d",
			framing.ErrFrameTooLarge, len(body), s.cfg.MaxFrameSize)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if State(s.state.Load()) >= StateClosing {
		return ErrClosed
	}
	frame, err := framing.AppendFrame(s.wbuf[:0], body)
	if err != nil {
		return err
	}
	s.wbuf = frame
	if _, err := s.conn.Write(frame); err != nil {
		// A broken write means a broken stream. Tear the session down
		// rather than waiting for the read side to notice.
		werr := fmt.Errorf("epc: write: %w", err)
		go s.beginClose(werr)
		return werr
	}
	return nil
}

// sendReply writes a dispatch-originated message. A reply too large to
// frame is replaced by an epc-error for the same id: the caller's pending
// call must settle, and the substitute always fits. A transport failure is
// only logged; the broken write already started teardown, which fails
// every pending call.
func (s *Session) sendReply(ctx context.Context, m epcwire.Message) {
	err := s.send(m)
	if err == nil {
		return
	}
	if errors.Is(err, framing.ErrFrameTooLarge) {
		s.log.WarnContext(ctx, "reply too large to frame", slog.String("err", err.Error()))
		substitute := &epcwire.EpcError{ID: m.CallID(), Desc: sexp.String("result too large to frame")}
		if s.send(substitute) == nil {
			return
		}
	}
	s.log.DebugContext(ctx, "dropping reply", slog.String("err", err.Error()))
}

// parseMethodInfos reads a ((NAME ARGSPEC DOC) ...) listing.
func parseMethodInfos(v sexp.Value) ([]MethodInfo, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case sexp.Null:
		return nil, nil
	case sexp.List:
		out := make([]MethodInfo, 0, len(list))
		for _, item := range list {
			entry, ok := item.(sexp.List)
			if !ok || len(entry) == 0 {
				return nil, fmt.Errorf("epc: malformed methods listing entry: %s", sexp.Encode(item))
			}
			name, ok := entry[0].(sexp.Symbol)
			var info MethodInfo
			if ok {
				info.Name = string(name)
			} else if str, sok := entry[0].(sexp.String); sok {
				info.Name = string(str)
			} else {
				return nil, fmt.Errorf("epc: malformed method name: %s", sexp.Encode(entry[0]))
			}
			if len(entry) > 1 {
				info.ArgSpec = fieldText(entry[1])
			}
			if len(entry) > 2 {
				info.Doc = fieldText(entry[2])
			}
			out = append(out, info)
		}
		return out, nil
	}
	return nil, fmt.Errorf("epc: malformed methods listing: %s", sexp.Encode(v))
}

// fieldText renders a listing field: nil is empty, text is itself, and
// anything else (an elisp arglist, say) keeps its printed form.
func fieldText(v sexp.Value) string {
	switch f := v.(type) {
	case sexp.Null:
		return ""
	case sexp.String:
		return string(f)
	case sexp.Symbol:
		return string(f)
	case nil:
		return ""
	}
	return string(sexp.Encode(v))
}

func remoteAddr(conn io.ReadWriteCloser) string {
	if nc, ok := conn.(net.Conn); ok {
		if addr := nc.RemoteAddr(); addr != nil {
			return addr.String()
		}
	}
	return ""
}
