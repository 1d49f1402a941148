package epc_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/pawciobiel/go-epc/epc"
	"github.com/pawciobiel/go-epc/epctest"
	"github.com/pawciobiel/go-epc/internal/framing"
	"github.com/pawciobiel/go-epc/sexp"
)

func sumHandler(_ context.Context, args sexp.List) (sexp.Value, error) {
	var sum int64
	for _, a := range args {
		n, ok := a.(sexp.Int)
		if !ok {
			return nil, fmt.Errorf("not a number: %s", sexp.Encode(a))
		}
		sum += int64(n)
	}
	return sexp.Int(sum), nil
}

func TestSplitFrameDelivery(t *testing.T) {
	t.Parallel()
	sess, raw := epctest.Conn(t)
	sess.Serve("add", sumHandler, "Sum integer arguments.")

	frame := epctest.Frame(t, "(call 7 add (1 2 3))")
	for _, b := range frame {
		epctest.WriteRaw(t, raw, []byte{b})
	}
	if got := epctest.ReadFrame(t, raw); got != "(return 7 6)" {
		t.Fatalf("reply = %q, want (return 7 6)", got)
	}
}

func TestCoalescedFrameDelivery(t *testing.T) {
	t.Parallel()
	sess, raw := epctest.Conn(t, epc.WithHandlerConcurrency(1))
	sess.Serve("add", sumHandler, "")

	var batch []byte
	batch = append(batch, epctest.Frame(t, "(call 8 add (1 2))")...)
	batch = append(batch, epctest.Frame(t, "(call 9 add (5 5))")...)
	epctest.WriteRaw(t, raw, batch)

	if got := epctest.ReadFrame(t, raw); got != "(return 8 3)" {
		t.Fatalf("first reply = %q", got)
	}
	if got := epctest.ReadFrame(t, raw); got != "(return 9 10)" {
		t.Fatalf("second reply = %q", got)
	}
}

func TestConcurrentCallIDsUnique(t *testing.T) {
	t.Parallel()
	sess, raw := epctest.Conn(t)
	const k = 32
	type outcome struct {
		i   int
		v   sexp.Value
		err error
	}
	ctx := testContext(t)
	outcomes := make(chan outcome, k)
	for i := 0; i < k; i++ {
		go func(i int) {
			v, err := sess.Call(ctx, "mul", sexp.Int(int64(i)))
			outcomes <- outcome{i, v, err}
		}(i)
	}

	seen := make(map[int64]bool, k)
	for n := 0; n < k; n++ {
		body := epctest.ReadFrame(t, raw)
		v, err := sexp.Decode([]byte(body))
		if err != nil {
			t.Fatalf("Decode(%q): %v", body, err)
		}
		list, ok := v.(sexp.List)
		if !ok || len(list) != 4 {
			t.Fatalf("call shape: %s", body)
		}
		id, ok := list[1].(sexp.Int)
		if !ok {
			t.Fatalf("call id: %s", body)
		}
		if seen[int64(id)] {
			t.Fatalf("call id %d reused", int64(id))
		}
		seen[int64(id)] = true
		args, ok := list[3].(sexp.List)
		if !ok || len(args) != 1 {
			t.Fatalf("call args: %s", body)
		}
		arg, ok := args[0].(sexp.Int)
		if !ok {
			t.Fatalf("call arg: %s", body)
		}
		epctest.WriteFrame(t, raw, fmt.Sprintf("(return %d %d)", int64(id), 2*int64(arg)))
	}
	for id := int64(1); id <= k; id++ {
		if !seen[id] {
			t.Fatalf("id %d never issued; ids allocate densely from 1", id)
		}
	}
	for n := 0; n < k; n++ {
		oc := <-outcomes
		if oc.err != nil {
			t.Fatalf("call %d: %v", oc.i, oc.err)
		}
		if !sexp.Equal(oc.v, sexp.Int(int64(2*oc.i))) {
			t.Fatalf("call %d = %s, replies crossed", oc.i, sexp.Encode(oc.v))
		}
	}
}

func TestDuplicateResponseDropped(t *testing.T) {
	t.Parallel()
	sess, raw := epctest.Conn(t)
	rch := make(chan *epc.Result, 1)
	go func() { rch <- sess.Go("solo") }()
	if got := epctest.ReadFrame(t, raw); got != "(call 1 solo nil)" {
		t.Fatalf("call frame = %q", got)
	}
	r := <-rch

	epctest.WriteFrame(t, raw, "(return 1 42)")
	v, err := r.Wait(testContext(t))
	if err != nil || !sexp.Equal(v, sexp.Int(42)) {
		t.Fatalf("result = %v, %v", v, err)
	}

	// A second answer for the same id is dropped and the session keeps
	// serving.
	epctest.WriteFrame(t, raw, "(return 1 99)")
	epctest.WriteFrame(t, raw, "(call 9 nothing nil)")
	if got := epctest.ReadFrame(t, raw); got != `(return-error 9 "unknown method: nothing")` {
		t.Fatalf("follow-up reply = %q", got)
	}
	if got := sess.State(); got != epc.StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	if v, _ := r.Wait(context.Background()); !sexp.Equal(v, sexp.Int(42)) {
		t.Fatalf("first answer displaced: %s", sexp.Encode(v))
	}
}

func TestPeerReturnErrorSettlesCall(t *testing.T) {
	t.Parallel()
	sess, raw := epctest.Conn(t)
	rch := make(chan *epc.Result, 1)
	go func() { rch <- sess.Go("risky", sexp.String("x")) }()
	if got := epctest.ReadFrame(t, raw); got != `(call 1 risky ("x"))` {
		t.Fatalf("call frame = %q", got)
	}
	r := <-rch

	epctest.WriteFrame(t, raw, `(return-error 1 "nope")`)
	_, err := r.Wait(testContext(t))
	var rerr *epc.RemoteError
	if !errors.As(err, &rerr) {
		t.Fatalf("result = %v, want *RemoteError", err)
	}
	if rerr.Method != "risky" || !sexp.Equal(rerr.Detail, sexp.String("nope")) {
		t.Fatalf("RemoteError = %+v", rerr)
	}
	if got := sess.State(); got != epc.StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestPeerEpcErrorSettlesCall(t *testing.T) {
	t.Parallel()
	sess, raw := epctest.Conn(t)
	rch := make(chan *epc.Result, 1)
	go func() { rch <- sess.Go("risky") }()
	_ = epctest.ReadFrame(t, raw)
	r := <-rch

	epctest.WriteFrame(t, raw, "(epc-error 1 (no-such-method risky))")
	_, err := r.Wait(testContext(t))
	var eerr *epc.EpcError
	if !errors.As(err, &eerr) {
		t.Fatalf("result = %v, want *EpcError", err)
	}
	if eerr.Method != "risky" {
		t.Fatalf("EpcError.Method = %q", eerr.Method)
	}
	want := sexp.List{sexp.Symbol("no-such-method"), sexp.Symbol("risky")}
	if !sexp.Equal(eerr.Detail, want) {
		t.Fatalf("EpcError.Detail = %s", sexp.Encode(eerr.Detail))
	}
}

func TestMalformedResponseSettlesPending(t *testing.T) {
	t.Parallel()
	sess, raw := epctest.Conn(t)
	rch := make(chan *epc.Result, 1)
	go func() { rch <- sess.Go("solo") }()
	_ = epctest.ReadFrame(t, raw)
	r := <-rch

	epctest.WriteFrame(t, raw, "(return 1)")
	_, err := r.Wait(testContext(t))
	var eerr *epc.EpcError
	if !errors.As(err, &eerr) {
		t.Fatalf("result = %v, want *EpcError", err)
	}
	if eerr.Method != "solo" {
		t.Fatalf("EpcError.Method = %q", eerr.Method)
	}
	if !strings.Contains(err.Error(), "want 3 elements") {
		t.Fatalf("error %q does not carry the parse reason", err)
	}
	if got := sess.State(); got != epc.StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestMalformedCallRepliesEpcError(t *testing.T) {
	t.Parallel()
	sess, raw := epctest.Conn(t)
	epctest.WriteFrame(t, raw, "(call 5 9 nil)")
	got := epctest.ReadFrame(t, raw)
	if !strings.HasPrefix(got, "(epc-error 5 ") {
		t.Fatalf("reply = %q, want epc-error for id 5", got)
	}
	if !strings.Contains(got, "method name") {
		t.Fatalf("reply %q does not describe the fault", got)
	}
	// The description is for the peer; package naming stays on our side.
	if strings.Contains(got, "epcwire") {
		t.Fatalf("reply %q leaks internal naming", got)
	}
	if got := sess.State(); got != epc.StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestUnknownTagWithIDContinues(t *testing.T) {
	t.Parallel()
	sess, raw := epctest.Conn(t)
	sess.Serve("ping", stringHandler("pong"), "")

	epctest.WriteFrame(t, raw, "(bogus 7)")
	got := epctest.ReadFrame(t, raw)
	if !strings.HasPrefix(got, "(epc-error 7 ") {
		t.Fatalf("reply = %q, want epc-error for id 7", got)
	}
	epctest.WriteFrame(t, raw, "(call 8 ping nil)")
	if got := epctest.ReadFrame(t, raw); got != `(return 8 "pong")` {
		t.Fatalf("follow-up reply = %q", got)
	}
}

func TestUnattributableMessageFatal(t *testing.T) {
	t.Parallel()
	for _, body := range []string{"(bogus)", "(call)", `(return "x" 1)`, "42"} {
		body := body
		t.Run(body, func(t *testing.T) {
			t.Parallel()
			sess, raw := epctest.Conn(t)
			epctest.WriteFrame(t, raw, body)
			if err := sess.Wait(); !errors.Is(err, epc.ErrProtocolViolation) {
				t.Fatalf("Wait = %v, want ErrProtocolViolation", err)
			}
			if got := sess.State(); got != epc.StateClosed {
				t.Fatalf("state = %v, want closed", got)
			}
		})
	}
}

func TestUndecodableFrameFatal(t *testing.T) {
	t.Parallel()
	sess, raw := epctest.Conn(t)
	epctest.WriteFrame(t, raw, "(((")
	err := sess.Wait()
	var derr *sexp.DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("Wait = %v, want *sexp.DecodeError", err)
	}
	if got := sess.State(); got != epc.StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestBadHeaderFatal(t *testing.T) {
	t.Parallel()
	sess, raw := epctest.Conn(t)
	epctest.WriteRaw(t, raw, []byte("xxxxxx"))
	if err := sess.Wait(); !errors.Is(err, framing.ErrHeader) {
		t.Fatalf("Wait = %v, want ErrHeader", err)
	}
}

func TestOversizedDeclarationFatal(t *testing.T) {
	t.Parallel()
	sess, raw := epctest.Conn(t, epc.WithMaxFrameSize(64))
	rch := make(chan *epc.Result, 1)
	go func() { rch <- sess.Go("q") }()
	_ = epctest.ReadFrame(t, raw)
	r := <-rch

	// The header alone condemns the frame; no body follows.
	epctest.WriteRaw(t, raw, []byte("000100"))
	if err := sess.Wait(); !errors.Is(err, framing.ErrFrameTooLarge) {
		t.Fatalf("Wait = %v, want ErrFrameTooLarge", err)
	}
	if _, err := r.Wait(context.Background()); !errors.Is(err, epc.ErrClosed) {
		t.Fatalf("pending result = %v, want ErrClosed", err)
	}
}

func TestDisconnectFailsPending(t *testing.T) {
	t.Parallel()
	sess, raw := epctest.Conn(t)
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := raw.Read(buf); err != nil {
				return
			}
		}
	}()

	results := make([]*epc.Result, 5)
	for i := range results {
		results[i] = sess.Go("q", sexp.Int(int64(i)))
	}
	if err := raw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Wait(); err != nil {
		t.Fatalf("Wait after peer disconnect = %v, want nil", err)
	}
	for i, r := range results {
		if _, err := r.Wait(context.Background()); !errors.Is(err, epc.ErrClosed) {
			t.Fatalf("result %d = %v, want ErrClosed", i, err)
		}
	}
	if got := sess.State(); got != epc.StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestMethodsReplyWire(t *testing.T) {
	t.Parallel()
	sess, raw := epctest.Conn(t)

	epctest.WriteFrame(t, raw, "(methods 3)")
	if got := epctest.ReadFrame(t, raw); got != "(return 3 nil)" {
		t.Fatalf("empty listing = %q", got)
	}

	sess.ServeMethod(epc.Method{
		Name:    "echo",
		Handler: echoHandler,
		ArgSpec: "(&rest args)",
		Doc:     "Return arguments unchanged.",
	})
	epctest.WriteFrame(t, raw, "(methods 4)")
	want := `(return 4 ((echo "(&rest args)" "Return arguments unchanged.")))`
	if got := epctest.ReadFrame(t, raw); got != want {
		t.Fatalf("listing = %q, want %q", got, want)
	}
}

func TestMethodsQueryWire(t *testing.T) {
	t.Parallel()
	sess, raw := epctest.Conn(t)
	type result struct {
		infos []epc.MethodInfo
		err   error
	}
	ctx := testContext(t)
	rch := make(chan result, 1)
	go func() {
		infos, err := sess.Methods(ctx)
		rch <- result{infos, err}
	}()
	if got := epctest.ReadFrame(t, raw); got != "(methods 1)" {
		t.Fatalf("query frame = %q", got)
	}
	epctest.WriteFrame(t, raw, `(return 1 ((add (a b) "Add two integers.") (ping)))`)

	res := <-rch
	if res.err != nil {
		t.Fatalf("Methods: %v", res.err)
	}
	want := []epc.MethodInfo{
		{Name: "add", ArgSpec: "(a b)", Doc: "Add two integers."},
		{Name: "ping"},
	}
	if len(res.infos) != len(want) {
		t.Fatalf("Methods = %+v", res.infos)
	}
	for i := range want {
		if res.infos[i] != want[i] {
			t.Errorf("method %d = %+v, want %+v", i, res.infos[i], want[i])
		}
	}
}
