// Package epc implements the EPC remote procedure call protocol: symmetric,
// peer-to-peer RPC over a single ordered byte stream, speaking the
// s-expression wire dialect Emacs clients use.
//
// The protocol has no client/server role split. Each end of a connection is
// a Session that both serves registered methods to its peer and issues calls
// of its own. Wrap any connected io.ReadWriteCloser:
//
//	sess := epc.Connect(conn)
//	sess.Serve("echo", func(ctx context.Context, args sexp.List) (sexp.Value, error) {
//		return args, nil
//	}, "Return arguments unchanged.")
//	reply, err := sess.Call(ctx, "add", sexp.Int(1), sexp.Int(2))
//
// Server adds the listening side of the usual deployment: it accepts
// connections, attaches a Session to each, and announces its port on stdout
// for the process that spawned it.
//
// Concurrency: one goroutine reads and dispatches frames per session,
// handlers run on their own bounded goroutines, and whole frames are written
// atomically, so method replies never interleave on the wire. A handler that
// fails or panics fails only its own call.
package epc
