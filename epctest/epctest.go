// Package epctest provides in-process plumbing for exercising EPC sessions
// end to end without a network: session pairs joined by an in-memory pipe,
// and raw-wire helpers for driving a session byte for byte.
package epctest

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pawciobiel/go-epc/epc"
	"github.com/pawciobiel/go-epc/internal/framing"
)

// wireTimeout guards the raw-wire helpers against a session that never
// answers.
const wireTimeout = 5 * time.Second

// Pair returns two open sessions joined end to end, both built with opts.
// Cleanup closes both and waits for full termination.
func Pair(t testing.TB, opts ...epc.Option) (*epc.Session, *epc.Session) {
	t.Helper()
	c1, c2 := net.Pipe()
	a := epc.Connect(c1, opts...)
	b := epc.Connect(c2, opts...)
	t.Cleanup(func() {
		a.Close()
		b.Close()
		<-a.Done()
		<-b.Done()
	})
	return a, b
}

// Conn connects a session over one end of an in-memory pipe and hands back
// the other end raw, so a test can play the peer on the wire itself.
func Conn(t testing.TB, opts ...epc.Option) (*epc.Session, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	sess := epc.Connect(local, opts...)
	t.Cleanup(func() {
		sess.Close()
		remote.Close()
		<-sess.Done()
	})
	return sess, remote
}

// Frame returns body wrapped in its wire framing.
func Frame(t testing.TB, body string) []byte {
	t.Helper()
	frame, err := framing.AppendFrame(nil, []byte(body))
	if err != nil {
		t.Fatalf("frame %q: %v", body, err)
	}
	return frame
}

// WriteFrame frames body and writes it to conn in one piece.
func WriteFrame(t testing.TB, conn net.Conn, body string) {
	t.Helper()
	WriteRaw(t, conn, Frame(t, body))
}

// WriteRaw writes p to conn verbatim, framing and all.
func WriteRaw(t testing.TB, conn net.Conn, p []byte) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(wireTimeout))
	if _, err := conn.Write(p); err != nil {
		t.Fatalf("write %d bytes: %v", len(p), err)
	}
}

// ReadFrame reads one complete frame from conn and returns its body.
func ReadFrame(t testing.TB, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(wireTimeout))
	var hdr [6]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	n, err := strconv.ParseUint(string(hdr[:]), 16, 32)
	if err != nil {
		t.Fatalf("frame header %q: %v", hdr, err)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read %d-byte frame body: %v", n, err)
	}
	return string(body)
}
