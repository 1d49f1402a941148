// Package framing reads and writes the length-prefixed frames the protocol
// layers on top of its byte stream. A frame is a 6-digit ASCII hex header
// giving the body length, immediately followed by the body. The header is
// written in lowercase and accepted in either case.
package framing

import (
	"errors"
	"fmt"
)

// MaxBody is the largest body length the 6-digit header can express.
const MaxBody = 0xFFFFFF

const headerLen = 6

var (
	// ErrHeader reports a header byte that is not an ASCII hex digit. The
	// stream offers no way to resynchronize, so the error is terminal.
	ErrHeader = errors.New("framing: malformed frame header")

	// ErrFrameTooLarge reports a body length beyond the configured limit,
	// either declared by an incoming header or requested of AppendFrame.
	ErrFrameTooLarge = errors.New("framing: frame exceeds size limit")
)

const hexDigits = "0123456789abcdef"

// AppendFrame appends a complete frame for body to dst and returns the
// extended slice. It fails only when body exceeds MaxBody.
func AppendFrame(dst, body []byte) ([]byte, error) {
	if len(body) > MaxBody {
		return dst, fmt.Errorf("%w: body is %d bytes, limit %d", ErrFrameTooLarge, len(body), MaxBody)
	}
	var hdr [headerLen]byte
	n := len(body)
	for i := headerLen - 1; i >= 0; i-- {
		hdr[i] = hexDigits[n&0xF]
		n >>= 4
	}
	dst = append(dst, hdr[:]...)
	return append(dst, body...), nil
}

// Decoder is a push parser for the frame stream. Bytes arrive via Feed in
// whatever pieces the transport delivers them; Next yields complete frame
// bodies one at a time. The zero value is ready to use.
//
// Decoder is not safe for concurrent use, and a body returned by Next is
// valid only until the next call to Feed or Next.
type Decoder struct {
	// MaxFrameSize caps the body length a header may declare. Zero means
	// MaxBody, the protocol ceiling.
	MaxFrameSize int

	buf []byte
	off int
	err error
}

// Feed appends transport bytes to the decoder's buffer.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame body. ok is false when the buffered
// bytes do not yet form a whole frame; feed more and call again. A non-nil
// error means the stream is corrupt and the decoder will return the same
// error from every subsequent call.
func (d *Decoder) Next() (body []byte, ok bool, err error) {
	if d.err != nil {
		return nil, false, d.err
	}
	pending := d.buf[d.off:]
	if len(pending) < headerLen {
		return nil, false, nil
	}
	n, err := parseHeader(pending[:headerLen])
	if err != nil {
		d.err = err
		return nil, false, err
	}
	if limit := d.limit(); n > limit {
		d.err = fmt.Errorf("%w: header declares %d bytes, limit %d", ErrFrameTooLarge, n, limit)
		return nil, false, d.err
	}
	if len(pending) < headerLen+n {
		return nil, false, nil
	}
	d.off += headerLen + n
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	return pending[headerLen : headerLen+n], true, nil
}

// Buffered reports how many fed bytes await consumption.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

func (d *Decoder) limit() int {
	if d.MaxFrameSize > 0 {
		return d.MaxFrameSize
	}
	return MaxBody
}

func parseHeader(h []byte) (int, error) {
	n := 0
	for _, c := range h {
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'a' && c <= 'f':
			v = int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v = int(c-'A') + 10
		default:
			return 0, fmt.Errorf("%w: %q", ErrHeader, h)
		}
		n = n<<4 | v
	}
	return n, nil
}
