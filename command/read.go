package command

import (
	"bytes"
	"errors"
	"strconv"
	"time"

	"github.com/arloliu/go-instr/catalog"
	"github.com/arloliu/go-instr/internal/pool"
	"github.com/arloliu/go-instr/internal/util"
	"github.com/arloliu/go-instr/transport"
)

// blockTrailerGrace bounds the wait for the terminator that follows a definite-length block.
const blockTrailerGrace = 50 * time.Millisecond

// frameReader accumulates bytes from a transport handle under one overall deadline.
type frameReader struct {
	th       transport.Handle
	cmd      string
	resource string
	deadline time.Time
	limit    int
	buf      []byte
}

func newFrameReader(th transport.Handle, cmd, resource string, timeout time.Duration, limit int) *frameReader {
	return &frameReader{
		th:       th,
		cmd:      cmd,
		resource: resource,
		deadline: time.Now().Add(timeout),
		limit:    limit,
	}
}

// fill appends at least one byte or fails. A timeout carries the bytes read so far.
func (r *frameReader) fill(want int, deadline time.Time) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return r.timeout(nil)
	}

	data, err := r.th.Read(max(want, 1), remaining)
	if len(data) > 0 {
		r.buf = append(r.buf, data...)
	}
	if err != nil {
		if c, ok := transport.ClassOf(err); ok && c == transport.ClassTimeout {
			return r.timeout(err)
		}

		return err
	}
	if r.limit > 0 && len(r.buf) > r.limit {
		return malformed(r.cmd, r.buf, "response exceeds %d bytes", r.limit)
	}

	return nil
}

func (r *frameReader) timeout(cause error) error {
	var te *transport.Error
	if errors.As(cause, &te) {
		cause = te.Err
	}

	e := transport.NewError(transport.ClassTimeout, "read", r.resource, cause)
	e.Partial = util.CloneSlice(r.buf, 0)

	return e
}

// untilTerminator reads until term appears and returns the bytes before it.
func (r *frameReader) untilTerminator(term string, from int) ([]byte, error) {
	t := []byte(term)
	for {
		if i := bytes.Index(r.buf[from:], t); i >= 0 {
			return r.buf[from : from+i], nil
		}
		if err := r.fill(pool.ReadBufferSize, r.deadline); err != nil {
			return nil, err
		}
	}
}

// atLeast reads until the buffer holds n bytes.
func (r *frameReader) atLeast(n int) error {
	for len(r.buf) < n {
		if err := r.fill(min(n-len(r.buf), pool.ReadBufferSize), r.deadline); err != nil {
			return err
		}
	}

	return nil
}

// block reads an IEEE 488.2 arbitrary block: "#<n><len digits><payload>" (definite) or
// "#0<payload><terminator>" (indefinite).
func (r *frameReader) block(term string) ([]byte, error) {
	start := 0
	for {
		if err := r.atLeast(start + 1); err != nil {
			return nil, err
		}
		c := r.buf[start]
		if c != ' ' && c != '\t' && c != '\r' && c != '\n' {
			break
		}
		start++
	}
	if r.buf[start] != '#' {
		return nil, malformed(r.cmd, r.buf, "block header does not start with '#'")
	}

	if err := r.atLeast(start + 2); err != nil {
		return nil, err
	}
	nd := r.buf[start+1]
	if nd < '0' || nd > '9' {
		return nil, malformed(r.cmd, r.buf, "block header digit count %q is not a digit", nd)
	}

	if nd == '0' {
		payload, err := r.untilTerminator(term, start+2)
		if err != nil {
			return nil, err
		}

		return payload, nil
	}

	digits := int(nd - '0')
	head := start + 2 + digits
	if err := r.atLeast(head); err != nil {
		return nil, err
	}
	size, err := strconv.Atoi(string(r.buf[start+2 : head]))
	if err != nil || size < 0 {
		return nil, malformed(r.cmd, r.buf, "block length %q is not a number", r.buf[start+2:head])
	}
	if r.limit > 0 && size > r.limit {
		return nil, malformed(r.cmd, r.buf, "block length %d exceeds %d bytes", size, r.limit)
	}

	end := head + size
	if err := r.atLeast(end); err != nil {
		return nil, err
	}

	// consume the trailing terminator when it arrives promptly
	grace := time.Now().Add(blockTrailerGrace)
	if r.deadline.Before(grace) {
		grace = r.deadline
	}
	for len(r.buf) < end+len(term) {
		if r.fill(len(term), grace) != nil {
			break
		}
	}

	return r.buf[head:end], nil
}

// readResponse reads one response framed for spec.
func readResponse(th transport.Handle, spec *catalog.CommandSpec, enc catalog.Encoding, resource string, timeout time.Duration) ([]byte, []byte, error) {
	r := newFrameReader(th, spec.Name, resource, timeout, enc.MaxResponse)

	var (
		body []byte
		err  error
	)
	if spec.Response.Shape == catalog.ShapeBlock {
		body, err = r.block(enc.ReadTerminator)
	} else {
		body, err = r.untilTerminator(enc.ReadTerminator, 0)
	}

	return r.buf, body, err
}
