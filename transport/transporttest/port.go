package transporttest

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	bugst "go.bug.st/serial"
)

// PipePort is a fake go.bug.st/serial port backed by one end of net.Pipe().
// The other end, returned by NewPipePort, plays the device.
type PipePort struct {
	conn net.Conn

	mu          sync.Mutex
	mode        *bugst.Mode
	readTimeout time.Duration
	resetIn     int
	resetOut    int
	closed      bool
}

var _ bugst.Port = (*PipePort)(nil)

// NewPipePort returns the fake port and the device end of the pipe.
func NewPipePort(mode *bugst.Mode) (*PipePort, net.Conn) {
	local, remote := net.Pipe()

	return &PipePort{conn: local, mode: mode, readTimeout: bugst.NoTimeout}, remote
}

// Opener returns an open func handing out p for every path.
func (p *PipePort) Opener() func(string, *bugst.Mode) (bugst.Port, error) {
	return func(_ string, mode *bugst.Mode) (bugst.Port, error) {
		p.mu.Lock()
		p.mode = mode
		p.mu.Unlock()

		return p, nil
	}
}

// Mode returns the mode the port was last opened or configured with.
func (p *PipePort) Mode() *bugst.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.mode
}

func (p *PipePort) SetMode(mode *bugst.Mode) error {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()

	return nil
}

// Read follows go.bug.st/serial semantics: a read timeout yields (0, nil).
func (p *PipePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.readTimeout
	p.mu.Unlock()

	if timeout == bugst.NoTimeout {
		_ = p.conn.SetReadDeadline(time.Time{})
	} else {
		_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	}

	n, err := p.conn.Read(b)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}

	return n, err
}

func (p *PipePort) Write(b []byte) (int, error) { return p.conn.Write(b) }

func (p *PipePort) Drain() error { return nil }

func (p *PipePort) ResetInputBuffer() error {
	p.mu.Lock()
	p.resetIn++
	p.mu.Unlock()

	return nil
}

func (p *PipePort) ResetOutputBuffer() error {
	p.mu.Lock()
	p.resetOut++
	p.mu.Unlock()

	return nil
}

// Resets returns how many times the input and output buffers were reset.
func (p *PipePort) Resets() (in, out int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.resetIn, p.resetOut
}

func (p *PipePort) SetDTR(bool) error { return nil }

func (p *PipePort) SetRTS(bool) error { return nil }

func (p *PipePort) GetModemStatusBits() (*bugst.ModemStatusBits, error) {
	return &bugst.ModemStatusBits{}, nil
}

func (p *PipePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.readTimeout = t
	p.mu.Unlock()

	return nil
}

func (p *PipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	return p.conn.Close()
}

// Closed reports whether Close was called.
func (p *PipePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

func (p *PipePort) Break(time.Duration) error { return nil }
