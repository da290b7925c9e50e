// Package transporttest provides in-memory transport doubles for tests: a scripted
// Driver that answers writes through a Responder, and a net.Pipe backed fake
// serial port.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/internal/util"
	"github.com/arloliu/go-instr/transport"
)

// Reply is what a scripted instrument does in response to one write.
type Reply struct {
	// Data is queued for reading, after Delay when set.
	Data  []byte
	Delay time.Duration
	// WriteErr fails the write itself; nothing is queued.
	WriteErr error
	// ReadErr fails the next read instead of queueing Data.
	ReadErr error
}

// Responder computes the reply to bytes written to addr.
type Responder func(addr address.Address, written []byte) Reply

// Write is one recorded write.
type Write struct {
	Address address.Address
	Data    []byte
	At      time.Time
}

// Driver is a scripted transport.Driver.
type Driver struct {
	medium  address.Medium
	respond Responder

	mu        sync.Mutex
	openDelay time.Duration
	openErrs  map[address.Address][]error
	onOpen    func(address.Address)
	opens     map[address.Address]int
	live      map[address.Address]int
	maxLive   map[address.Address]int
	writes    []Write
	handles   []*Handle
}

var _ transport.Driver = (*Driver)(nil)

// NewDriver creates a driver for medium answering writes with respond.
// A nil respond never replies.
func NewDriver(medium address.Medium, respond Responder) *Driver {
	if respond == nil {
		respond = func(address.Address, []byte) Reply { return Reply{} }
	}

	return &Driver{
		medium:   medium,
		respond:  respond,
		openErrs: make(map[address.Address][]error),
		opens:    make(map[address.Address]int),
		live:     make(map[address.Address]int),
		maxLive:  make(map[address.Address]int),
	}
}

// Medium returns the medium given to NewDriver.
func (d *Driver) Medium() address.Medium { return d.medium }

// SetOpenDelay makes every Open take d (bounded by ctx and the connect timeout).
func (d *Driver) SetOpenDelay(delay time.Duration) {
	d.mu.Lock()
	d.openDelay = delay
	d.mu.Unlock()
}

// FailOpens queues errors returned by the next opens of addr, one per Open.
func (d *Driver) FailOpens(addr address.Address, errs ...error) {
	d.mu.Lock()
	d.openErrs[addr] = append(d.openErrs[addr], errs...)
	d.mu.Unlock()
}

// OnOpen registers a hook called at the start of every Open.
func (d *Driver) OnOpen(fn func(address.Address)) {
	d.mu.Lock()
	d.onOpen = fn
	d.mu.Unlock()
}

// Open opens a scripted handle.
func (d *Driver) Open(ctx context.Context, addr address.Address, connectTimeout time.Duration) (transport.Handle, error) {
	d.mu.Lock()
	d.opens[addr]++
	delay := d.openDelay
	hook := d.onOpen
	var openErr error
	if errs := d.openErrs[addr]; len(errs) > 0 {
		openErr = errs[0]
		d.openErrs[addr] = errs[1:]
	}
	d.mu.Unlock()

	if hook != nil {
		hook(addr)
	}

	if delay > 0 {
		if connectTimeout > 0 && delay > connectTimeout {
			delay = connectTimeout
			openErr = transport.NewError(transport.ClassUnreachable, "open", addr.String(), context.DeadlineExceeded)
		}

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	if openErr != nil {
		return nil, openErr
	}

	h := &Handle{driver: d, addr: addr, notify: make(chan struct{}, 1)}

	d.mu.Lock()
	d.live[addr]++
	if d.live[addr] > d.maxLive[addr] {
		d.maxLive[addr] = d.live[addr]
	}
	d.handles = append(d.handles, h)
	d.mu.Unlock()

	return h, nil
}

// Opens returns how many times Open was called for addr.
func (d *Driver) Opens(addr address.Address) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.opens[addr]
}

// Live returns the number of handles for addr not yet closed.
func (d *Driver) Live(addr address.Address) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.live[addr]
}

// MaxLive returns the highest number of simultaneously open handles seen for addr.
func (d *Driver) MaxLive(addr address.Address) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.maxLive[addr]
}

// Writes returns every write in the order the driver received them.
func (d *Driver) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Write, len(d.writes))
	copy(out, d.writes)

	return out
}

// WrittenStrings returns the payloads written to addr, in order.
func (d *Driver) WrittenStrings(addr address.Address) []string {
	var out []string
	for _, w := range d.Writes() {
		if w.Address == addr {
			out = append(out, string(w.Data))
		}
	}

	return out
}

// Handles returns every handle opened so far.
func (d *Driver) Handles() []*Handle {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Handle, len(d.handles))
	copy(out, d.handles)

	return out
}

// Handle is a scripted transport.Handle.
type Handle struct {
	driver *Driver
	addr   address.Address
	notify chan struct{}

	mu      sync.Mutex
	inbox   []byte
	readErr error
	closed  bool
	clears  int
}

var (
	_ transport.Handle  = (*Handle)(nil)
	_ transport.Clearer = (*Handle)(nil)
)

// Address returns the address the handle was opened for.
func (h *Handle) Address() address.Address { return h.addr }

// Write records p and schedules the responder's reply.
func (h *Handle) Write(p []byte, _ time.Duration) error {
	resource := h.addr.String()

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return transport.NewError(transport.ClassUnreachable, "write", resource, transport.ErrHandleClosed)
	}

	data := util.CloneSlice(p, 0)

	h.driver.mu.Lock()
	h.driver.writes = append(h.driver.writes, Write{Address: h.addr, Data: data, At: time.Now()})
	h.driver.mu.Unlock()

	r := h.driver.respond(h.addr, data)
	if r.WriteErr != nil {
		return r.WriteErr
	}

	switch {
	case r.ReadErr != nil:
		h.mu.Lock()
		h.readErr = r.ReadErr
		h.mu.Unlock()
		h.signal()
	case len(r.Data) > 0 && r.Delay > 0:
		reply := util.CloneSlice(r.Data, 0)
		h.mu.Lock()
		gen := h.clears
		h.mu.Unlock()
		time.AfterFunc(r.Delay, func() {
			// a device clear aborts replies still in flight
			h.mu.Lock()
			aborted := h.clears != gen
			h.mu.Unlock()
			if !aborted {
				h.Inject(reply)
			}
		})
	case len(r.Data) > 0:
		h.Inject(r.Data)
	}

	return nil
}

// Inject queues unsolicited bytes for reading.
func (h *Handle) Inject(data []byte) {
	h.mu.Lock()
	h.inbox = append(h.inbox, data...)
	h.mu.Unlock()
	h.signal()
}

func (h *Handle) signal() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Read returns queued bytes, waiting up to timeout for the first one.
func (h *Handle) Read(max int, timeout time.Duration) ([]byte, error) {
	resource := h.addr.String()
	if max <= 0 {
		max = 1
	}

	t := time.NewTimer(transport.EffectiveTimeout(timeout))
	defer t.Stop()

	for {
		h.mu.Lock()
		switch {
		case h.closed:
			h.mu.Unlock()
			return nil, transport.NewError(transport.ClassUnreachable, "read", resource, transport.ErrHandleClosed)
		case h.readErr != nil:
			err := h.readErr
			h.readErr = nil
			h.mu.Unlock()

			return nil, err
		case len(h.inbox) > 0:
			n := min(max, len(h.inbox))
			out := util.CloneSlice(h.inbox[:n], 0)
			h.inbox = h.inbox[n:]
			h.mu.Unlock()

			return out, nil
		}
		h.mu.Unlock()

		select {
		case <-h.notify:
		case <-t.C:
			return nil, transport.NewError(transport.ClassTimeout, "read", resource, nil)
		}
	}
}

// Clear drops queued input and aborts delayed replies not yet delivered.
func (h *Handle) Clear(time.Duration) error {
	h.mu.Lock()
	h.inbox = nil
	h.clears++
	h.mu.Unlock()

	return nil
}

// Clears returns how many times Clear was called.
func (h *Handle) Clears() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.clears
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closed
}

// Close marks the handle closed once.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	h.signal()

	h.driver.mu.Lock()
	h.driver.live[h.addr]--
	h.driver.mu.Unlock()

	return nil
}
