package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/diag"
	"github.com/arloliu/go-instr/internal/queue"
	"github.com/arloliu/go-instr/transport"
)

// Exchange is one unit of work run against the session's transport handle.
type Exchange func(h transport.Handle) error

type job struct {
	ctx     context.Context //nolint:containedctx
	fn      Exchange
	done    chan error
	started bool
}

// Session owns the transport handle of one address and runs its exchanges in FIFO order
// on a single worker goroutine.
type Session struct {
	id   string
	addr address.Address
	mgr  *Manager

	state atomicState

	// ready is closed once Opening resolves; openErr is set before that.
	ready   chan struct{}
	openErr error
	handle  transport.Handle

	mu       sync.Mutex
	refs     int
	invalid  bool
	idle     *time.Timer
	idleGen  uint64
	jobs     queue.Queue[*job]
	openedAt time.Time
	lastUsed time.Time

	wake       chan struct{}
	done       chan struct{}
	workerDone chan struct{}
	exchanges  atomic.Uint64
}

func newSession(m *Manager, addr address.Address) *Session {
	return &Session{
		id:         uuid.NewString(),
		addr:       addr,
		mgr:        m,
		ready:      make(chan struct{}),
		jobs:       queue.NewSliceQueue[*job](DefaultQueuePrealloc),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}
}

// ID returns the unique session identifier.
func (s *Session) ID() string { return s.id }

// Address returns the session address.
func (s *Session) Address() address.Address { return s.addr }

// State returns the current session state.
func (s *Session) State() State { return s.state.Get() }

func (s *Session) transition(from, to State, cause error) {
	s.mgr.logger.Debug("session state changed", "address", s.addr, "session_id", s.id, "from", from, "to", to)

	e := diag.Event{
		Kind:      diag.KindSessionState,
		Address:   s.addr.String(),
		SessionID: s.id,
		Detail:    from.String() + "->" + to.String(),
	}
	if c, ok := transport.ClassOf(cause); ok {
		e.Class = c.String()
	}
	s.mgr.bus.Publish(e)
}

func (s *Session) toOpen() bool {
	if !s.state.toOpen() {
		return false
	}
	s.transition(StateOpening, StateOpen, nil)

	return true
}

func (s *Session) toClosing() (State, bool) {
	from := s.state.Get()
	if !s.state.toClosing() {
		return from, false
	}
	s.transition(from, StateClosing, nil)

	return from, true
}

func (s *Session) toFaulted(cause error) (State, bool) {
	from := s.state.Get()
	if !s.state.toFaulted() {
		return from, false
	}
	s.transition(from, StateFaulted, cause)

	return from, true
}

func (s *Session) toClosed() {
	from := s.state.Get()
	if from == StateClosed {
		return
	}
	if s.state.toClosed() {
		s.transition(from, StateClosed, nil)
	}
}

// invalidate marks the session unusable and returns the jobs that never started.
// It reports false when the session was already invalid.
func (s *Session) invalidate() ([]*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invalid {
		return nil, false
	}
	s.invalid = true
	s.stopIdleLocked()

	return s.jobs.Drain(), true
}

func (s *Session) isInvalid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.invalid
}

func (s *Session) stopIdleLocked() {
	s.idleGen++
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
}

// retain adds a reference; it fails on an invalidated session.
func (s *Session) retain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invalid {
		return false
	}
	s.refs++
	s.stopIdleLocked()

	return true
}

// release drops a reference, arming the idle timer when it was the last one.
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs > 0 {
		s.refs--
	}
	if s.refs > 0 || s.invalid || s.mgr.idleTimeout <= 0 {
		return
	}

	s.stopIdleLocked()
	gen := s.idleGen
	s.idle = time.AfterFunc(s.mgr.idleTimeout, func() { s.mgr.expire(s, gen) })
}

// idleExpired reports whether the idle timer of generation gen is still current.
func (s *Session) idleExpired(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.invalid && s.refs == 0 && s.idleGen == gen
}

func (s *Session) submit(ctx context.Context, fn Exchange) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	s.mu.Lock()
	if s.invalid {
		s.mu.Unlock()
		return ErrSessionInvalidated
	}
	s.jobs.Enqueue(j)
	s.mu.Unlock()
	s.mgr.metrics.addQueuedExchanges(1)

	select {
	case s.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
	}

	s.mu.Lock()
	if !j.started && s.jobs.Remove(j) {
		s.mu.Unlock()
		s.mgr.metrics.addQueuedExchanges(-1)

		return ctx.Err()
	}
	s.mu.Unlock()

	// started, or drained by a close: wait for its outcome, then report the cancellation
	err := <-j.done
	if err == nil || errors.Is(err, ctx.Err()) {
		return ctx.Err()
	}

	return errors.Join(ctx.Err(), err)
}

func (s *Session) run() {
	defer close(s.workerDone)

	for {
		s.mu.Lock()
		j, ok := s.jobs.Dequeue()
		if ok {
			j.started = true
		}
		s.mu.Unlock()

		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		s.mgr.metrics.addQueuedExchanges(-1)
		j.done <- s.exec(j)
	}
}

func (s *Session) exec(j *job) error {
	if err := j.ctx.Err(); err != nil {
		return err
	}

	err := j.fn(s.handle)
	s.exchanges.Add(1)
	s.mgr.metrics.incExchangeCount(err != nil)

	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()

	if c, ok := transport.ClassOf(err); ok && (c == transport.ClassUnreachable || c == transport.ClassPermissionDenied) {
		s.mgr.logger.Warn("session faulted", "address", s.addr, "session_id", s.id, "error", err)
		s.mgr.fault(s, err)
	}

	return err
}

// Info is a point-in-time view of a session.
type Info struct {
	ID        string
	Address   address.Address
	State     State
	Refs      int
	Queued    int
	OpenedAt  time.Time
	LastUsed  time.Time
	Exchanges uint64
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Info{
		ID:        s.id,
		Address:   s.addr,
		State:     s.state.Get(),
		Refs:      s.refs,
		Queued:    s.jobs.Length(),
		OpenedAt:  s.openedAt,
		LastUsed:  s.lastUsed,
		Exchanges: s.exchanges.Load(),
	}
}
