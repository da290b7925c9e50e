// Package session owns the transport handles of instruments.
//
// A Manager keeps at most one open session per address. Acquire shares an existing
// session (reference counted) or opens a new one; callers that arrive while a session is
// opening wait for and share the outcome. Each session runs exchanges one at a time in
// submission order, which gives per-address mutual exclusion while different addresses
// proceed in parallel.
//
// Session lifecycle:
//
//	Closed -> Opening -> Open -> Closing -> Closed
//	Opening, Open -> Faulted -> Closed
//
// A session is closed by Close, by Shutdown, or by the idle timer once the last handle is
// released. Transport failures classified Unreachable or PermissionDenied fault the session;
// the next Acquire opens a fresh handle.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/diag"
	"github.com/arloliu/go-instr/logger"
	"github.com/arloliu/go-instr/transport"
)

// Manager maps addresses to sessions.
type Manager struct {
	drivers        map[address.Medium]transport.Driver
	idleTimeout    time.Duration
	connectTimeout time.Duration
	bus            *diag.Bus
	logger         logger.Logger
	metrics        Metrics

	// mu serializes table transitions; reads go through the xsync map.
	mu       sync.Mutex
	sessions *xsync.MapOf[address.Address, *Session]
	shutdown bool
}

// NewManager creates a session manager.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		drivers:        make(map[address.Medium]transport.Driver),
		idleTimeout:    DefaultIdleTimeout,
		connectTimeout: DefaultConnectTimeout,
		logger:         logger.GetLogger(),
		sessions:       xsync.NewMapOf[address.Address, *Session](),
	}

	for _, opt := range opts {
		if err := opt.apply(m); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Metrics returns the manager counters.
func (m *Manager) Metrics() *Metrics { return &m.metrics }

// Driver returns the driver registered for medium.
func (m *Manager) Driver(medium address.Medium) (transport.Driver, bool) {
	d, ok := m.drivers[medium]
	return d, ok
}

// Acquire returns a handle to the session of addr, opening it when needed.
func (m *Manager) Acquire(ctx context.Context, addr address.Address) (*Handle, error) {
	if addr.IsZero() {
		return nil, &AcquireError{Address: addr, Err: address.ErrInvalidAddress}
	}

	drv, ok := m.drivers[addr.Medium()]
	if !ok {
		return nil, &AcquireError{Address: addr, Err: ErrNoDriver}
	}

	for {
		m.mu.Lock()
		if m.shutdown {
			m.mu.Unlock()
			return nil, &AcquireError{Address: addr, Err: ErrManagerClosed}
		}

		s, found := m.sessions.Load(addr)
		if !found {
			s = newSession(m, addr)
			s.refs = 1
			s.state.toOpening()
			m.sessions.Store(addr, s)
			m.metrics.incActiveSessions()
			m.mu.Unlock()

			s.transition(StateClosed, StateOpening, nil)

			// the open is shared by every waiter, so one caller giving up must not abort it;
			// the driver bounds it with the connect timeout
			go func() { _ = m.open(context.WithoutCancel(ctx), s, drv) }()

			return m.await(ctx, s)
		}

		retained := s.retain()
		m.mu.Unlock()
		if !retained {
			// invalidated but not yet evicted; retry against the table
			continue
		}

		return m.await(ctx, s)
	}
}

// await waits for the open of s to finish. The caller holds a reference on s.
func (m *Manager) await(ctx context.Context, s *Session) (*Handle, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		s.release()
		return nil, &AcquireError{Address: s.addr, Err: ctx.Err()}
	}

	if s.openErr != nil {
		return nil, &AcquireError{Address: s.addr, Err: s.openErr}
	}

	return newHandle(s), nil
}

func (m *Manager) open(ctx context.Context, s *Session, drv transport.Driver) error {
	m.logger.Debug("session opening", "address", s.addr, "session_id", s.id)

	h, err := drv.Open(ctx, s.addr, m.connectTimeout)

	m.mu.Lock()
	if err != nil {
		m.metrics.incOpenErrCount()
		m.logger.Warn("session open failed", "address", s.addr, "session_id", s.id, "error", err)

		if _, ok := s.toFaulted(err); !ok {
			// closed while opening
			s.toClosed()
		}
		s.invalidate()
		m.evictLocked(s)
		s.openErr = err
		close(s.ready)
		m.mu.Unlock()

		return err
	}

	if s.isInvalid() {
		// Close or Shutdown won the race; the session is already evicted
		m.mu.Unlock()
		_ = h.Close()
		s.openErr = ErrSessionInvalidated
		s.toClosed()
		close(s.ready)

		return ErrSessionInvalidated
	}

	m.metrics.incOpenCount()
	s.handle = h
	s.mu.Lock()
	s.openedAt = time.Now()
	s.lastUsed = s.openedAt
	s.mu.Unlock()
	s.toOpen()
	go s.run()
	close(s.ready)
	m.mu.Unlock()

	m.logger.Info("session opened", "address", s.addr, "session_id", s.id)

	return nil
}

// evictLocked removes s from the table if it is still the entry for its address.
func (m *Manager) evictLocked(s *Session) {
	if cur, ok := m.sessions.Load(s.addr); ok && cur == s {
		m.sessions.Delete(s.addr)
		m.metrics.decActiveSessions()
	}
}

// Close forcibly closes the session of addr: queued exchanges fail with
// ErrSessionInvalidated, a running exchange completes first, and every outstanding
// Handle becomes invalid. Closing an address without a session is a no-op.
//
// Close must not be called from inside an Exchange of the same session.
func (m *Manager) Close(addr address.Address) error {
	s, ok := m.sessions.Load(addr)
	if !ok {
		return nil
	}

	return m.closeSession(s, nil, true)
}

// fault closes s after an unrecoverable transport failure. It runs on the worker.
func (m *Manager) fault(s *Session, cause error) {
	_ = m.closeSession(s, cause, false)
}

func (m *Manager) expire(s *Session, gen uint64) {
	if !s.idleExpired(gen) {
		return
	}

	m.logger.Debug("session idle", "address", s.addr, "session_id", s.id)
	if m.closeSession(s, nil, true) == nil {
		m.metrics.incIdleCloseCount()
	}
}

func (m *Manager) closeSession(s *Session, cause error, waitWorker bool) error {
	m.mu.Lock()
	pending, ok := s.invalidate()
	if !ok {
		m.mu.Unlock()
		return nil
	}

	var from State
	if cause != nil {
		from, _ = s.toFaulted(cause)
		m.metrics.incFaultCount()
	} else {
		from, _ = s.toClosing()
	}
	m.evictLocked(s)
	m.mu.Unlock()

	if n := len(pending); n > 0 {
		m.metrics.addQueuedExchanges(-n)
		m.metrics.addInvalidatedCount(n)
		for _, j := range pending {
			j.done <- ErrSessionInvalidated
		}
	}

	if from == StateOpening {
		// open() sees the invalid flag and disposes of the handle
		return nil
	}

	close(s.done)
	if waitWorker {
		<-s.workerDone
	}

	var err error
	if s.handle != nil {
		err = s.handle.Close()
	}
	s.toClosed()
	m.metrics.incCloseCount()

	if err != nil {
		m.logger.Warn("session close failed", "address", s.addr, "session_id", s.id, "error", err)
	} else {
		m.logger.Info("session closed", "address", s.addr, "session_id", s.id)
	}

	return err
}

// Shutdown closes every session and rejects further acquires.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	m.shutdown = true
	var all []*Session
	m.sessions.Range(func(_ address.Address, s *Session) bool {
		all = append(all, s)
		return true
	})
	m.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := m.closeSession(s, nil, true); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// State returns the state of the session of addr, or StateClosed when none exists.
func (m *Manager) State(addr address.Address) State {
	if s, ok := m.sessions.Load(addr); ok {
		return s.State()
	}

	return StateClosed
}

// Sessions returns a snapshot of the sessions in the table ordered by address.
func (m *Manager) Sessions() []Info {
	var out []Info
	m.sessions.Range(func(_ address.Address, s *Session) bool {
		out = append(out, s.info())
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})

	return out
}
