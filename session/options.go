package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-instr/diag"
	"github.com/arloliu/go-instr/logger"
	"github.com/arloliu/go-instr/transport"
)

// Default session timeouts.
const (
	DefaultIdleTimeout    = 30 * time.Second // close an unreferenced session after this long
	DefaultConnectTimeout = 5 * time.Second  // bound on transport Open
	DefaultQueuePrealloc  = 8
)

// Timeout range limits.
const (
	MinIdleTimeout = 0 // disables idle expiry
	MaxIdleTimeout = 24 * time.Hour

	MinConnectTimeout = 10 * time.Millisecond
	MaxConnectTimeout = 5 * time.Minute
)

// ManagerOption configures a Manager.
type ManagerOption interface {
	apply(*Manager) error
}

type managerOptFunc func(*Manager) error

func (f managerOptFunc) apply(m *Manager) error {
	return f(m)
}

// WithDriver registers the driver serving its medium, replacing any earlier one.
func WithDriver(d transport.Driver) ManagerOption {
	return managerOptFunc(func(m *Manager) error {
		if d == nil {
			return errors.New("session: driver must not be nil")
		}
		m.drivers[d.Medium()] = d

		return nil
	})
}

// WithIdleTimeout sets how long a session with no references stays open.
// Zero keeps unreferenced sessions open until Close or Shutdown.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return managerOptFunc(func(m *Manager) error {
		if d < MinIdleTimeout || d > MaxIdleTimeout {
			return fmt.Errorf("session: idle timeout %v out of range [%v, %v]", d, time.Duration(MinIdleTimeout), MaxIdleTimeout)
		}
		m.idleTimeout = d

		return nil
	})
}

// WithConnectTimeout sets the timeout passed to transport Open.
func WithConnectTimeout(d time.Duration) ManagerOption {
	return managerOptFunc(func(m *Manager) error {
		if d < MinConnectTimeout || d > MaxConnectTimeout {
			return fmt.Errorf("session: connect timeout %v out of range [%v, %v]", d, MinConnectTimeout, MaxConnectTimeout)
		}
		m.connectTimeout = d

		return nil
	})
}

// WithDiagBus publishes session state transitions on bus.
func WithDiagBus(bus *diag.Bus) ManagerOption {
	return managerOptFunc(func(m *Manager) error {
		m.bus = bus
		return nil
	})
}

// WithLogger sets the manager logger.
func WithLogger(l logger.Logger) ManagerOption {
	return managerOptFunc(func(m *Manager) error {
		if l == nil {
			return errors.New("session: logger must not be nil")
		}
		m.logger = l

		return nil
	})
}
