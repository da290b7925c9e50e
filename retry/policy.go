// Package retry bounds dispatch attempts with timeout escalation and exponential backoff.
//
// Only failures whose transport classification is listed in Policy.Retryable are retried
// (Timeout and Busy by default). Everything else is returned from the attempt that
// produced it.
package retry

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/transport"
)

// Policy defaults.
const (
	DefaultMaxAttempts       = 3
	DefaultBaseTimeout       = 2 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultBaseDelay         = 100 * time.Millisecond
)

// Policy limits.
const (
	MaxAttemptsLimit     = 20
	MinBaseTimeout       = time.Millisecond
	MaxBaseTimeout       = 10 * time.Minute
	MaxBackoffMultiplier = 10.0
)

// Policy is the retry configuration of one medium.
type Policy struct {
	MaxAttempts       int               `yaml:"max_attempts" json:"max_attempts"`
	BaseTimeout       time.Duration     `yaml:"base_timeout" json:"base_timeout"`
	BackoffMultiplier float64           `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	BaseDelay         time.Duration     `yaml:"base_delay" json:"base_delay"`
	Retryable         []transport.Class `yaml:"retryable" json:"retryable"`
}

// DefaultPolicy returns the policy used for media without a configured one.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       DefaultMaxAttempts,
		BaseTimeout:       DefaultBaseTimeout,
		BackoffMultiplier: DefaultBackoffMultiplier,
		BaseDelay:         DefaultBaseDelay,
		Retryable:         []transport.Class{transport.ClassTimeout, transport.ClassBusy},
	}
}

// DefaultPolicyFor returns the built-in policy of medium. GPIB and serial links are slower
// to answer and to recover, so they start with longer timeouts and delays.
func DefaultPolicyFor(medium address.Medium) Policy {
	p := DefaultPolicy()
	switch medium {
	case address.MediumGPIB:
		p.BaseTimeout = 3 * time.Second
		p.BaseDelay = 200 * time.Millisecond
	case address.MediumSerial:
		p.BaseTimeout = 3 * time.Second
		p.BaseDelay = 250 * time.Millisecond
	}

	return p
}

// Validate checks the policy ranges.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 || p.MaxAttempts > MaxAttemptsLimit {
		return fmt.Errorf("retry: max attempts %d out of range [1, %d]", p.MaxAttempts, MaxAttemptsLimit)
	}
	if p.BaseTimeout < MinBaseTimeout || p.BaseTimeout > MaxBaseTimeout {
		return fmt.Errorf("retry: base timeout %v out of range [%v, %v]", p.BaseTimeout, MinBaseTimeout, MaxBaseTimeout)
	}
	if p.BackoffMultiplier < 1 || p.BackoffMultiplier > MaxBackoffMultiplier {
		return fmt.Errorf("retry: backoff multiplier %v out of range [1, %v]", p.BackoffMultiplier, MaxBackoffMultiplier)
	}
	if p.BaseDelay < 0 {
		return errors.New("retry: base delay must not be negative")
	}
	for _, c := range p.Retryable {
		if c == transport.ClassUnreachable || c == transport.ClassPermissionDenied || c == transport.ClassProtocolViolation {
			return fmt.Errorf("retry: class %s cannot be retried", c)
		}
	}

	return nil
}

func (p Policy) scale(base time.Duration, exp int) time.Duration {
	f := float64(base) * math.Pow(p.BackoffMultiplier, float64(exp))
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(f)
}

// Timeout returns the I/O timeout of attempt n (1-based): BaseTimeout * mult^(n-1).
func (p Policy) Timeout(attempt int) time.Duration {
	return p.scale(p.BaseTimeout, max(attempt, 1)-1)
}

// Delay returns the wait after failed attempt n (1-based):
// min(BaseDelay * mult^(n-1), BaseTimeout * mult^n). It never decreases with n.
func (p Policy) Delay(attempt int) time.Duration {
	n := max(attempt, 1)

	return min(p.scale(p.BaseDelay, n-1), p.scale(p.BaseTimeout, n))
}

// IsRetryable reports whether err carries a transport class listed in Retryable.
func (p Policy) IsRetryable(err error) bool {
	c, ok := transport.ClassOf(err)
	if !ok {
		return false
	}

	return slices.Contains(p.Retryable, c)
}
