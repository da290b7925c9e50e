// Package instr is the dispatch API of the instrument backend.
//
// A Client composes the lower layers into one call: it acquires the session of the
// address, dispatches the command through it under the retry policy, and releases the
// session again. Every failure is returned as a *DispatchError naming the address and the
// command.
//
//	mgr, _ := session.NewManager(session.WithDriver(lanDriver))
//	defer mgr.Shutdown()
//
//	client, _ := instr.NewClient(mgr, instr.WithCatalog(cat))
//	resp, err := client.ExecuteModel(ctx, addr, "DP832", "measure_voltage", command.Args{"channel": 1})
package instr

import (
	"context"
	"errors"
	"time"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/catalog"
	"github.com/arloliu/go-instr/command"
	"github.com/arloliu/go-instr/diag"
	"github.com/arloliu/go-instr/logger"
	"github.com/arloliu/go-instr/retry"
	"github.com/arloliu/go-instr/session"
	"github.com/arloliu/go-instr/transport"
)

// PolicySource returns the retry policy of a medium.
type PolicySource func(address.Medium) retry.Policy

// Client dispatches commands to instruments. It is safe for concurrent use.
type Client struct {
	mgr      *session.Manager
	disp     *command.Dispatcher
	catalog  *catalog.Catalog
	policies PolicySource
	bus      *diag.Bus
	logger   logger.Logger
	metrics  Metrics
}

// ClientOption configures a Client.
type ClientOption interface {
	apply(*Client) error
}

type clientOptFunc func(*Client) error

func (f clientOptFunc) apply(c *Client) error {
	return f(c)
}

// WithCatalog sets the capability catalog used by the model operations.
func WithCatalog(cat *catalog.Catalog) ClientOption {
	return clientOptFunc(func(c *Client) error {
		c.catalog = cat
		return nil
	})
}

// WithDispatcher replaces the default command dispatcher.
func WithDispatcher(d *command.Dispatcher) ClientOption {
	return clientOptFunc(func(c *Client) error {
		if d == nil {
			return errors.New("instr: dispatcher must not be nil")
		}
		c.disp = d

		return nil
	})
}

// WithPolicies sets the per-medium retry policies used by ExecuteModel and Probe.
// retry.DefaultPolicyFor is used by default.
func WithPolicies(src PolicySource) ClientOption {
	return clientOptFunc(func(c *Client) error {
		if src == nil {
			return errors.New("instr: policy source must not be nil")
		}
		c.policies = src

		return nil
	})
}

// WithDiagBus publishes retry, failure and discovery events on bus.
func WithDiagBus(bus *diag.Bus) ClientOption {
	return clientOptFunc(func(c *Client) error {
		c.bus = bus
		return nil
	})
}

// WithLogger sets the client logger.
func WithLogger(l logger.Logger) ClientOption {
	return clientOptFunc(func(c *Client) error {
		if l == nil {
			return errors.New("instr: logger must not be nil")
		}
		c.logger = l

		return nil
	})
}

// NewClient creates a Client over mgr. The caller keeps ownership of mgr.
func NewClient(mgr *session.Manager, opts ...ClientOption) (*Client, error) {
	if mgr == nil {
		return nil, errors.New("instr: session manager must not be nil")
	}

	c := &Client{
		mgr:      mgr,
		policies: retry.DefaultPolicyFor,
		logger:   logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(c); err != nil {
			return nil, err
		}
	}

	if c.disp == nil {
		d, err := command.NewDispatcher(command.WithLogger(c.logger), command.WithDiagBus(c.bus))
		if err != nil {
			return nil, err
		}
		c.disp = d
	}

	return c, nil
}

// Manager returns the session manager of the client.
func (c *Client) Manager() *session.Manager { return c.mgr }

// Catalog returns the capability catalog, nil when none was configured.
func (c *Client) Catalog() *catalog.Catalog { return c.catalog }

// Metrics returns the dispatch counters of the client.
func (c *Client) Metrics() *Metrics { return &c.metrics }

// PolicyFor returns the retry policy the client applies to medium.
func (c *Client) PolicyFor(medium address.Medium) retry.Policy { return c.policies(medium) }

// Execute sends spec with args to addr and returns the parsed response.
//
// Arguments are validated before the session is acquired. Attempts failing with a class
// listed in policy.Retryable are repeated with an escalated timeout after a backoff wait.
// The session is acquired by the first attempt. An open failing with a retryable class,
// such as a busy serial port, is retried like an exchange, and a session closed or
// faulted underneath a retry is acquired again.
func (c *Client) Execute(ctx context.Context, addr address.Address, spec *catalog.CommandSpec, args command.Args, policy retry.Policy) (*command.Response, error) {
	if spec == nil {
		return nil, &DispatchError{Address: addr, Err: errors.New("instr: nil command spec")}
	}

	c.metrics.incDispatchCount()
	start := time.Now()

	if _, err := command.Encode(spec, args); err != nil {
		return nil, c.fail(addr, spec.Name, 0, err)
	}
	if err := policy.Validate(); err != nil {
		return nil, c.fail(addr, spec.Name, 0, err)
	}

	// acquired per attempt, so a retryable open failure or a session closed between
	// attempts is recovered on the next one
	var h *session.Handle
	defer func() {
		if h != nil {
			h.Release()
		}
	}()

	var resp *command.Response
	attempts, err := retry.Do(ctx, policy,
		func(ctx context.Context, attempt int, timeout time.Duration) error {
			c.metrics.incAttemptCount()

			if h != nil && !h.Valid() {
				h.Release()
				h = nil
			}
			if h == nil {
				nh, err := c.mgr.Acquire(ctx, addr)
				if err != nil {
					return err
				}
				h = nh
			}

			r, err := c.disp.Execute(ctx, h, spec, args, command.WithTimeout(timeout), command.WithAttempt(attempt))
			if err != nil {
				return err
			}
			resp = r

			return nil
		},
		retry.RetryIf(func(err error, attempt int) bool {
			return attempt > 1 && errors.Is(err, session.ErrSessionInvalidated)
		}),
		retry.OnRetry(func(attempt int, err error, delay time.Duration) error {
			c.metrics.incRetryCount()

			sessionID := ""
			if h != nil {
				sessionID = h.SessionID()
			}
			c.publish(diag.Event{
				Kind:      diag.KindRetry,
				Address:   addr.String(),
				SessionID: sessionID,
				Command:   spec.Name,
				Class:     className(err),
				Detail:    err.Error(),
				Attempt:   attempt,
				Duration:  delay,
			})
			c.logger.Debug("instr: retrying", "address", addr, "command", spec.Name, "attempt", attempt, "delay", delay, "error", err)

			return nil
		}),
	)
	if err != nil {
		return nil, c.fail(addr, spec.Name, attempts, err)
	}

	c.metrics.observe(time.Since(start))

	return resp, nil
}

func (c *Client) fail(addr address.Address, cmd string, attempts int, err error) error {
	c.metrics.incDispatchErrCount()

	c.publish(diag.Event{
		Kind:    diag.KindFailure,
		Address: addr.String(),
		Command: cmd,
		Class:   className(err),
		Detail:  err.Error(),
		Attempt: attempts,
	})
	c.logger.Debug("instr: dispatch failed", "address", addr, "command", cmd, "attempts", attempts, "error", err)

	return &DispatchError{Address: addr, Command: cmd, Attempts: attempts, Err: err}
}

func (c *Client) publish(e diag.Event) {
	c.bus.Publish(e)
}

// className names the classification of err for diagnostic events.
func className(err error) string {
	if cl, ok := transport.ClassOf(err); ok {
		return cl.String()
	}

	switch {
	case errors.Is(err, command.ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, command.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, address.ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, session.ErrSessionInvalidated):
		return "session_invalidated"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
