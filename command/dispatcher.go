// Package command turns catalog CommandSpecs into wire exchanges.
//
// A Dispatcher validates and encodes the arguments, writes the command through a session
// handle, reads the response framed by its declared shape and parses it into typed values.
// Argument errors are reported before any byte is sent. Responses that do not match the
// declared shape are reported as *MalformedResponseError and are never retried.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-instr/catalog"
	"github.com/arloliu/go-instr/diag"
	"github.com/arloliu/go-instr/logger"
	"github.com/arloliu/go-instr/session"
	"github.com/arloliu/go-instr/transport"
)

// Default dispatch timeouts.
const (
	DefaultTimeout = 2 * time.Second
	MinTimeout     = time.Millisecond
	MaxTimeout     = 10 * time.Minute
)

// Dispatcher executes commands over session handles. It is safe for concurrent use.
type Dispatcher struct {
	timeout time.Duration
	bus     *diag.Bus
	logger  logger.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption interface {
	apply(*Dispatcher) error
}

type dispatcherOptFunc func(*Dispatcher) error

func (f dispatcherOptFunc) apply(d *Dispatcher) error {
	return f(d)
}

// WithDefaultTimeout sets the write/read timeout used when Execute gets no WithTimeout.
func WithDefaultTimeout(t time.Duration) DispatcherOption {
	return dispatcherOptFunc(func(d *Dispatcher) error {
		if t < MinTimeout || t > MaxTimeout {
			return fmt.Errorf("command: timeout %v out of range [%v, %v]", t, MinTimeout, MaxTimeout)
		}
		d.timeout = t

		return nil
	})
}

// WithDiagBus publishes one event per exchange on bus.
func WithDiagBus(bus *diag.Bus) DispatcherOption {
	return dispatcherOptFunc(func(d *Dispatcher) error {
		d.bus = bus
		return nil
	})
}

// WithLogger sets the dispatcher logger.
func WithLogger(l logger.Logger) DispatcherOption {
	return dispatcherOptFunc(func(d *Dispatcher) error {
		if l == nil {
			return errors.New("command: logger must not be nil")
		}
		d.logger = l

		return nil
	})
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{
		timeout: DefaultTimeout,
		logger:  logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(d); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// ExecOption adjusts a single Execute call.
type ExecOption func(*execConfig)

type execConfig struct {
	timeout time.Duration
	attempt int
}

// WithTimeout sets the base write/read timeout of one call, typically the retry-escalated
// timeout of the current attempt. Non-positive values are ignored.
func WithTimeout(t time.Duration) ExecOption {
	return func(c *execConfig) {
		if t > 0 {
			c.timeout = t
		}
	}
}

// WithAttempt tags the diagnostic event of the call with the retry attempt number.
func WithAttempt(n int) ExecOption {
	return func(c *execConfig) {
		c.attempt = n
	}
}

// Raw builds an ad-hoc CommandSpec for mnemonic answering with shape. Scalar and list
// responses are read as strings.
func Raw(mnemonic string, shape catalog.Shape) *catalog.CommandSpec {
	spec := &catalog.CommandSpec{
		Name:     mnemonic,
		Mnemonic: mnemonic,
		Response: catalog.ResponseSpec{Shape: shape},
	}
	if shape == catalog.ShapeScalar || shape == catalog.ShapeList {
		spec.Response.Type = catalog.ValueString
	}

	return spec
}

// readTimeout picks the read timeout: the larger of the base timeout and the command's
// own override, or the block timeout for binary blocks.
func readTimeout(spec *catalog.CommandSpec, enc catalog.Encoding, base time.Duration) time.Duration {
	t := base
	if spec.Response.Timeout > t {
		t = spec.Response.Timeout
	}
	if spec.Response.Shape == catalog.ShapeBlock && enc.BlockTimeout > t {
		t = enc.BlockTimeout
	}

	return t
}

// Execute sends spec with args over h and returns the parsed response.
//
// Invalid arguments fail with *InvalidArgumentError before any I/O. Transport failures are
// returned as *transport.Error. A response that times out or loses framing mid-read is
// followed by a best-effort device clear so the next exchange starts clean.
func (d *Dispatcher) Execute(ctx context.Context, h *session.Handle, spec *catalog.CommandSpec, args Args, opts ...ExecOption) (*Response, error) {
	if spec == nil {
		return nil, errors.New("command: nil command spec")
	}

	cfg := execConfig{timeout: d.timeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	wire, err := Encode(spec, args)
	if err != nil {
		return nil, err
	}

	enc := catalog.DefaultEncoding().Merge(spec.Encoding)
	resource := h.Address().String()
	rt := readTimeout(spec, enc, cfg.timeout)

	var raw, body []byte
	start := time.Now()
	err = h.Do(ctx, func(th transport.Handle) error {
		if err := th.Write(wire, cfg.timeout); err != nil {
			return err
		}
		if spec.Response.Shape == catalog.ShapeNone || spec.Response.Shape == "" {
			return nil
		}

		var rerr error
		raw, body, rerr = readResponse(th, spec, enc, resource, rt)
		if rerr != nil && needsClear(rerr) {
			d.clear(th, resource, cfg.timeout)
		}

		return rerr
	})
	elapsed := time.Since(start)

	var resp *Response
	if err == nil {
		resp, err = Parse(spec, enc, raw, body)
		if resp != nil {
			resp.Elapsed = elapsed
		}
	}

	d.report(h, spec, cfg.attempt, elapsed, err)

	if err != nil {
		return nil, err
	}

	return resp, nil
}

func needsClear(err error) bool {
	if errors.Is(err, ErrMalformedResponse) {
		return true
	}
	c, ok := transport.ClassOf(err)

	return ok && c == transport.ClassTimeout
}

func (d *Dispatcher) clear(th transport.Handle, resource string, timeout time.Duration) {
	c, ok := th.(transport.Clearer)
	if !ok {
		return
	}
	if err := c.Clear(timeout); err != nil {
		d.logger.Debug("command: device clear failed", "address", resource, "error", err)
	}
}

func (d *Dispatcher) report(h *session.Handle, spec *catalog.CommandSpec, attempt int, elapsed time.Duration, err error) {
	e := diag.Event{
		Kind:      diag.KindExchange,
		Address:   h.Address().String(),
		SessionID: h.SessionID(),
		Command:   spec.Name,
		Attempt:   attempt,
		Duration:  elapsed,
	}

	switch {
	case err == nil:
		d.logger.Debug("command executed", "address", e.Address, "command", spec.Name, "elapsed", elapsed)
	case errors.Is(err, ErrMalformedResponse):
		e.Class = "malformed_response"
		e.Detail = err.Error()
	default:
		if c, ok := transport.ClassOf(err); ok {
			e.Class = c.String()
		}
		e.Detail = err.Error()
	}
	if err != nil {
		d.logger.Debug("command failed", "address", e.Address, "command", spec.Name, "error", err)
	}

	d.bus.Publish(e)
}
