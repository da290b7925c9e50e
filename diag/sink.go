package diag

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/arloliu/go-instr/logger"
)

// LogSink writes events to a logger: failures at warn level, everything else at debug.
type LogSink struct {
	Logger logger.Logger
}

// Handle logs e.
func (s LogSink) Handle(e Event) error {
	l := s.Logger
	if l == nil {
		l = logger.GetLogger()
	}

	kv := []any{"id", e.ID.String(), "kind", e.Kind}
	if e.Address != "" {
		kv = append(kv, "address", e.Address)
	}
	if e.Command != "" {
		kv = append(kv, "command", e.Command)
	}
	if e.Detail != "" {
		kv = append(kv, "detail", e.Detail)
	}
	if e.Class != "" {
		kv = append(kv, "class", e.Class)
	}
	if e.Attempt > 0 {
		kv = append(kv, "attempt", e.Attempt)
	}
	if e.Duration > 0 {
		kv = append(kv, "duration", e.Duration)
	}

	if e.Failed() {
		l.Warn("diag event", kv...)
	} else {
		l.Debug("diag event", kv...)
	}

	return nil
}

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "instr.diag"

// NATSSink publishes events to NATS on "<subject>.<kind>".
type NATSSink struct {
	pub     Publisher
	subject string
	codec   Codec
}

// NewNATSSink creates a sink publishing through pub. An empty subject selects
// DefaultSubject and a nil codec selects JSON.
func NewNATSSink(pub Publisher, subject string, codec Codec) (*NATSSink, error) {
	if pub == nil {
		return nil, errors.New("diag: NATS publisher must not be nil")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if codec == nil {
		codec = JSONCodec{}
	}

	return &NATSSink{pub: pub, subject: subject, codec: codec}, nil
}

// Subject returns the subject e is published on.
func (s *NATSSink) Subject(e Event) string {
	return s.subject + "." + string(e.Kind)
}

// Handle encodes and publishes e.
func (s *NATSSink) Handle(e Event) error {
	data, err := s.codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("diag: encode event: %w", err)
	}

	msg := nats.NewMsg(s.Subject(e))
	msg.Data = data
	msg.Header.Set("Content-Type", "application/"+s.codec.Name())
	msg.Header.Set(nats.MsgIdHdr, e.ID.String())

	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("diag: publish %s: %w", msg.Subject, err)
	}

	return nil
}

// DialNATS connects to url for publishing diagnostics, reconnecting indefinitely.
func DialNATS(url, name string, l logger.Logger) (*nats.Conn, error) {
	if l == nil {
		l = logger.GetLogger()
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("diag: NATS disconnected", "url", url, "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info("diag: NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if name != "" {
		opts = append(opts, nats.Name(name))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("diag: connect NATS %s: %w", url, err)
	}

	return nc, nil
}
