package command

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-instr/internal/util"
)

var (
	// ErrInvalidArgument matches every *InvalidArgumentError.
	ErrInvalidArgument = errors.New("command: invalid argument")
	// ErrMalformedResponse matches every *MalformedResponseError.
	ErrMalformedResponse = errors.New("command: malformed response")
)

// InvalidArgumentError reports an argument rejected before any byte was sent.
type InvalidArgumentError struct {
	Command string
	Param   string
	Reason  string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("command: %s: invalid argument %q: %s", e.Command, e.Param, e.Reason)
}

func (e *InvalidArgumentError) Is(target error) bool { return target == ErrInvalidArgument }

// MalformedResponseError reports a response that does not match the declared shape.
// It signals a protocol desync and is never retried.
type MalformedResponseError struct {
	Command string
	Raw     []byte
	Reason  string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("command: %s: malformed response %s: %s", e.Command, util.PrintableBytes(e.Raw), e.Reason)
}

func (e *MalformedResponseError) Is(target error) bool { return target == ErrMalformedResponse }

func invalidArg(cmd, param, format string, args ...any) *InvalidArgumentError {
	return &InvalidArgumentError{Command: cmd, Param: param, Reason: fmt.Sprintf(format, args...)}
}

func malformed(cmd string, raw []byte, format string, args ...any) *MalformedResponseError {
	return &MalformedResponseError{Command: cmd, Raw: util.CloneSlice(raw, 0), Reason: fmt.Sprintf(format, args...)}
}
