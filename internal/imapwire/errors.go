package imapwire

import (
	"errors"
	"fmt"
)

// ErrProtocol is returned for ungrammatical input: bytes that don't
// match the IMAP4rev1 grammar this codec understands.
var ErrProtocol = errors.New("imapwire: protocol error")

// ErrTruncated is returned when the connection is closed or errors out
// partway through reading a literal's declared byte count.
var ErrTruncated = errors.New("imapwire: truncated")

// protoErrf wraps ErrProtocol with context, satisfying errors.Is(err,
// ErrProtocol).
func protoErrf(format string, args ...interface{}) error {
	return &wrappedError{msg: fmt.Sprintf(format, args...), wrapped: ErrProtocol}
}

type wrappedError struct {
	msg     string
	wrapped error
}

func (e *wrappedError) Error() string { return e.msg }
func (e *wrappedError) Unwrap() error { return e.wrapped }
