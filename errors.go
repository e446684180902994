// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	ErrInvalidArgument ErrorCode = iota + 1
	ErrInvalidState
	ErrProtocolTimeout
	ErrProtocolFault
	ErrUnexpectedDevice
	ErrVerificationFailed
	ErrResourceExhausted
)

func (c ErrorCode) String() string {
	switch c {
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrInvalidState:
		return "invalid state"
	case ErrProtocolTimeout:
		return "protocol timeout"
	case ErrProtocolFault:
		return "protocol fault"
	case ErrUnexpectedDevice:
		return "unexpected device"
	case ErrVerificationFailed:
		return "verification failed"
	case ErrResourceExhausted:
		return "resource exhausted"
	default:
		return fmt.Sprintf("error code %d", int(c))
	}
}

// LinkError is the error type returned by every layer of the library.
// Addr and Value are only meaningful when HasAddr is set; multi-word
// operations report the first failing word through them.
type LinkError struct {
	errorString string
	Code        ErrorCode
	Addr        uint32
	Value       uint32
	HasAddr     bool
}

func (e *LinkError) Error() string {
	return e.errorString
}

func NewLinkError(msg string, code ErrorCode) error {
	return &LinkError{errorString: msg, Code: code}
}

func newLinkErrorf(code ErrorCode, format string, args ...interface{}) error {
	return &LinkError{errorString: fmt.Sprintf(format, args...), Code: code}
}

// newAddrErrorf tags the error with the word address (and value, for
// writes) at which a multi-word operation first failed.
func newAddrErrorf(code ErrorCode, addr uint32, value uint32, format string, args ...interface{}) error {
	return &LinkError{
		errorString: fmt.Sprintf(format, args...),
		Code:        code,
		Addr:        addr,
		Value:       value,
		HasAddr:     true,
	}
}

// ErrorCodeOf extracts the taxonomy code from err. The second return
// value is false when err has no LinkError in its chain.
func ErrorCodeOf(err error) (ErrorCode, bool) {
	var le *LinkError
	if errors.As(err, &le) {
		return le.Code, true
	}
	return 0, false
}

// ackError maps a non-OK acknowledge to the library error for the
// operation named by op.
func ackError(op string, ack Ack) error {
	switch ack {
	case AckWait:
		return newLinkErrorf(ErrProtocolTimeout, "%s: target kept replying WAIT", op)
	case AckFault:
		return newLinkErrorf(ErrProtocolFault, "%s: target replied FAULT", op)
	default:
		return newLinkErrorf(ErrProtocolFault, "%s: protocol error, ack %s", op, ack)
	}
}
