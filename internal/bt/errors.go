package bt

import (
	"errors"
	"fmt"
)

// Code classifies a control-plane failure.
type Code string

const (
	CodeInvalidParam       Code = "invalid_param"
	CodeDataTooLarge       Code = "data_too_large"
	CodeFeatureUnsupported Code = "feature_unsupported"
	CodeAlreadyStarted     Code = "already_started"
	CodeNotStarted         Code = "not_started"
	CodeTooManyAdvertisers Code = "too_many_advertisers"
	CodeFilterTableFull    Code = "filter_table_full"
	CodeAlreadyPairing     Code = "already_pairing"
	CodeAlreadyPaired      Code = "already_paired"
	CodeNotPairing         Code = "not_pairing"
	CodeUnknownDevice      Code = "unknown_device"
	CodeNotEnabled         Code = "not_enabled"
	CodeInternal           Code = "internal_error"
)

// Error is a classified failure. Op carries the failing radio opcode when
// the error originates from a command completion.
type Error struct {
	Code Code
	Op   Opcode
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := string(e.Code)
	if e.Op != OpNone {
		s = fmt.Sprintf("%s (%s)", s, e.Op)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

// Is allows errors.Is to compare Error values by Code.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Predefined sentinels for errors.Is checks.
var (
	ErrInvalidParam       = &Error{Code: CodeInvalidParam}
	ErrDataTooLarge       = &Error{Code: CodeDataTooLarge}
	ErrFeatureUnsupported = &Error{Code: CodeFeatureUnsupported}
	ErrAlreadyStarted     = &Error{Code: CodeAlreadyStarted}
	ErrNotStarted         = &Error{Code: CodeNotStarted}
	ErrTooManyAdvertisers = &Error{Code: CodeTooManyAdvertisers}
	ErrFilterTableFull    = &Error{Code: CodeFilterTableFull}
	ErrAlreadyPairing     = &Error{Code: CodeAlreadyPairing}
	ErrAlreadyPaired      = &Error{Code: CodeAlreadyPaired}
	ErrNotPairing         = &Error{Code: CodeNotPairing}
	ErrUnknownDevice      = &Error{Code: CodeUnknownDevice}
	ErrNotEnabled         = &Error{Code: CodeNotEnabled}
	ErrInternal           = &Error{Code: CodeInternal}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// NewError builds a classified error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// RadioError reports a non-success completion of opcode.
func RadioError(op Opcode, status Status) *Error {
	return &Error{Code: CodeInternal, Op: op, Msg: status.String()}
}

// CodeOf extracts the classification of err, CodeInternal for unclassified errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
