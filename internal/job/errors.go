package job

import (
	"errors"
	"fmt"
)

// Sentinel validation failures. Each maps to a stable reason code via Code.
var (
	ErrMissingInputFolder    = errors.New("missing input folder")
	ErrConflictingFrameRange = errors.New("conflicting frame range")
	ErrMissingFrameRange     = errors.New("missing frame range")
	ErrInvalidFrameRange     = errors.New("invalid frame range")
	ErrInvalidStride         = errors.New("invalid stride")
	ErrInvalidGPU            = errors.New("invalid gpu index")
	ErrInvalidParameter      = errors.New("invalid parameter")
	ErrUnsupportedParameter  = errors.New("unsupported parameter")
	ErrFrameRangeOutOfBounds = errors.New("frame range out of bounds")
	ErrUnknownBinding        = errors.New("unknown binding")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrMissingInputFolder, "MissingInputFolder"},
	{ErrConflictingFrameRange, "ConflictingFrameRange"},
	{ErrMissingFrameRange, "MissingFrameRange"},
	{ErrInvalidFrameRange, "InvalidFrameRange"},
	{ErrInvalidStride, "InvalidStride"},
	{ErrInvalidGPU, "InvalidGPU"},
	{ErrInvalidParameter, "InvalidParameter"},
	{ErrUnsupportedParameter, "UnsupportedParameter"},
	{ErrFrameRangeOutOfBounds, "FrameRangeOutOfBounds"},
	{ErrUnknownBinding, "UnknownBinding"},
}

// ValidationError reports one violated descriptor invariant.
type ValidationError struct {
	Err    error
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Field, e.Err, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(err error, field, format string, args ...any) *ValidationError {
	return &ValidationError{Err: err, Field: field, Detail: fmt.Sprintf(format, args...)}
}

// Code returns the reason code for a validation error, or "" if err is not one.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// IsValidation reports whether err is a descriptor validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
