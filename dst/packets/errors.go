// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import "errors"

var (
	// ErrIncomplete means the buffered bytes do not yet hold a complete frame.
	ErrIncomplete = errors.New("incomplete frame: need more data")

	ErrMalformedFlags    = errors.New("malformed flags byte")
	ErrUnknownType       = errors.New("unknown package type")
	ErrInvalidLevel      = errors.New("invalid delivery level")
	ErrMalformedLength   = errors.New("malformed payload length")
	ErrFrameTooLarge     = errors.New("frame exceeds maximum payload size")
	ErrMissingIdentifier = errors.New("identifier required but absent")
)

// FrameError reports a corrupt envelope. Framing cannot resynchronise after
// one, so the connection that produced it must be closed.
type FrameError struct {
	Offset int
	Err    error
}

func (e *FrameError) Error() string {
	return "frame error: " + e.Err.Error()
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFrameError reports whether err is, or wraps, a FrameError.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}
