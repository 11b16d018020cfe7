package wled

import "errors"

// Domain errors for the wled package.
var (
	// ErrInvalidResponse is returned when the device replied but the payload
	// could not be parsed.
	ErrInvalidResponse = errors.New("wled: invalid response")

	// ErrBusy is returned when the device answered with a busy/overloaded
	// status and the command should be retried later.
	ErrBusy = errors.New("wled: device busy")

	// ErrHTTPStatus is returned for unexpected HTTP status codes.
	ErrHTTPStatus = errors.New("wled: unexpected http status")
)
