package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/aesdetic/aesdetic-core/internal/wled"
)

// Kind classifies a failed device command. Consumers never see raw
// transport errors; everything crossing the dispatcher boundary is mapped
// onto this taxonomy first.
type Kind string

const (
	// KindOffline covers connection refused, host unreachable, and DNS
	// failures. The device is marked offline and the optimistic mutation
	// is reverted.
	KindOffline Kind = "offline"

	// KindTimeout covers deadline expiry. Assumed transient: the device
	// stays online and the optimistic value is kept.
	KindTimeout Kind = "timeout"

	// KindBusy covers the device refusing a command it cannot accept right
	// now. Handled like a timeout.
	KindBusy Kind = "busy"

	// KindInvalidResponse covers unparsable replies. Informational only,
	// no state mutation.
	KindInvalidResponse Kind = "invalid_response"

	// KindConfig covers commands that can never succeed as issued: bad
	// address, or an operation the device's capabilities do not support.
	KindConfig Kind = "config"
)

// CommandError is one surfaced device failure.
type CommandError struct {
	Kind       Kind   `json:"kind"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Op         string `json:"op"`
	Err        error  `json:"-"`
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("engine: %s command %q for %s: %v", e.Kind, e.Op, e.DeviceID, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a retry of the same command could reasonably
// succeed. Offline, timeout, and busy failures are retryable; malformed
// responses and configuration errors are not.
func (e *CommandError) Retryable() bool {
	switch e.Kind {
	case KindOffline, KindTimeout, KindBusy:
		return true
	}
	return false
}

// Same reports whether two errors would surface identically. Used to
// de-duplicate the one-active-error-per-device surface.
func (e *CommandError) Same(other *CommandError) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.Kind == other.Kind && e.DeviceID == other.DeviceID
}

// Classify maps a transport-level error onto the taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, wled.ErrBusy):
		return KindBusy
	case errors.Is(err, wled.ErrInvalidResponse):
		return KindInvalidResponse
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return KindOffline
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindOffline
	}

	// The http client wraps dial errors in layers of *url.Error and
	// *net.OpError; the syscall sentinels above usually survive the
	// wrapping, but fall back to string matching for the rest.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "no such host"):
		return KindOffline
	}

	// Unknown transport failure. Treat it as offline: the conservative
	// reading for an unreachable fixture, and the one that reverts the
	// optimistic value instead of leaving it dangling.
	return KindOffline
}
