package checker

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Probe error taxonomy. Per-endpoint probe errors are recovered locally and
// downgrade the outcome to dead; ErrUnsupportedTransport is a hard validation
// failure rejected before an endpoint enters the queue.
var (
	ErrUnsupportedTransport = errors.New("unsupported transport")
	ErrTimeout              = errors.New("probe timeout")
	ErrConnectionRefused    = errors.New("connection refused")
	ErrProtocolError        = errors.New("protocol error")
)

// classifyProbeError maps a raw transport error onto the taxonomy.
func classifyProbeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionRefused) || errors.Is(err, ErrProtocolError) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	if strings.Contains(err.Error(), "connection refused") {
		return ErrConnectionRefused
	}
	return ErrProtocolError
}
