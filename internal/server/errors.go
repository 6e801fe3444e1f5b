package server

import (
	"errors"

	"github.com/kstaniek/meshcore-bridge/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen      = errors.New("listen")
	ErrAccept      = errors.New("accept")
	ErrConnRead    = errors.New("conn_read")
	ErrConnWrite   = errors.New("conn_write")
	ErrUpgrade     = errors.New("ws_upgrade")
	ErrContextDone = errors.New("context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metric label constants.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrUpgrade):
		return metrics.ErrWSUpgrade
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPAccept
	default:
		return "other"
	}
}
