package channel

import (
	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"github.com/DeBrosOfficial/roverlink/pkg/message"
	"github.com/DeBrosOfficial/roverlink/pkg/transport"
)

// DefaultQueueSize is the per-endpoint event queue capacity.
const DefaultQueueSize = 256

// FatalErrorHandler is called after a fatal transport error tore an endpoint
// down. It runs on the endpoint's event goroutine and must not block.
type FatalErrorHandler func(channel string, role transport.Role, err error)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *logging.ColoredLogger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithCodec sets the payload codec. JSON is the default.
func WithCodec(c message.Codec) Option {
	return func(r *Registry) {
		if c != nil {
			r.codec = c
		}
	}
}

// WithQueueSize sets the per-endpoint event queue capacity. Inbound messages
// beyond it are dropped.
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n < 1 {
			n = 1
		}
		r.queueSize = n
	}
}

// WithFatalErrorHandler installs a hook for fatal transport errors, e.g. to
// terminate the process.
func WithFatalErrorHandler(fn FatalErrorHandler) Option {
	return func(r *Registry) { r.onFatal = fn }
}

// WithLeakRelease controls whether a handle collected while still open is
// released by its finalizer (default true). With false, leaks are only
// logged and the endpoint stays up.
func WithLeakRelease(enabled bool) Option {
	return func(r *Registry) { r.leakRelease = enabled }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}
