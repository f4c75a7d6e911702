package channel

import "github.com/DeBrosOfficial/roverlink/pkg/transport"

// Metrics receives registry and endpoint activity. Implementations must be
// safe for concurrent use.
type Metrics interface {
	EndpointOpened(role transport.Role, channel string)
	EndpointClosed(role transport.Role, channel string)
	HandleAcquired(role transport.Role)
	HandleReleased(role transport.Role)
	HandleLeaked(role transport.Role)
	Published(channel string, bytes int)
	Delivered(channel string, consumers int)
	Dropped(channel string, reason string)
	FatalError(role transport.Role, channel string)
}

type nopMetrics struct{}

func (nopMetrics) EndpointOpened(transport.Role, string) {}
func (nopMetrics) EndpointClosed(transport.Role, string) {}
func (nopMetrics) HandleAcquired(transport.Role)         {}
func (nopMetrics) HandleReleased(transport.Role)         {}
func (nopMetrics) HandleLeaked(transport.Role)           {}
func (nopMetrics) Published(string, int)                 {}
func (nopMetrics) Delivered(string, int)                 {}
func (nopMetrics) Dropped(string, string)                {}
func (nopMetrics) FatalError(transport.Role, string)     {}
