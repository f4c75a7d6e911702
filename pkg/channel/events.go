package channel

import "github.com/DeBrosOfficial/roverlink/pkg/transport"

// event is a lifecycle notification queued for an endpoint's event loop.
type event interface {
	isEvent()
}

type readyEvent struct {
	conn transport.Conn
}

type shutdownRequestedEvent struct{}

type shutdownCompleteEvent struct{}

type fatalErrorEvent struct {
	err error
}

type messageEvent struct {
	data []byte
}

// refusedEvent is queued by the registry when the runtime refused Execute.
type refusedEvent struct {
	err error
}

func (readyEvent) isEvent()             {}
func (shutdownRequestedEvent) isEvent() {}
func (shutdownCompleteEvent) isEvent()  {}
func (fatalErrorEvent) isEvent()        {}
func (messageEvent) isEvent()           {}
func (refusedEvent) isEvent()           {}
