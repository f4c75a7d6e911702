package channel

import (
	"github.com/DeBrosOfficial/roverlink/pkg/errors"
	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"go.uber.org/zap"
)

// publish encodes msg with the registry codec and hands it to the runtime.
// There is no acknowledgement: a nil error means the runtime accepted it.
func (e *endpoint) publish(msg any) error {
	e.mu.Lock()
	if e.state != StateReady {
		e.mu.Unlock()
		return e.notReady()
	}
	conn := e.conn
	e.mu.Unlock()

	data, err := e.reg.codec.Marshal(msg)
	if err != nil {
		return errors.NewSerializationError(e.reg.codec.Name(),
			"failed to encode "+e.info.id+" message", err)
	}

	if err := conn.Send(data); err != nil {
		e.logger.ComponentWarn(logging.ComponentChannel, "Send failed", zap.Error(err))
		return errors.NewTransportError(e.name, "send", err)
	}

	e.reg.metrics.Published(e.name, len(data))
	return nil
}
