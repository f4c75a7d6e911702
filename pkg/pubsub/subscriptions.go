package pubsub

import (
	"context"

	"github.com/DeBrosOfficial/roverlink/pkg/errors"
	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"github.com/DeBrosOfficial/roverlink/pkg/transport"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"
)

// endpointState is one executed endpoint.
type endpointState struct {
	desc      transport.Descriptor
	topicName string
	topic     *pubsub.Topic
	sub       *pubsub.Subscription // subscriber endpoints only
	lc        transport.Lifecycle

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when runEndpoint returns
}

// readLoop forwards topic messages to the endpoint in arrival order. A read
// error other than cancellation is fatal for the endpoint.
func (r *Runtime) readLoop(es *endpointState) {
	for {
		msg, err := es.sub.Next(es.ctx)
		if err != nil {
			if es.ctx.Err() != nil {
				return
			}
			r.logger.ComponentError(logging.ComponentLibP2P, "Subscription read failed",
				zap.String("topic", es.topicName), zap.Error(err))
			es.lc.OnFatalError(errors.NewTransportError(es.desc.Name, "receive", err))
			return
		}
		es.lc.OnMessage(msg.Data)
	}
}
