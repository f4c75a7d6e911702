package pubsub

import (
	"fmt"
)

// topicConn is the send primitive handed to a ready endpoint.
type topicConn struct {
	es *endpointState
}

// Send publishes data on the endpoint's topic. It fails once the endpoint
// has been shut down.
func (c *topicConn) Send(data []byte) error {
	if err := c.es.ctx.Err(); err != nil {
		return fmt.Errorf("publish on %s: endpoint shut down: %w", c.es.topicName, err)
	}
	if err := c.es.topic.Publish(c.es.ctx, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}
