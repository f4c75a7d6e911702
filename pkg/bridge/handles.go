package bridge

import (
	"errors"

	"github.com/DeBrosOfficial/roverlink/pkg/channel"
)

// subscribeOrRelease registers fn on h. When that fails the handle is
// released and both errors are returned.
func subscribeOrRelease[T any](h *channel.SubscribeHandle[T], fn channel.Consumer[T]) error {
	if _, err := h.Subscribe(fn); err != nil {
		return errors.Join(err, h.Close())
	}
	return nil
}
