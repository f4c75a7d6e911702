package channel

// WithPublisher acquires a publisher handle for name, runs fn with it and
// closes the handle on every exit path, including panics. fn must not close
// the handle itself.
func WithPublisher[T any](r *Registry, name string, fn func(h *PublishHandle[T]) error) (err error) {
	h, err := AcquirePublisher[T](r, name)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(h)
}

// WithSubscriber is the subscriber counterpart of WithPublisher.
func WithSubscriber[T any](r *Registry, name string, fn func(h *SubscribeHandle[T]) error) (err error) {
	h, err := AcquireSubscriber[T](r, name)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(h)
}
