package pubsub

import (
	"fmt"

	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"
)

// topicRef is a joined topic shared by every endpoint of one channel.
type topicRef struct {
	topic    *pubsub.Topic
	refCount int
}

// acquireTopicLocked returns the joined topic for name, joining it on first
// use, and takes one reference. Caller holds r.mu.
func (r *Runtime) acquireTopicLocked(name string) (*pubsub.Topic, error) {
	if ref, exists := r.topics[name]; exists {
		ref.refCount++
		return ref.topic, nil
	}

	topic, err := r.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic: %w", err)
	}
	r.topics[name] = &topicRef{topic: topic, refCount: 1}
	return topic, nil
}

// releaseTopicLocked drops one reference and closes the topic when none
// remain. Caller holds r.mu.
func (r *Runtime) releaseTopicLocked(name string) {
	ref, exists := r.topics[name]
	if !exists {
		return
	}
	ref.refCount--
	if ref.refCount > 0 {
		return
	}
	delete(r.topics, name)
	if err := ref.topic.Close(); err != nil {
		r.logger.ComponentDebug(logging.ComponentLibP2P, "Failed to close topic",
			zap.String("topic", name), zap.Error(err))
	}
}

// topicRefCount reports the reference count of name, zero when not joined.
func (r *Runtime) topicRefCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.topics[name]; ok {
		return ref.refCount
	}
	return 0
}
