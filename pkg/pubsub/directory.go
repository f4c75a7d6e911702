package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"github.com/DeBrosOfficial/roverlink/pkg/transport"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// announcementTTL bounds how long a remote channel stays listed without a
// fresh announcement.
const announcementTTL = 5 * time.Minute

// ChannelAnnouncement is published on the directory topic when an endpoint
// registers, periodically while it lives, and once more (Withdrawn) when it
// shuts down.
type ChannelAnnouncement struct {
	PeerID      string   `json:"peer_id"`
	Addresses   []string `json:"addresses"`
	Channel     string   `json:"channel"`
	Role        string   `json:"role"`
	ChannelType string   `json:"channel_type"`
	Timestamp   int64    `json:"timestamp"`
	Withdrawn   bool     `json:"withdrawn,omitempty"`
}

// RemoteChannel is a channel endpoint announced by another peer.
type RemoteChannel struct {
	PeerID      peer.ID   `json:"peer_id"`
	Role        string    `json:"role"`
	ChannelType string    `json:"channel_type"`
	LastSeen    time.Time `json:"last_seen"`
}

// DirectoryService keeps track of which peers serve which channels and
// connects to announced peers.
type DirectoryService struct {
	rt     *Runtime
	logger *logging.ColoredLogger

	mu        sync.Mutex
	topic     *pubsub.Topic
	sub       *pubsub.Subscription
	cancel    context.CancelFunc
	interests map[string]map[string]RemoteChannel // channel -> peer/role -> entry

	wg sync.WaitGroup
}

func newDirectoryService(rt *Runtime) *DirectoryService {
	return &DirectoryService{
		rt:        rt,
		logger:    rt.logger,
		interests: make(map[string]map[string]RemoteChannel),
	}
}

// joined returns the directory topic, joining it on first use. The topic
// stays joined until the runtime is closed.
func (d *DirectoryService) joined() (*pubsub.Topic, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.topic != nil {
		return d.topic, nil
	}
	d.rt.mu.Lock()
	topic, err := d.rt.acquireTopicLocked(d.rt.directoryTopic)
	d.rt.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.topic = topic
	return topic, nil
}

// Start subscribes to the directory topic and begins periodic
// announcements of the runtime's live endpoints.
func (d *DirectoryService) Start(ctx context.Context) error {
	topic, err := d.joined()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		return nil
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to directory: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	d.sub = sub
	d.cancel = cancel

	d.wg.Add(1)
	go d.readLoop(ctx, sub)
	if d.rt.announceInterval > 0 {
		d.wg.Add(1)
		go d.announcePeriodically(ctx)
	}
	d.logger.ComponentInfo(logging.ComponentLibP2P, "Channel directory started",
		zap.String("topic", d.rt.directoryTopic))
	return nil
}

// Stop ends the directory subscription and waits for its goroutines.
func (d *DirectoryService) Stop() {
	d.mu.Lock()
	cancel, sub := d.cancel, d.sub
	d.cancel, d.sub = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
	sub.Cancel()
}

func (d *DirectoryService) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	defer d.wg.Done()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.ComponentWarn(logging.ComponentLibP2P, "Directory subscription ended", zap.Error(err))
			}
			return
		}
		d.handleAnnouncement(ctx, msg.Data)
	}
}

func (d *DirectoryService) announcePeriodically(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.rt.announceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, desc := range d.rt.liveEndpoints() {
				if err := d.announce(ctx, desc, false); err != nil {
					d.logger.ComponentDebug(logging.ComponentLibP2P, "Failed to announce channel",
						zap.String("channel", desc.Name), zap.Error(err))
				}
			}
		}
	}
}

// announcement builds the directory record for desc.
func (d *DirectoryService) announcement(desc transport.Descriptor, withdrawn bool) ChannelAnnouncement {
	h := d.rt.host
	addrs := h.Addrs()
	addrStrs := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		fullAddr := addr.Encapsulate(multiaddr.StringCast("/p2p/" + h.ID().String()))
		addrStrs = append(addrStrs, fullAddr.String())
	}
	return ChannelAnnouncement{
		PeerID:      h.ID().String(),
		Addresses:   addrStrs,
		Channel:     desc.Name,
		Role:        desc.Role.String(),
		ChannelType: desc.ChannelType,
		Timestamp:   time.Now().Unix(),
		Withdrawn:   withdrawn,
	}
}

// announce publishes the directory record for desc.
func (d *DirectoryService) announce(ctx context.Context, desc transport.Descriptor, withdrawn bool) error {
	topic, err := d.joined()
	if err != nil {
		return err
	}
	data, err := json.Marshal(d.announcement(desc, withdrawn))
	if err != nil {
		return fmt.Errorf("failed to marshal channel announcement: %w", err)
	}
	if err := topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish channel announcement: %w", err)
	}
	return nil
}

// handleAnnouncement records a remote channel and connects to its peer.
// Invalid, stale and self announcements are ignored.
func (d *DirectoryService) handleAnnouncement(ctx context.Context, data []byte) {
	var ann ChannelAnnouncement
	if err := json.Unmarshal(data, &ann); err != nil {
		d.logger.ComponentDebug(logging.ComponentLibP2P, "Failed to unmarshal channel announcement", zap.Error(err))
		return
	}
	if ann.Channel == "" {
		return
	}
	if time.Now().Unix()-ann.Timestamp > int64(announcementTTL/time.Second) {
		return
	}
	peerID, err := peer.Decode(ann.PeerID)
	if err != nil {
		d.logger.ComponentDebug(logging.ComponentLibP2P, "Invalid peer ID in announcement", zap.Error(err))
		return
	}
	h := d.rt.host
	if peerID == h.ID() {
		return
	}

	key := peerID.String() + "/" + ann.Role
	d.mu.Lock()
	if ann.Withdrawn {
		if byPeer, ok := d.interests[ann.Channel]; ok {
			delete(byPeer, key)
			if len(byPeer) == 0 {
				delete(d.interests, ann.Channel)
			}
		}
	} else {
		byPeer, ok := d.interests[ann.Channel]
		if !ok {
			byPeer = make(map[string]RemoteChannel)
			d.interests[ann.Channel] = byPeer
		}
		byPeer[key] = RemoteChannel{
			PeerID:      peerID,
			Role:        ann.Role,
			ChannelType: ann.ChannelType,
			LastSeen:    time.Unix(ann.Timestamp, 0),
		}
	}
	d.mu.Unlock()
	if ann.Withdrawn {
		return
	}

	var validAddrs []multiaddr.Multiaddr
	for _, addrStr := range ann.Addresses {
		addr, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			continue
		}
		validAddrs = append(validAddrs, addr)
	}
	if len(validAddrs) == 0 {
		return
	}
	h.Peerstore().AddAddrs(peerID, validAddrs, time.Hour)

	if h.Network().Connectedness(peerID) != network.Connected {
		d.wg.Add(1)
		go d.tryConnectToPeer(ctx, peerID, validAddrs)
	}
}

func (d *DirectoryService) tryConnectToPeer(ctx context.Context, peerID peer.ID, addrs []multiaddr.Multiaddr) {
	defer d.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := d.rt.host.Connect(ctx, peer.AddrInfo{ID: peerID, Addrs: addrs}); err != nil {
		d.logger.ComponentDebug(logging.ComponentLibP2P, "Failed to connect to announced peer",
			zap.String("peer_id", peerID.String()), zap.Error(err))
		return
	}
	d.logger.ComponentInfo(logging.ComponentLibP2P, "Connected to announced peer",
		zap.String("peer_id", peerID.String()))
}

// Peers returns the remote endpoints announced for channel, ordered by peer
// and role.
func (d *DirectoryService) Peers(channel string) []RemoteChannel {
	cutoff := time.Now().Add(-announcementTTL)

	d.mu.Lock()
	out := make([]RemoteChannel, 0, len(d.interests[channel]))
	for _, rc := range d.interests[channel] {
		if rc.LastSeen.After(cutoff) {
			out = append(out, rc)
		}
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].PeerID != out[j].PeerID {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].Role < out[j].Role
	})
	return out
}

// Channels lists every channel with at least one announced remote endpoint.
func (d *DirectoryService) Channels() []string {
	d.mu.Lock()
	out := make([]string, 0, len(d.interests))
	for ch := range d.interests {
		out = append(out, ch)
	}
	d.mu.Unlock()
	sort.Strings(out)
	return out
}
