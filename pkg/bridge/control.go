package bridge

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/DeBrosOfficial/roverlink/pkg/channel"
	"github.com/DeBrosOfficial/roverlink/pkg/config"
	"github.com/DeBrosOfficial/roverlink/pkg/errors"
	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"github.com/DeBrosOfficial/roverlink/pkg/message"
	"go.uber.org/zap"
)

// Request types accepted by the control bridge.
const (
	RequestControl        = "control"
	RequestPoseEstimate   = "pose_estimate"
	RequestNavigationGoal = "navigation_goal"
)

// mapFrame is the frame id stamped on navigation requests.
const mapFrame = "map"

type requestEnvelope struct {
	Type string `json:"type"`
}

// ControlRequest sets the normalized velocity, both values in [-1, 1].
type ControlRequest struct {
	Linear  float64 `json:"linear"`
	Angular float64 `json:"angular"`
}

// PlacementRequest positions the rover on the map. X and Y are fractions of
// the map size, Angle is in half turns.
type PlacementRequest struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Angle float64 `json:"angle"`
}

// PoseUpdate is broadcast to clients when a localized pose arrives.
type PoseUpdate struct {
	Type  string  `json:"type"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Angle float64 `json:"angle"`
}

// ControlBridge drives the rover from WebSocket clients. It republishes the
// last requested velocity as a Twist at a fixed interval, translates pose
// estimates and navigation goals into map coordinates, and streams the
// localized pose back to every client.
type ControlBridge struct {
	cfg    config.BridgeConfig
	logger *logging.ColoredLogger
	hub    *hub

	cmd         *channel.PublishHandle[message.Twist]
	initialPose *channel.PublishHandle[message.PoseWithCovarianceStamped]
	goal        *channel.PublishHandle[message.PoseStamped]
	mapMeta     *channel.SubscribeHandle[message.MapMetaData]
	pose        *channel.SubscribeHandle[message.PoseWithCovarianceStamped]

	mu      sync.Mutex
	linear  float64
	angular float64
	meta    *message.MapMetaData
	seq     uint32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewControlBridge acquires the bridge's channel handles from reg.
func NewControlBridge(reg *channel.Registry, cfg config.BridgeConfig, logger *logging.ColoredLogger) (_ *ControlBridge, err error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 100 * time.Millisecond
	}
	b := &ControlBridge{
		cfg:    cfg,
		logger: logger,
		hub:    newHub("control", logger),
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, b.closeHandles())
		}
	}()

	if b.cmd, err = channel.AcquirePublisher[message.Twist](reg, cfg.CommandChannel); err != nil {
		return nil, fmt.Errorf("command channel: %w", err)
	}
	if b.initialPose, err = channel.AcquirePublisher[message.PoseWithCovarianceStamped](reg, cfg.InitialPoseChannel); err != nil {
		return nil, fmt.Errorf("initial pose channel: %w", err)
	}
	if b.goal, err = channel.AcquirePublisher[message.PoseStamped](reg, cfg.GoalChannel); err != nil {
		return nil, fmt.Errorf("goal channel: %w", err)
	}
	if b.mapMeta, err = channel.AcquireSubscriber[message.MapMetaData](reg, cfg.MapMetadataChannel); err != nil {
		return nil, fmt.Errorf("map metadata channel: %w", err)
	}
	if b.pose, err = channel.AcquireSubscriber[message.PoseWithCovarianceStamped](reg, cfg.PoseChannel); err != nil {
		return nil, fmt.Errorf("pose channel: %w", err)
	}
	if _, err = b.mapMeta.Subscribe(b.handleMapMetaData); err != nil {
		return nil, err
	}
	if _, err = b.pose.Subscribe(b.handlePose); err != nil {
		return nil, err
	}
	return b, nil
}

// Start launches the periodic velocity publisher.
func (b *ControlBridge) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	go b.publishLoop(ctx)

	b.logger.ComponentInfo(logging.ComponentBridge, "Control bridge started",
		zap.String("command_channel", b.cfg.CommandChannel),
		zap.Duration("interval", b.cfg.PublishInterval))
}

// Close stops the publisher, disconnects clients and releases the handles.
func (b *ControlBridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.hub.close()
	return b.closeHandles()
}

func (b *ControlBridge) closeHandles() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if b.cmd != nil {
		keep(b.cmd.Close())
	}
	if b.initialPose != nil {
		keep(b.initialPose.Close())
	}
	if b.goal != nil {
		keep(b.goal.Close())
	}
	if b.mapMeta != nil {
		keep(b.mapMeta.Close())
	}
	if b.pose != nil {
		keep(b.pose.Close())
	}
	return first
}

// ServeHTTP upgrades the request to a WebSocket control session.
func (b *ControlBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.hub.serve(w, r, func(c *client, data []byte) {
		if reply := b.HandleRequest(data); reply != nil {
			c.enqueue(reply)
		}
	})
}

// HandleRequest applies one client request and returns the reply to send
// back, or nil when there is nothing to report.
func (b *ControlBridge) HandleRequest(data []byte) []byte {
	var env requestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return newErrorReply("invalid request: " + err.Error())
	}

	var err error
	switch env.Type {
	case RequestControl:
		var req ControlRequest
		if err = json.Unmarshal(data, &req); err == nil {
			err = b.SetVelocity(req.Linear, req.Angular)
		}
	case RequestPoseEstimate:
		var req PlacementRequest
		if err = json.Unmarshal(data, &req); err == nil {
			err = b.EstimatePose(req)
		}
	case RequestNavigationGoal:
		var req PlacementRequest
		if err = json.Unmarshal(data, &req); err == nil {
			err = b.SetGoal(req)
		}
	default:
		err = errors.NewValidationError("type", "unknown request type", env.Type)
	}
	if err != nil {
		b.logger.ComponentWarn(logging.ComponentBridge, "Dropping request",
			zap.String("type", env.Type), zap.Error(err))
		return newErrorReply(err.Error())
	}
	return nil
}

// SetVelocity stores the normalized velocity published on the next tick.
func (b *ControlBridge) SetVelocity(linear, angular float64) error {
	if math.IsNaN(linear) || math.Abs(linear) > 1 {
		return errors.NewValidationError("linear", "must be within [-1, 1]", linear)
	}
	if math.IsNaN(angular) || math.Abs(angular) > 1 {
		return errors.NewValidationError("angular", "must be within [-1, 1]", angular)
	}
	b.mu.Lock()
	b.linear, b.angular = linear, angular
	b.mu.Unlock()
	return nil
}

// Velocity returns the stored normalized velocity.
func (b *ControlBridge) Velocity() (linear, angular float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.linear, b.angular
}

func (b *ControlBridge) publishLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.PublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.publishTwist(); err != nil {
				b.logger.ComponentDebug(logging.ComponentBridge, "Skipping velocity command", zap.Error(err))
			}
		}
	}
}

func (b *ControlBridge) publishTwist() error {
	linear, angular := b.Velocity()
	var msg message.Twist
	msg.Linear.X = linear * b.cfg.LinearScale
	msg.Angular.Z = angular * b.cfg.AngularScale
	return b.cmd.Publish(msg)
}

// EstimatePose publishes an initial pose estimate.
func (b *ControlBridge) EstimatePose(req PlacementRequest) error {
	msg, err := b.initialPose.NewMessage()
	if err != nil {
		return err
	}
	pose, header, err := b.placement(req)
	if err != nil {
		return err
	}
	msg.Header = header
	msg.Pose.Pose = pose
	return b.initialPose.Publish(msg)
}

// SetGoal publishes a navigation goal.
func (b *ControlBridge) SetGoal(req PlacementRequest) error {
	msg, err := b.goal.NewMessage()
	if err != nil {
		return err
	}
	pose, header, err := b.placement(req)
	if err != nil {
		return err
	}
	msg.Header, msg.Pose = header, pose
	return b.goal.Publish(msg)
}

// placement maps a request onto the current map.
func (b *ControlBridge) placement(req PlacementRequest) (message.Pose, message.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.meta == nil {
		return message.Pose{}, message.Header{}, errors.NewNotReadyError(b.mapMeta.Name(), "no map metadata")
	}
	b.seq++
	header := message.Header{Seq: b.seq, Stamp: time.Now().UTC(), FrameID: mapFrame}
	pose := message.Pose{
		Position: message.Point{
			X: b.meta.Origin.Position.X + req.X*float64(b.meta.Width)*b.meta.Resolution,
			Y: b.meta.Origin.Position.Y + req.Y*float64(b.meta.Height)*b.meta.Resolution,
		},
		Orientation: message.QuaternionFromYaw(req.Angle),
	}
	return pose, header, nil
}

func (b *ControlBridge) handleMapMetaData(meta message.MapMetaData) {
	b.mu.Lock()
	b.meta = &meta
	b.mu.Unlock()
	b.logger.ComponentInfo(logging.ComponentBridge, "Map metadata received",
		zap.Uint32("width", meta.Width),
		zap.Uint32("height", meta.Height),
		zap.Float64("origin_x", meta.Origin.Position.X),
		zap.Float64("origin_y", meta.Origin.Position.Y),
		zap.Float64("resolution", meta.Resolution))
}

func (b *ControlBridge) handlePose(msg message.PoseWithCovarianceStamped) {
	update, ok := b.poseUpdate(msg.Pose.Pose)
	if !ok {
		return
	}
	data, err := json.Marshal(update)
	if err != nil {
		return
	}
	if dropped := b.hub.broadcast(data); dropped > 0 {
		b.logger.ComponentDebug(logging.ComponentBridge, "Slow clients skipped pose update", zap.Int("dropped", dropped))
	}
}

// poseUpdate converts a map pose back into map fractions.
func (b *ControlBridge) poseUpdate(p message.Pose) (PoseUpdate, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.meta == nil {
		return PoseUpdate{}, false
	}
	w := float64(b.meta.Width) * b.meta.Resolution
	h := float64(b.meta.Height) * b.meta.Resolution
	if w == 0 || h == 0 {
		return PoseUpdate{}, false
	}
	return PoseUpdate{
		Type:  "pose",
		X:     (p.Position.X - b.meta.Origin.Position.X) / w,
		Y:     (p.Position.Y - b.meta.Origin.Position.Y) / h,
		Angle: message.YawFromQuaternion(p.Orientation),
	}, true
}
