package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/DeBrosOfficial/roverlink/pkg/channel"
	"github.com/DeBrosOfficial/roverlink/pkg/config"
	"github.com/DeBrosOfficial/roverlink/pkg/imageconv"
	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"github.com/DeBrosOfficial/roverlink/pkg/message"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CameraFrame is the message broadcast for every encoded frame.
type CameraFrame struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Image    string `json:"image"`
}

// VideoBridge streams camera frames to WebSocket clients as base64 JPEG.
// Frames beyond the configured rate are dropped before encoding.
type VideoBridge struct {
	cfg     config.BridgeConfig
	logger  *logging.ColoredLogger
	hub     *hub
	limiter *rate.Limiter

	camera *channel.SubscribeHandle[message.Image]
	frames chan message.Image

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewVideoBridge subscribes to the camera channel through reg.
func NewVideoBridge(reg *channel.Registry, cfg config.BridgeConfig, logger *logging.ColoredLogger) (*VideoBridge, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	limit := rate.Inf
	if cfg.MaxFPS > 0 {
		limit = rate.Limit(cfg.MaxFPS)
	}
	b := &VideoBridge{
		cfg:     cfg,
		logger:  logger,
		hub:     newHub("video", logger),
		limiter: rate.NewLimiter(limit, 1),
		frames:  make(chan message.Image, 1),
	}

	camera, err := channel.AcquireSubscriber[message.Image](reg, cfg.CameraChannel)
	if err != nil {
		return nil, fmt.Errorf("camera channel: %w", err)
	}
	if err := subscribeOrRelease(camera, b.handleImage); err != nil {
		return nil, fmt.Errorf("camera channel: %w", err)
	}
	b.camera = camera
	return b, nil
}

// Start launches the frame encoder.
func (b *VideoBridge) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	go b.encodeLoop(ctx)

	b.logger.ComponentInfo(logging.ComponentBridge, "Video bridge started",
		zap.String("camera_channel", b.cfg.CameraChannel),
		zap.Float64("max_fps", b.cfg.MaxFPS))
}

// Close stops the encoder, disconnects clients and releases the handle.
func (b *VideoBridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.hub.close()
	return b.camera.Close()
}

// ServeHTTP upgrades the request to a WebSocket video stream.
func (b *VideoBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.hub.serve(w, r, nil)
}

// handleImage runs on the delivery path, so it only hands the frame over.
func (b *VideoBridge) handleImage(img message.Image) {
	if b.hub.count() == 0 || !b.limiter.Allow() {
		return
	}
	select {
	case b.frames <- img:
	default:
		// encoder still busy with the previous frame
	}
}

func (b *VideoBridge) encodeLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case img := <-b.frames:
			data, err := b.encode(&img)
			if err != nil {
				b.logger.ComponentWarn(logging.ComponentBridge, "Failed to encode camera frame",
					zap.String("encoding", img.Encoding), zap.Error(err))
				continue
			}
			if dropped := b.hub.broadcast(data); dropped > 0 {
				b.logger.ComponentDebug(logging.ComponentBridge, "Slow clients skipped frame", zap.Int("dropped", dropped))
			}
		}
	}
}

func (b *VideoBridge) encode(img *message.Image) ([]byte, error) {
	jpeg, err := imageconv.ToBase64JPEG(img, b.cfg.JPEGQuality)
	if err != nil {
		return nil, err
	}
	return json.Marshal(CameraFrame{Type: "camera_image", Encoding: "base64", Image: jpeg})
}
