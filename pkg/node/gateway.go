package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/DeBrosOfficial/roverlink/pkg/bridge"
	rlerrors "github.com/DeBrosOfficial/roverlink/pkg/errors"
	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"go.uber.org/zap"
)

// startGateway starts the control and video bridges and serves them with
// the introspection routes on the configured listen address.
func (n *Node) startGateway(ctx context.Context) error {
	if !n.config.Bridge.Enabled {
		n.logger.ComponentInfo(logging.ComponentNode, "Bridges disabled in config")
		return nil
	}

	control, err := bridge.NewControlBridge(n.registry, n.config.Bridge, n.logger)
	if err != nil {
		return err
	}
	n.control = control
	control.Start(ctx)

	video, err := bridge.NewVideoBridge(n.registry, n.config.Bridge, n.logger)
	if err != nil {
		return err
	}
	n.video = video
	video.Start(ctx)

	ln, err := net.Listen("tcp", n.config.Bridge.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.config.Bridge.ListenAddr, err)
	}
	n.addr = ln.Addr().String()
	n.server = &http.Server{
		Handler:           bridge.NewServer(n.registry, control, video, n.metrics.Handler()).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          n.logger.StdLog(logging.ComponentBridge),
	}

	n.group.Go(func() error {
		if err := n.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return rlerrors.NewInternalError("bridge server failed", err).WithOperation("serve")
		}
		return nil
	})

	n.logger.ComponentInfo(logging.ComponentNode, "Bridge server listening",
		zap.String("addr", n.addr))
	return nil
}

// stopGateway shuts the HTTP server down and closes the bridges, which
// also disconnects their WebSocket clients.
func (n *Node) stopGateway() error {
	var errs []error
	if n.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), n.shutdownTimeout())
		if err := n.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown bridge server: %w", err))
		}
		cancel()
	}
	if n.control != nil {
		if err := n.control.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.video != nil {
		if err := n.video.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Addr returns the address the bridge server listens on, or "" when the
// bridges are disabled.
func (n *Node) Addr() string {
	return n.addr
}
