package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/DeBrosOfficial/roverlink/pkg/config"
	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"github.com/DeBrosOfficial/roverlink/pkg/node"
	"go.uber.org/zap"
)

type flags struct {
	configPath string
	listen     string
	transport  string
	help       bool
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to config YAML file (default ~/.roverlink/node.yaml when present)")
	flag.StringVar(&f.listen, "listen", "", "Bridge HTTP listen address, overrides bridge.listen_addr")
	flag.StringVar(&f.transport, "transport", "", "Transport runtime: memory, libp2p or nats")
	flag.BoolVar(&f.help, "help", false, "Show help")
	flag.Parse()
	return f
}

// loadConfig reads the explicit config file, falling back to the default
// path and then to built-in defaults.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	def, err := config.DefaultPath("node.yaml")
	if err == nil {
		if _, statErr := os.Stat(def); statErr == nil {
			cfg, err := config.Load(def)
			return cfg, def, err
		}
	}
	return config.DefaultConfig(), "", nil
}

// applyFlags applies command line overrides to cfg.
func applyFlags(cfg *config.Config, f flags) {
	if f.listen != "" {
		cfg.Bridge.ListenAddr = f.listen
	}
	if f.transport != "" {
		cfg.Transport.Kind = f.transport
	}
}

func newLogger(cfg config.LoggingConfig) (*logging.ColoredLogger, error) {
	return logging.New(logging.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		OutputFile: cfg.OutputFile,
		Colors:     true,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
	})
}

func main() {
	f := parseFlags()
	if f.help {
		flag.Usage()
		return
	}

	cfg, path, err := loadConfig(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, f)

	if errs := cfg.Validate(); len(errs) > 0 {
		fmt.Fprintf(os.Stderr, "\nConfiguration errors (%d):\n", len(errs))
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  - %s\n", e)
		}
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if path != "" {
		logger.ComponentInfo(logging.ComponentGeneral, "Configuration loaded", zap.String("path", path))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.NewNode(cfg, logger)
	if err != nil {
		logger.ComponentError(logging.ComponentGeneral, "Failed to create node", zap.Error(err))
		os.Exit(1)
	}
	if err := n.Start(ctx); err != nil {
		logger.ComponentError(logging.ComponentGeneral, "Failed to start node", zap.Error(err))
		os.Exit(1)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- n.Wait() }()

	select {
	case <-ctx.Done():
		logger.ComponentInfo(logging.ComponentGeneral, "Shutdown signal received")
	case err := <-waitErr:
		if err != nil {
			logger.ComponentError(logging.ComponentGeneral, "Node service failed", zap.Error(err))
		}
	}

	if err := n.Stop(); err != nil {
		logger.ComponentError(logging.ComponentGeneral, "Shutdown incomplete", zap.Error(err))
		os.Exit(1)
	}
}
