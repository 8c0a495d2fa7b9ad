// File: cmd/serve.go
package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserbridge/internal/connection"
	"github.com/xkilldash9x/browserbridge/internal/launcher"
	"github.com/xkilldash9x/browserbridge/internal/mcp"
	"github.com/xkilldash9x/browserbridge/internal/monitor"
	"github.com/xkilldash9x/browserbridge/internal/observability"
	"github.com/xkilldash9x/browserbridge/internal/registry"
	"github.com/xkilldash9x/browserbridge/internal/surface"
	"github.com/xkilldash9x/browserbridge/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP stdio server for an assistant to connect to.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	logger := observability.GetLogger().Named("serve")
	defer observability.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	platform := transport.DetectPlatform()
	tr := transport.ForPlatform(platform, cfg.Browser.DebugPort)
	profile := surface.Default()
	if cfg.Surface.HomeURL != "" {
		profile.HomeURL = cfg.Surface.HomeURL
	}

	reg := registry.New(tr, profile)
	launch := launcher.New(cfg, platform, tr)
	conn := connection.NewManager(tr, reg, launch, profile, connection.CDPDialer{})
	mon := monitor.New(conn, reg, profile)

	logger.Info("Bridge assembled",
		zap.String("platform", string(platform)),
		zap.Int("debug_port", cfg.Browser.DebugPort),
	)

	srv := mcp.NewServer(cfg, conn, mon, reg, launch, profile, Version)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeStdio() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("MCP server stopped", zap.Error(err))
			conn.Close()
			return err
		}
	}

	// The browser is externally owned; only the attachment is released.
	conn.Close()
	return nil
}
