package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/peerstream/internal/config"
	"github.com/BioHazard786/peerstream/internal/logging"
	"github.com/BioHazard786/peerstream/internal/metrics"
	"github.com/BioHazard786/peerstream/internal/relay"
	"github.com/BioHazard786/peerstream/internal/server"
)

const shutdownTimeout = 10 * time.Second

var flagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay",
	Long: `Run the signaling relay that streamers and viewers connect to.

Examples:
  peerstream serve
  peerstream serve --addr :9000
  LOG_LEVEL=debug peerstream serve`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address (env: PEERSTREAM_ADDR)")
}

func runServe(ctx context.Context) error {
	logging.InitWithDefault(slog.LevelInfo)

	cfg, err := config.LoadServer(config.ServerOptions{Addr: flagAddr})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	m := metrics.New()
	registry := relay.NewRegistry(m)
	srv := server.New(cfg.Addr, registry, m, slog.Default())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
