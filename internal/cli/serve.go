package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/spiral/internal/metrics"
	"github.com/lazypower/spiral/internal/server"
)

// levelRefresh is how often the tier gauge is recomputed without events.
const levelRefresh = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := openEngine(ctx, true)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Start(); err != nil {
		return err
	}

	m := metrics.New(logger.Named("metrics"))
	go m.Run(ctx, eng, levelRefresh)

	srv := server.New(eng, m, logger.Named("http"), VersionString())
	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("spiral serving",
			zap.String("addr", addr),
			zap.String("embedder", eng.EmbedderModel()),
			zap.String("schedule", cfg.Evolution.Schedule))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
