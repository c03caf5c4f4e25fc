package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucasew/convcache/internal/app"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the HTTP server and the background GC task",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := cacheConfig()
		cfg.Port = viper.GetInt("port")
		cfg.GCEnabled = viper.GetBool("gc")
		cfg.GCInterval = viper.GetDuration("gc-interval")
		cfg.GCTestInterval = viper.GetDuration("gc-test-interval")

		server, cleanup, err := app.NewServer(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			slog.Info("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	def := app.DefaultConfig()
	serveCmd.Flags().Int("port", def.Port, "Port to run the server on")
	serveCmd.Flags().Bool("gc", def.GCEnabled, "Run the background GC task")
	serveCmd.Flags().Duration("gc-interval", def.GCInterval, "Interval between GC sweeps")
	serveCmd.Flags().Duration("gc-test-interval", 0, "Overrides --gc-interval when set (for tests)")

	mustBindPFlag("port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("gc", serveCmd.Flags().Lookup("gc"))
	mustBindPFlag("gc-interval", serveCmd.Flags().Lookup("gc-interval"))
	mustBindPFlag("gc-test-interval", serveCmd.Flags().Lookup("gc-test-interval"))
}
