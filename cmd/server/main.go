package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"absurdroom/internal/app"
	"absurdroom/internal/config"
	"absurdroom/internal/deck"
	"absurdroom/internal/events"
	"absurdroom/internal/identity"
	"absurdroom/internal/store"
	httpTransport "absurdroom/internal/transport/http"
)

const releaseVersion = "0.1.0"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cobra.CheckErr(newRootCmd().Execute())
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "absurdroom",
		Short:         "Party game rooms: prompts, answers, one winner per round.",
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.HiddenDefaultCmd = true
	root.SetHelpCommand(&cobra.Command{Hidden: true})

	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the game server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg := config.Load(v)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Logging, os.Stdout)

	logger.Info().
		Str("env", cfg.Server.Env).
		Str("port", cfg.Server.Port).
		Str("store", cfg.Store.Driver).
		Msg("starting absurdroom server")

	clock := clockwork.NewRealClock()

	st, err := store.Open(store.Options{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
		Clock:  clock,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	dk, err := deck.Load(cfg.Game.DeckPath)
	if err != nil {
		return err
	}

	publisher, err := newPublisher(cfg.Events, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	sessions, err := identity.NewProvider(cfg.Session.Secret, cfg.Session.TTL, clock, logger)
	if err != nil {
		return err
	}

	rooms := app.NewService(st, dk, publisher, app.Options{
		Clock:        clock,
		RoomTTL:      cfg.Game.RoomTTL,
		ReapInterval: cfg.Game.ReapInterval,
	}, logger)
	rooms.Start()
	defer rooms.Close()

	server := httpTransport.NewServer(cfg, rooms, sessions, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
	return nil
}

// newPublisher relays events to NATS when configured, and always to the log
func newPublisher(cfg config.EventsConfig, logger zerolog.Logger) (events.Publisher, error) {
	logPublisher := events.NewLogPublisher(logger)
	if cfg.NATSURL == "" {
		return logPublisher, nil
	}

	nats, err := events.NewNATSPublisher(events.NATSConfig{
		URL:     cfg.NATSURL,
		Subject: cfg.NATSSubject,
	}, logger)
	if err != nil {
		return nil, err
	}
	return events.Multi{logPublisher, nats}, nil
}

func newLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
