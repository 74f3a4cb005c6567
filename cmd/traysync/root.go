package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shelepuginivan/traysync"
	"github.com/spf13/cobra"
)

var (
	configPath string
	settle     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "traysync",
	Short: "Inspect system tray items on the session bus",
	Long: `traysync mirrors StatusNotifierItem applications and their menus from the
session bus. It either serves as the status notifier watcher or observes
the one that is already running.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML or YAML configuration file")
	rootCmd.PersistentFlags().DurationVar(&settle, "settle", 500*time.Millisecond, "time to wait for items to be discovered")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(menuCmd)
	rootCmd.AddCommand(activateCmd)
}

// ExecuteContext runs the root command with a supplied context for
// cancellation.
func ExecuteContext(ctx context.Context) error {
	rootCmd.SetContext(ctx)
	return rootCmd.Execute()
}

func loadConfig() (traysync.Config, error) {
	if configPath == "" {
		return traysync.DefaultConfig(), nil
	}

	return traysync.LoadConfig(configPath)
}

func initLogger(cfg traysync.Config) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).Level(cfg.Level()).With().Timestamp().Str("app", "traysync").Logger()
	log.Logger = logger
	return logger
}

// session is a started client together with a subscription that receives
// every event since the start.
type session struct {
	bus    traysync.Bus
	client *traysync.Client
	sub    *traysync.Subscription
}

func startSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := initLogger(cfg)

	bus, err := traysync.SessionBus()
	if err != nil {
		return nil, err
	}

	client := traysync.New(bus, traysync.WithConfig(cfg), traysync.WithLogger(logger))
	sub := client.Subscribe()

	if err := client.Start(ctx); err != nil {
		client.Close()
		bus.Close()
		return nil, err
	}

	return &session{bus: bus, client: client, sub: sub}, nil
}

func (s *session) Close() {
	s.sub.Close()
	s.client.Close()
	s.bus.Close()
}

// settled waits until no item was discovered for the settle period.
func (s *session) settled(ctx context.Context) error {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, settle)
		ev, err := s.sub.Recv(waitCtx)
		cancel()

		var lagged *traysync.LaggedError
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return nil
		case errors.As(err, &lagged):
			continue
		case err != nil:
			return err
		}

		if lost, ok := ev.(traysync.ConnectionLost); ok {
			return lost.Err
		}
	}
}

// find returns the item matching arg, either its key or its id.
func (s *session) find(arg string) (traysync.ItemSnapshot, error) {
	if key, err := traysync.ParseItemKey(arg); err == nil {
		if item, ok := s.client.Item(key); ok {
			return item, nil
		}
	}

	for _, item := range s.client.Items() {
		if item.ID == arg {
			return item, nil
		}
	}

	return traysync.ItemSnapshot{}, fmt.Errorf("%s: %w", arg, traysync.ErrUnknownItem)
}
