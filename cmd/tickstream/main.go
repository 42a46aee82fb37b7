package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"tickstream/internal/app"
	"tickstream/internal/auth"
	"tickstream/internal/client"
	"tickstream/internal/config"
	"tickstream/internal/logging"
	"tickstream/pkg/types"
)

var version = "dev"

func main() {
	if err := newCLI(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "tickstream: %v\n", err)
		os.Exit(1)
	}
}

func newCLI(out io.Writer) *cli.App {
	return &cli.App{
		Name:        "tickstream",
		Version:     version,
		Usage:       "real-time topic fan-out over WebSocket",
		Description: "Serves market, notification and prediction streams to WebSocket subscribers",
		Writer:      out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-file",
				Aliases: []string{"c"},
				Usage:   "JSON config file overriding the environment",
				EnvVars: []string{config.FileEnvVar},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Logging level: [debug info warn error]",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format: [json pretty]",
				EnvVars: []string{"LOG_FORMAT"},
				Value:   logging.FormatJSON,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the fan-out server",
				Action: serve,
			},
			{
				Name:  "watch",
				Usage: "Subscribe to topics and print every event",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Value: "ws://localhost:8080/ws", Usage: "server WebSocket URL"},
					&cli.StringSliceFlag{Name: "topic", Aliases: []string{"t"}, Usage: "topic to subscribe, repeatable", Required: true},
					&cli.StringFlag{Name: "token", EnvVars: []string{"TICKSTREAM_TOKEN"}, Usage: "bearer token"},
					&cli.DurationFlag{Name: "ping", Value: 15 * time.Second, Usage: "latency ping interval, 0 disables"},
					&cli.IntFlag{Name: "max-attempts", Usage: "reconnect attempts before giving up, negative retries forever (default RECONNECT_MAX_ATTEMPTS)"},
				},
				Action: watch,
			},
			{
				Name:  "token",
				Usage: "Issue a signed handshake token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "secret", EnvVars: []string{"AUTH_SECRET"}, Required: true},
					&cli.StringFlag{Name: "user", Required: true},
					&cli.DurationFlag{Name: "ttl", Value: time.Hour},
				},
				Action: issueToken,
			},
		},
	}
}

func newLogger(c *cli.Context) zerolog.Logger {
	return logging.New(logging.Config{
		Level:  c.String("log-level"),
		Format: c.String("log-format"),
		Output: os.Stderr,
	})
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func serve(c *cli.Context) error {
	bootLogger := newLogger(c)

	cfg, err := config.LoadConfigWithPrecedence(c.String("config-file"), bootLogger)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
	logger.Info().Str("version", version).Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Starting tickstream")
	cfg.LogFields(logger)

	ctx, stop := signalContext(c.Context)
	defer stop()

	application, err := app.NewApplication(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return application.Stop(shutdownCtx)
}

func watch(c *cli.Context) error {
	logger := newLogger(c)

	cfg, err := watchConfig(c, logger)
	if err != nil {
		return err
	}
	m, err := client.New(cfg, logger)
	if err != nil {
		return err
	}
	for _, t := range c.StringSlice("topic") {
		if err := m.Subscribe(t); err != nil {
			return fmt.Errorf("invalid topic %q: %w", t, err)
		}
	}

	enc := json.NewEncoder(c.App.Writer)
	m.On(client.AnyEvent, func(env types.Envelope) {
		if env.Type == types.EventPong {
			logger.Debug().Dur("latency", m.Latency()).Msg("Pong")
			return
		}
		_ = enc.Encode(env)
	})
	m.OnStateChange(func(s client.State) {
		logger.Info().Str("state", s.String()).Int("attempt", m.Attempt()).Msg("Connection state changed")
	})

	ctx, stop := signalContext(c.Context)
	defer stop()

	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return m.Stop()
}

// watchConfig builds the client settings from the reconnect and queue
// config keys; --max-attempts overrides RECONNECT_MAX_ATTEMPTS
func watchConfig(c *cli.Context, logger zerolog.Logger) (client.Config, error) {
	loaded, err := config.LoadConfigWithPrecedence(c.String("config-file"), logger)
	if err != nil {
		return client.Config{}, err
	}

	cfg := client.Config{
		URL:          c.String("url"),
		Token:        c.String("token"),
		BaseDelay:    loaded.Client.BaseDelay,
		MaxDelay:     loaded.Client.MaxDelay,
		MaxAttempts:  loaded.Client.MaxAttempts,
		QueueSize:    loaded.Client.QueueSize,
		PingInterval: c.Duration("ping"),
	}
	if c.IsSet("max-attempts") {
		cfg.MaxAttempts = c.Int("max-attempts")
	}
	return cfg, nil
}

func issueToken(c *cli.Context) error {
	v, err := auth.NewJWTValidator(c.String("secret"), true)
	if err != nil {
		return err
	}
	token, err := v.Issue(c.String("user"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, token)
	return err
}
