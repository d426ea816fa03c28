package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	relay "github.com/ggoodman/kafka-relay-go"
	"github.com/ggoodman/kafka-relay-go/internal/config"
	"github.com/ggoodman/kafka-relay-go/internal/envfile"
	"github.com/ggoodman/kafka-relay-go/internal/logctx"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "kafka-relay",
		Short:        "Kafka over HTTP relay",
		Long:         "kafka-relay exposes subscribe, consume and produce on Kafka topics as short HTTP calls.",
		SilenceUsage: true,
	}

	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the relay HTTP server",
		Aliases: []string{"start"},
		RunE: func(cmd *cobra.Command, args []string) error {
			envPath, _ := cmd.Flags().GetString("env-file")
			port, _ := cmd.Flags().GetInt("port")
			return serve(cmd.Context(), envPath, port)
		},
	}
	serveCmd.Flags().String("env-file", os.Getenv("RELAY_ENV_FILE"), "dotenv file loaded at startup and watched for changes")
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides PORT)")
	rootCmd.AddCommand(serveCmd)

	return rootCmd
}

func serve(parent context.Context, envPath string, port int) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	env, err := envfile.Load(envPath)
	if err != nil {
		return err
	}
	// The file only fills variables the process environment leaves unset.
	if err := env.Apply(); err != nil {
		return fmt.Errorf("apply env file: %w", err)
	}
	if port > 0 {
		if err := os.Setenv("PORT", strconv.Itoa(port)); err != nil {
			return err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logctx.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(log)

	// Reload with the configured logger; this instance is the one watched.
	env, err = envfile.Load(envPath, envfile.WithLogger(log))
	if err != nil {
		return err
	}

	r, err := relay.New(ctx, cfg, relay.WithLogger(log), relay.WithEnv(env))
	if err != nil {
		log.ErrorContext(ctx, "relay.init.fail", slog.String("err", err.Error()))
		return err
	}
	if err := r.Run(ctx); err != nil {
		log.ErrorContext(ctx, "relay.run.fail", slog.String("err", err.Error()))
		return err
	}
	return nil
}
