package main

import (
	"context"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/Tyrowin/roomchat/internal/app"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
		Output: os.Stderr,
	})
	logging.Info().Str("port", cfg.Server.Port).Str("database", cfg.Database.Path).
		Bool("relay", cfg.NATS.Enabled).Msg("starting roomchat server")

	node, err := app.New(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize server")
	}

	go func() {
		if err := node.Run(); err != nil {
			logging.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Server.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"roomchat": func(ctx context.Context) error {
				logging.Info().Msg("graceful shutdown initiated")
				return node.Shutdown(ctx)
			},
		},
	)

	exitCode := <-wait
	logging.Info().Int("exit_code", exitCode).Msg("server exited")
	os.Exit(exitCode)
}
