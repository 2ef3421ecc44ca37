package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradepulse/tradepulse/internal/app"
)

// Exit codes: 0 clean shutdown, 1 runtime failure, 2 startup failure,
// 130 interrupted at the terminal.
const (
	exitOK      = 0
	exitRuntime = 1
	exitStartup = 2
	exitSIGINT  = 130
)

const shutdownGrace = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "config file path (default: search ./configs then .)")
	embeddedBus := flag.Bool("embedded-bus", false, "run an in-process NATS server instead of dialing nats.url")
	flag.Parse()

	// Bootstrap logger until the config sets the real level and format.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Info().Msg("Starting TradePulse")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	a, err := app.New(ctx, app.Options{ConfigPath: *configPath, EmbeddedBus: *embeddedBus})
	if err != nil {
		log.Error().Err(err).Msg("Startup failed")
		return exitStartup
	}
	defer a.Close()

	errChan := make(chan error, 1)
	go func() { errChan <- a.Run(ctx) }()

	var sig os.Signal
	select {
	case err := <-errChan:
		if err != nil {
			log.Error().Err(err).Msg("Trading core failed")
			return exitRuntime
		}
		log.Info().Msg("Trading core stopped")
		return exitOK
	case sig = <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	// Stop accepting work and wait for the loops to drain.
	cancel()
	select {
	case err := <-errChan:
		if err != nil {
			log.Error().Err(err).Msg("Shutdown finished with error")
			return exitRuntime
		}
	case <-time.After(shutdownGrace):
		log.Error().Msg("Shutdown timed out, exiting hard")
		return exitRuntime
	}

	log.Info().Msg("Shutdown complete")
	if sig == syscall.SIGINT {
		return exitSIGINT
	}
	return exitOK
}
