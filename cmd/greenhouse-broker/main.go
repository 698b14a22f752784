package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/coregx/greenhouse-broker/broker"
)

const (
	success = 0
	failure = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		flagPort            int
		flagHeartbeatPeriod time.Duration
		flagShutdownGrace   time.Duration
		flagLogLevel        string
	)

	pflag.IntVarP(&flagPort, "port", "p", 23048, "TCP port to listen on")
	pflag.DurationVar(&flagHeartbeatPeriod, "heartbeat-period", broker.DefaultHeartbeatPeriod, "interval between outbound HEARTBEAT frames")
	pflag.DurationVar(&flagShutdownGrace, "shutdown-grace", broker.DefaultShutdownGrace, "how long to wait for in-flight connections to finish on shutdown")
	pflag.StringVarP(&flagLogLevel, "log-level", "l", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		log.Error().Str("level", flagLogLevel).Err(err).Msg("could not parse log level")
		return failure
	}
	log = log.Level(level)

	srv, err := broker.NewServer(broker.Config{
		Port:            flagPort,
		HeartbeatPeriod: flagHeartbeatPeriod,
		ShutdownGrace:   flagShutdownGrace,
		Logger:          log,
	})
	if err != nil {
		log.Error().Err(err).Msg("could not construct broker server")
		return failure
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	select {
	case <-sig:
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("broker stopped unexpectedly")
			return failure
		}
		return success
	}

	ctx, cancel := context.WithTimeout(context.Background(), flagShutdownGrace+time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown did not complete cleanly")
		return failure
	}

	<-serveErr
	return success
}
