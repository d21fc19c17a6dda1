package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/raterudder/sunsynk/pkg/controller"
	"github.com/raterudder/sunsynk/pkg/log"
	"github.com/raterudder/sunsynk/pkg/publisher"
	"github.com/raterudder/sunsynk/pkg/server"
	"github.com/raterudder/sunsynk/pkg/storage"
	"github.com/raterudder/sunsynk/pkg/sunsynk"
)

func main() {
	// init packages
	account, client, cfg := sunsynk.Configured()
	s := storage.Configured()
	mqttCfg := publisher.ConfiguredMQTT()

	metrics := publisher.NewMetrics()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		metrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// sinks that depend on flags are added once flags are parsed
	fanout := publisher.NewFanout(publisher.Log{}, metrics)
	pool := controller.Configured(account, client, fanout)

	// init server
	srv := server.Configured(pool, account, s, registry)

	// parse flags
	lflag.Configure()

	// lflag automatically sets llog's level, but we need to set the slog level
	level, err := log.LevelFromLLog(llog.GetLevel())
	if err != nil {
		panic(err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cfg.Validate(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid sunsynk configuration", slog.Any("error", err))
		os.Exit(1)
	}

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()
	fanout.Add(s.Database)

	if mqttCfg.Enabled() {
		mq := publisher.NewMQTT(mqttCfg.Client(), mqttCfg.Prefix)
		if err := mq.Connect(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to connect to mqtt", slog.Any("error", err))
			os.Exit(1)
		}
		defer mq.Close()
		fanout.Add(mq)

		err := mq.Subscribe(ctx, func(ctx context.Context, serial, channel, value string) error {
			c, err := pool.Get(serial)
			if err != nil {
				return err
			}
			return c.HandleChannelCommand(ctx, channel, value)
		})
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to subscribe to mqtt commands", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// the first login decides whether polling can start at all
	if _, err := account.Authenticate(ctx, cfg.Username, cfg.Password); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to log in to sunsynk",
			slog.String("outcome", sunsynk.AuthOutcome(err).String()),
			slog.Any("error", err),
		)
		if sunsynk.Fatal(err) {
			os.Exit(1)
		}
	}

	if err := pool.Start(ctx, cfg.Inverters); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start polling", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Stop()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
