package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-io/mqttd"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	cfg, err := mqttd.LoadConfig(*path)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(newConsoleHandler(os.Stderr, level))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var connect mqttd.ConnectHandler
	if len(cfg.Auth) != 0 {
		connect = mqttd.PasswordAuth(cfg.GetAuth)
	}
	router := mqttd.NewRouter()
	app := mqttd.NewApp(connect, append(cfg.Options(), mqttd.Logger(logger))...).
		Publish(router).
		Control(router)
	group, ctx := errgroup.WithContext(ctx)
	srv := mqttd.NewServer(ctx, app)

	serve := func(l mqttd.Listen, run func() error) {
		if l.URL == "" {
			return
		}
		group.Go(func() error {
			if err := run(); !errors.Is(err, mqttd.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	serve(cfg.MQTT, func() error {
		return srv.ListenAndServe(mqttd.URL(cfg.MQTT.URL))
	})
	serve(cfg.MQTTs, func() error {
		return srv.ListenAndServeTLS(cfg.MQTTs.CertFile, cfg.MQTTs.KeyFile, mqttd.URL(cfg.MQTTs.URL))
	})
	serve(cfg.WebSocket, func() error {
		return srv.ListenAndServeWebsocket("", "", mqttd.URL(cfg.WebSocket.URL))
	})
	serve(cfg.WebSockets, func() error {
		return srv.ListenAndServeWebsocket(cfg.WebSockets.CertFile, cfg.WebSockets.KeyFile, mqttd.URL(cfg.WebSockets.URL))
	})
	if cfg.HTTP.URL != "" {
		group.Go(func() error {
			if err := mqttd.Httpd(ctx, cfg.HTTP.URL, srv, router); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mqttd stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("mqttd stopped")
}
