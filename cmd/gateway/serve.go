package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/soimy/openclaw-channel-dingtalk/internal/channel"
	"github.com/soimy/openclaw-channel-dingtalk/internal/config"
	"github.com/soimy/openclaw-channel-dingtalk/internal/dingtalk"
	"github.com/soimy/openclaw-channel-dingtalk/internal/handlers"
	"github.com/soimy/openclaw-channel-dingtalk/internal/logger"
	"github.com/soimy/openclaw-channel-dingtalk/internal/server"
)

func runServe(cfgPath string) error {
	fx.New(
		fx.Provide(
			func() (config.Config, error) { return provideConfig(cfgPath) },
			provideLogger,
			provideClient,
			dingtalk.NewTokenCache,
			dingtalk.NewDedupStore,
			dingtalk.NewPeerRegistry,
			dingtalk.NewCardStore,
			provideMediaService,
			dingtalk.NewSendService,
			dingtalk.NewCardService,
			provideRuntime,
			provideGateway,
			handlers.NewPingHandler,
			handlers.NewStatusHandler,
			handlers.NewMessageHandler,
			provideServer,
		),
		fx.Invoke(
			startCardSweeper,
			startGateway,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
	return nil
}

func provideConfig(cfgPath string) (config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideClient(log *slog.Logger) *dingtalk.Client {
	return dingtalk.NewClient(nil, log)
}

func provideMediaService(client *dingtalk.Client, tokens *dingtalk.TokenCache, log *slog.Logger) *dingtalk.MediaService {
	return dingtalk.NewMediaService(client, nil, tokens, log)
}

func provideRuntime() channel.Runtime {
	return channel.NewLocalRuntime("").Runtime()
}

func provideGateway(cfg config.Config, runtime channel.Runtime, client *dingtalk.Client, tokens *dingtalk.TokenCache, dedup *dingtalk.DedupStore, peers *dingtalk.PeerRegistry, cards *dingtalk.CardService, send *dingtalk.SendService, media *dingtalk.MediaService, log *slog.Logger) *channel.Gateway {
	return channel.NewGateway(channel.GatewayParams{
		Config:  cfg,
		Runtime: runtime,
		Client:  client,
		Tokens:  tokens,
		Dedup:   dedup,
		Peers:   peers,
		Cards:   cards,
		Send:    send,
		Media:   media,
		Log:     log,
	})
}

func provideServer(cfg config.Config, pingHandler *handlers.PingHandler, statusHandler *handlers.StatusHandler, messageHandler *handlers.MessageHandler) *server.Server {
	return server.NewServer(cfg.Server.Addr, pingHandler, statusHandler, messageHandler)
}

// startCardSweeper evicts terminal card instances past their retention window.
func startCardSweeper(lc fx.Lifecycle, store *dingtalk.CardStore, log *slog.Logger) {
	c := cron.New()
	if _, err := c.AddFunc("@every 10m", func() {
		if n := store.Sweep(time.Now()); n > 0 {
			log.Debug("swept card instances", slog.Int("count", n))
		}
	}); err != nil {
		log.Error("failed to schedule card sweep", slog.Any("error", err))
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { c.Start(); return nil },
		OnStop:  func(context.Context) error { c.Stop(); return nil },
	})
}

func startGateway(lc fx.Lifecycle, gateway *channel.Gateway, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := gateway.StartAll(ctx); err != nil {
				log.Error("some accounts failed to start", slog.Any("error", err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			gateway.StopAll()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, srv *server.Server, log *slog.Logger, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server exited", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
