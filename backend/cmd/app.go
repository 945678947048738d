package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/signaling-relay/backend/config"
	"github.com/adwski/signaling-relay/backend/metrics"
	httpServer "github.com/adwski/signaling-relay/backend/server/http"
	websocketServer "github.com/adwski/signaling-relay/backend/server/websocket"
	"github.com/adwski/signaling-relay/backend/service"
	store "github.com/adwski/signaling-relay/backend/storage/memory"
	sw "github.com/adwski/signaling-relay/backend/switch"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	m := metrics.New()
	svc := service.NewService(service.Config{
		Registry:        store.NewMemStore(),
		Switch:          sw.NewSwitch(&logger, m),
		Metrics:         m,
		Logger:          &logger,
		StrictOfferRoom: cfg.StrictOfferRoom,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:             &logger,
		SignalingService:   svc,
		Metrics:            m,
		ListenAddr:         cfg.WSListenAddr,
		MaxMessageSize:     cfg.MaxMessageSize,
		OutboundQueueSize:  cfg.OutboundQueueSize,
		MaxEventsPerSecond: cfg.MaxEventsPerSecond,
		EventBurst:         cfg.EventBurst,
		AllowedOrigins:     cfg.AllowedOrigins,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
