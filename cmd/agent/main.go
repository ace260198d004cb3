package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/speakmate/callkit/internal/adapter/driven/clock"
	"github.com/speakmate/callkit/internal/adapter/driven/gateway/ws"
	"github.com/speakmate/callkit/internal/adapter/driven/media/pion"
	handler "github.com/speakmate/callkit/internal/adapter/driving/http"
	"github.com/speakmate/callkit/internal/config"
	"github.com/speakmate/callkit/internal/core/service"
	"github.com/speakmate/callkit/internal/eventbus"
)

func main() {
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Caller().Logger()
	zlog.Logger = l

	cfg := config.Load()
	if cfg.UserID == "" {
		l.Fatal().Msg("CALLKIT_USER_ID is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway, err := ws.Dial(ctx, ws.Config{URL: cfg.RelayURL, UserID: cfg.UserID})
	if err != nil {
		l.Fatal().Err(err).Str("relay", cfg.RelayURL).Msg("Failed to connect to signaling relay")
	}
	defer gateway.Close()

	iceServers := make([]pion.ICEServer, 0, len(cfg.STUNServers)+1)
	for _, u := range cfg.STUNServers {
		iceServers = append(iceServers, pion.ICEServer{URLs: []string{u}})
	}
	if cfg.TURNServer != "" {
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       []string{cfg.TURNServer},
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNCredential,
		})
	}

	engine := pion.NewEngine(pion.Config{
		ICEServers:     iceServers,
		CaptureTimeout: cfg.CaptureTimeout,
	})

	bus := eventbus.New()
	defer bus.Close()

	calls := service.NewCallService(service.Config{
		SelfID:          cfg.UserID,
		SelfName:        cfg.UserName,
		AnswerTimeout:   cfg.AnswerTimeout,
		DisconnectProbe: cfg.DisconnectProbe,
		FailEscalation:  cfg.FailEscalation,
		EndGrace:        cfg.EndGrace,
	}, gateway, engine, bus, clock.System())

	go calls.Run(ctx)

	h := handler.NewHandler(calls, bus)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: h.NewRouter(),
	}

	go func() {
		l.Info().Str("addr", cfg.HTTPAddr).Str("user_id", cfg.UserID.String()).Msg("Starting control API")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Control API failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down...")

	calls.EndCall(ctx)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("Control API forced to shutdown")
	}

	l.Info().Msg("Agent exited")
}
