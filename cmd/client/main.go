package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Desk/internal/adapters"
	router "github.com/dkeye/Desk/internal/adapters/http"
	"github.com/dkeye/Desk/internal/adapters/ws"
	"github.com/dkeye/Desk/internal/app/orch"
	"github.com/dkeye/Desk/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("bad flags")
	}

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	backends, err := adapters.NewBackends(cfg.LoopbackICE, cfg.DirectDialTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("transport setup failed")
	}
	metrics := orch.NewMetrics("desk")

	session, err := orch.NewController(config.NewStore(cfg), orch.Deps{
		Dialer:          &ws.Dialer{},
		Backends:        backends,
		Video:           adapters.NewLogVideoSink,
		Audio:           &adapters.LogAudioSink{},
		Status:          adapters.NewLogStatus(),
		Metrics:         metrics,
		MediaQueueDepth: cfg.MediaQueueDepth,
		InputPollPeriod: cfg.InputPollPeriod,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("session setup failed")
	}

	var srv *http.Server
	if cfg.StatusAddr != "" {
		srv = &http.Server{
			Addr:    cfg.StatusAddr,
			Handler: router.SetupRouter(cfg, session, metrics.Registry),
		}
		go func() {
			log.Info().Str("addr", cfg.StatusAddr).Msg("status endpoint started")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("status server error")
			}
		}()
	}

	if err := session.Start(); err != nil {
		log.Fatal().Err(err).Msg("session start failed")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		session.Stop()
		session.Wait()
	case <-session.Done():
	}

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("status server forced to shutdown")
		}
	}
	log.Info().Str("state", session.Snapshot().StateName).Msg("client exited")
}
