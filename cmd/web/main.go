package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"bishkek-meetup/internal/api"
	"bishkek-meetup/internal/config"
	"bishkek-meetup/internal/logger"
	"bishkek-meetup/internal/repository"
	"bishkek-meetup/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logger.Setup(cfg.LogLevel, cfg.LogPretty)
	if err := cfg.ValidateWeb(); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db")
	}
	sqlDB, err := db.DB()
	if err == nil {
		defer sqlDB.Close()
	}

	handshake := service.NewHandshakeService(service.HandshakeDeps{
		Sessions:  repository.NewSessionRepository(db),
		Tokens:    repository.NewTokenRepository(db),
		Users:     repository.NewUserRepository(db),
		AppTokens: service.NewAppTokenIssuer(cfg.JWTSecret, cfg.AppTokenTTL, nil),
	}, service.HandshakeConfig{
		BotUsername: cfg.BotUsername,
		Timeout:     cfg.AuthTimeout,
		TokenTTL:    cfg.AuthTokenTTL,
	})

	scheduler := service.NewSchedulerService(time.UTC)
	if _, err := scheduler.ScheduleSweep("auth-sessions", cfg.SweepInterval, handshake.Sweep); err != nil {
		log.Fatal().Err(err).Msg("schedule session sweep")
	}
	scheduler.Start()
	defer scheduler.Stop()

	e := api.NewServer(api.NewAuthHandler(handshake), api.ServerOptions{AllowOrigins: siteOrigins(cfg.SiteURL)})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server started")
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("http server stopped with error")
	}
	log.Info().Msg("shutdown complete")
}

func siteOrigins(siteURL string) []string {
	if siteURL == "" {
		return nil
	}
	u, err := url.Parse(siteURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		log.Warn().Str("site_url", siteURL).Msg("SITE_URL is not an absolute URL, CORS disabled")
		return nil
	}
	return []string{u.Scheme + "://" + u.Host}
}
