package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"bishkek-meetup/internal/bot"
	"bishkek-meetup/internal/config"
	"bishkek-meetup/internal/conversation"
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
	if err := cfg.ValidateBot(); err != nil {
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

	api, err := bot.NewAPI(cfg.TelegramToken)
	if err != nil {
		log.Fatal().Err(err).Msg("bot")
	}
	botUsername := cfg.BotUsername
	if botUsername == "" {
		botUsername = api.Self.UserName
	}

	handshake := service.NewHandshakeService(service.HandshakeDeps{
		Sessions: repository.NewSessionRepository(db),
		Tokens:   repository.NewTokenRepository(db),
		Users:    repository.NewUserRepository(db),
		Verifier: service.NewMembershipVerifier(api, cfg.RequiredChats),
		Avatars:  service.NewTelegramAvatars(api),
	}, service.HandshakeConfig{
		BotUsername: botUsername,
		Timeout:     cfg.AuthTimeout,
		TokenTTL:    cfg.AuthTokenTTL,
	})

	conversations, closeStore := openConversations(ctx, cfg)
	defer closeStore()

	scheduler := service.NewSchedulerService(time.UTC)
	if _, err := scheduler.ScheduleSweep("conversations", cfg.SweepInterval, func(ctx context.Context) error {
		removed, err := conversations.Sweep(ctx)
		if removed > 0 {
			log.Info().Int("removed", removed).Msg("abandoned conversations swept")
		}
		return err
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule conversation sweep")
	}
	scheduler.Start()
	defer scheduler.Stop()

	telegramBot := bot.New(api, handshake, conversations, bot.Options{SiteURL: cfg.SiteURL})

	log.Info().Int("required_chats", len(cfg.RequiredChats)).Msg("login bot started")
	if err := telegramBot.Start(ctx, api); err != nil {
		log.Error().Err(err).Msg("bot stopped with error")
	}
	log.Info().Msg("shutdown complete")
}

// openConversations picks Redis when REDIS_URL is set so several bot replicas
// share conversation state, and a process-local cache otherwise.
func openConversations(ctx context.Context, cfg config.Config) (conversation.Store, func()) {
	if cfg.RedisURL == "" {
		store := conversation.NewMemoryStore(cfg.AuthTimeout, nil)
		return store, func() { _ = store.Close() }
	}

	client, err := conversation.Dial(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis")
	}
	return conversation.NewRedisStore(client, "bishkek-meetup", cfg.AuthTimeout, nil), func() { _ = client.Close() }
}
