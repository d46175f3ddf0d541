// Command login runs the website login flow from a terminal: it prints the
// bot link, counts down while polling and prints the authorized user.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"bishkek-meetup/internal/logger"
	"bishkek-meetup/internal/poller"
)

func main() {
	baseURL := flag.String("api", envOr("API_URL", "http://localhost:8080"), "base URL of the web process")
	interval := flag.Duration("interval", poller.DefaultInterval, "poll interval")
	timeout := flag.Duration("timeout", poller.DefaultTimeout, "login window")
	flag.Parse()

	logger.Setup(envOr("LOG_LEVEL", "warn"), true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := poller.New(poller.Options{BaseURL: *baseURL, Interval: *interval, Timeout: *timeout})
	login, err := client.Login(ctx,
		func(s poller.Session) {
			fmt.Fprintf(os.Stderr, "Открой ссылку в Telegram: %s\n", s.BotLink)
		},
		func(t poller.Tick) {
			fmt.Fprintf(os.Stderr, "\rОжидание подтверждения… %s ", t.Remaining.Truncate(time.Second))
		},
	)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		log.Fatal().Err(err).Msg("login failed")
	}

	user, err := client.Me(ctx, login.Token)
	if err != nil {
		log.Fatal().Err(err).Msg("fetch user")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{"token": login.Token, "user": user}); err != nil {
		log.Fatal().Err(err).Msg("print result")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
