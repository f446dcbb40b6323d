// orderwatch logs in to the ordering platform, starts the long-poll
// notification channel and logs every delivered event. With STUB_ADDR set
// it self-hosts the devstub backend and feeds it demo events, which makes
// it a handy end-to-end smoke check of the whole client pipeline.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kirillkgr/tastyhub-client/internal/client"
	"github.com/kirillkgr/tastyhub-client/internal/devstub"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()

	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "orderwatch").Logger()

	// Pretty logging for local dev (only when explicitly set to "dev")
	if env("ENV", "") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	baseURL := env("API_BASE_URL", "http://localhost:8081")
	username := env("ORDER_USERNAME", "demo")
	password := env("ORDER_PASSWORD", "demo")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional self-hosted backend stub for demos.
	var stubServer *http.Server
	if addr := env("STUB_ADDR", ""); addr != "" {
		stub := devstub.New(env("STUB_SECRET", "dev-secret-change-in-production"))
		stub.AddUser(username, password, nil, nil)
		stubServer = &http.Server{
			Addr:         addr,
			Handler:      stub.Router(),
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
		go func() {
			log.Info().Str("addr", addr).Msg("starting devstub backend")
			if err := stubServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("devstub failed")
			}
		}()
		go feedDemoEvents(ctx, stub, username)
		baseURL = "http://" + addr
	}

	stateFile := env("STATE_FILE", ".orderwatch.state.json")
	api := client.New(client.Config{
		BaseURL: baseURL,
		Durable: client.NewFileStorage(stateFile),
		Events: client.Events{
			OpenLogin: func() {
				log.Warn().Msg("credential required, re-run with ORDER_USERNAME/ORDER_PASSWORD")
			},
			OpenContextSelect: func(memberships []client.Membership) {
				log.Info().Int("count", len(memberships)).Msg("multiple memberships, pick a context")
			},
			PollTerminated: func(err error) {
				log.Error().Err(err).Msg("notification channel gave up, restart orderwatch")
			},
		},
	})

	// Try the refresh cookie first; fall back to a fresh login.
	if err := api.RestoreSession(ctx); err != nil {
		if _, err := api.Login(ctx, username, password); err != nil {
			log.Fatal().Err(err).Msg("login failed")
		}
	}
	log.Info().Strs("roles", api.Tokens().Roles()).Msg("session established")

	notifier := client.NewNotifier(api)
	unsubscribe := notifier.Subscribe(func(evt client.Event) {
		log.Info().
			Int64("id", evt.ID).
			Str("type", evt.Type).
			Int64("orderId", evt.OrderID).
			Str("text", evt.Text).
			Msg("notification")
	})
	defer unsubscribe()

	notifier.Start(ctx)
	log.Info().Int64("since", notifier.Since()).Msg("notification channel started")

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	notifier.Stop()
	cancel()

	if stubServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := stubServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("devstub shutdown error")
		}
	}

	log.Info().Msg("stopped")
}

// feedDemoEvents pushes a synthetic order lifecycle so the channel has
// something to deliver in stub mode.
func feedDemoEvents(ctx context.Context, stub *devstub.Server, username string) {
	statuses := [][2]string{
		{"QUEUED", "COOKING"},
		{"COOKING", "READY"},
		{"READY", "COMPLETED"},
	}
	orderID := int64(1)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		step := statuses[i%len(statuses)]
		if i%len(statuses) == 0 && i > 0 {
			orderID++
		}
		stub.PushEvent(username, client.Event{
			Type:      client.EventOrderStatusChanged,
			OrderID:   orderID,
			OldStatus: step[0],
			NewStatus: step[1],
		})
	}
}
