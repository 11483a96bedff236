package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"watchparty/internal/infrastructure/api"
	clockAdapter "watchparty/internal/infrastructure/clock/adapter"
	"watchparty/internal/infrastructure/config"
	"watchparty/internal/infrastructure/eventbus"
	"watchparty/internal/infrastructure/realtime"
	"watchparty/internal/pkg/party"
	"watchparty/internal/pkg/player"
	"watchparty/internal/pkg/presence"
)

// livenessDelay is the fallback check applied after Connect in case the
// socket-connected event was missed.
const livenessDelay = 2 * time.Second

func main() {
	joinCode := flag.String("join", "", "party code to join after connecting")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		slog.Warn(".env file not found or could not be loaded", "err", err)
	}

	cfg, err := config.Load(".")
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	clk := clockAdapter.NewSystemClock()
	bus := eventbus.New()

	conn := realtime.NewManager(realtime.Config{
		URL:         cfg.Server.SocketURL,
		Token:       cfg.Auth.Token,
		MaxAttempts: cfg.Sync.ReconnectAttempts,
		BackoffMin:  cfg.Sync.BackoffMin,
		BackoffMax:  cfg.Sync.BackoffMax,
	}, bus, clk, log)

	apiClient := api.NewClient(cfg.Server.APIURL, cfg.Auth.Token)

	machine := party.NewMachine(cfg.Auth.UserID, conn, clk, log)
	messenger := party.NewMessenger(conn, machine, apiClient, clk, log)
	inbox := party.NewRequestInbox(apiClient, machine, cfg.Sync.PollInterval, clk, log)
	feed := presence.NewFeed(conn, clk)

	registry := player.NewRegistry()
	engine := player.NewEngine(registry, bus, conn, machine, clk, log)
	registry.Attach(newHeadlessSurface(registry, clk))

	bus.On(player.EventControlRejected, func(payload any) {
		if p, ok := payload.(*player.ControlRejected); ok {
			log.Warn("playback control rejected", "action", p.Action)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := conn.Connect(ctx); err != nil {
		cancel()
		log.Error("cannot connect", "err", err)
		os.Exit(1)
	}
	cancel()

	clk.AfterFunc(livenessDelay, func() {
		if !conn.Connected() {
			log.Warn("liveness probe: not connected, retrying")
			if err := conn.Connect(context.Background()); err != nil {
				log.Error("liveness reconnect failed", "err", err)
			}
		}
	})

	if *joinCode != "" {
		if err := machine.JoinParty(*joinCode); err != nil {
			log.Error("join failed", "code", *joinCode, "err", err)
		}
	}
	inbox.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	if machine.State() == party.StateJoined {
		machine.LeaveParty()
	}
	engine.Close()
	feed.Close()
	inbox.Close()
	messenger.Close()
	machine.Close()
	conn.Disconnect()
}
