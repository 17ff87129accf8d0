// Command realtime runs the websocket messaging core: the hub and its
// endpoints, the notification deliverer, and the service bus bridge.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/paperclash/realtime/internal/admin"
	"github.com/paperclash/realtime/internal/auth"
	"github.com/paperclash/realtime/internal/bridge"
	"github.com/paperclash/realtime/internal/cache"
	"github.com/paperclash/realtime/internal/config"
	"github.com/paperclash/realtime/internal/hub"
	"github.com/paperclash/realtime/internal/logging"
	"github.com/paperclash/realtime/internal/notify"
	"github.com/paperclash/realtime/internal/protocol"
	"github.com/paperclash/realtime/internal/rooms"
	"github.com/paperclash/realtime/internal/server"
	"github.com/paperclash/realtime/internal/store"
	"github.com/paperclash/realtime/internal/supervisor"
	"github.com/paperclash/realtime/internal/topic"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

const (
	chatLimit  = 10
	chatWindow = 10 * time.Second
)

func main() {
	bootLogger := logging.New("info", "json")
	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Configuration load failed")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}
	logger.Info().Msg("Server stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.DatabaseURL, cfg.DBReadTimeout, cfg.DBWriteTimeout)
	if err != nil {
		return err
	}
	defer st.Close()

	settings, err := cache.NewSettings(ctx, st, logger)
	if err != nil {
		return err
	}

	roomMgr := rooms.NewManager(chatLimit, chatWindow, logger)
	defer roomMgr.Stop()
	recorder := admin.NewRecorder()
	verifier := auth.NewTokenVerifier(cfg.SessionSecret)

	// The bridge and hub reference each other (events in, control
	// commands out), so the hub is built first with the bridge wired in
	// once it connects.
	var h *hub.Hub
	var snapshots *cache.Snapshots
	bus, err := bridge.New(cfg.NATSURL,
		broadcasterFunc(func() *hub.Hub { return h }),
		invalidatorFunc(func(wallet string) {
			if snapshots != nil {
				snapshots.Invalidate(wallet)
			}
		}),
		func(ctx context.Context) {
			if err := settings.Reload(ctx, st); err != nil {
				logger.Warn().Err(err).Msg("Settings reload after bus event failed")
			}
		},
		logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	snapshots = cache.NewSnapshots(bus, cfg.CacheTTL, logger)
	h = hub.New(cfg, st, snapshots, settings, roomMgr, recorder, bus, logger)

	if err := bus.Start(); err != nil {
		return err
	}

	deliverer := notify.NewDeliverer(st, h, cfg.DeliveryInterval, logger)

	fatal := make(chan error, 4)
	var wg sync.WaitGroup
	runSupervised := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := supervisor.Run(ctx, name, logger, fn); err != nil {
				fatal <- err
			}
		}()
	}
	runSupervised("deliverer", deliverer.Run)
	runSupervised("retention", deliverer.RunRetention)
	runSupervised("refreshers", h.RunRefreshers)

	srv := server.New(cfg, h, verifier, st, logger)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			fatal <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-fatal:
		logger.Error().Err(err).Msg("Fatal subsystem failure")
	}

	// Stop accepting upgrades, notify and drain connections, then stop
	// the background pumps.
	h.Shutdown(cfg.ShutdownDrain)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown error")
	}
	cancel()
	wg.Wait()
	return nil
}

// broadcasterFunc defers hub resolution so the bridge can be constructed
// before the hub that consumes its events.
type broadcasterFunc func() *hub.Hub

func (f broadcasterFunc) Broadcast(key topic.Key, frame *protocol.Frame) {
	if h := f(); h != nil {
		h.Broadcast(key, frame)
	}
}

type invalidatorFunc func(wallet string)

func (f invalidatorFunc) Invalidate(wallet string) { f(wallet) }
