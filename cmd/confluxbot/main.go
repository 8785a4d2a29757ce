// Command confluxbot runs the trading engine: one process, one instance
// lock, one SQLite ledger. SIGINT/SIGTERM shut it down cleanly; a crashed
// engine is restarted with backoff.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gravix-labs/confluxbot/config"
	"github.com/gravix-labs/confluxbot/engine"
	"github.com/gravix-labs/confluxbot/exchange"
	"github.com/gravix-labs/confluxbot/mirror"
	"github.com/gravix-labs/confluxbot/notify"
	"github.com/gravix-labs/confluxbot/server"
	"github.com/gravix-labs/confluxbot/storage"
)

const restartBackoffCap = time.Minute

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config.yaml (default configs/config.yaml)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := run(*configPath); err != nil {
		log.Fatal().Err(err).Msg("💥 Startup failed")
	}
	log.Info().Msg("👋 Shutdown complete")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.App.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	lock, err := storage.AcquireLock(cfg.Storage.LockPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	db, err := storage.Open(cfg.Storage.DBPath, cfg.App.TenantID)
	if err != nil {
		return err
	}
	defer db.Close()

	var mir *mirror.Mirror
	if cfg.Mirror.Enabled {
		sink, serr := mirror.NewFileSink(cfg.Mirror.Path)
		if serr != nil {
			log.Warn().Err(serr).Msg("Analytics mirror disabled: sink unavailable")
		} else {
			mir = mirror.New(sink, cfg.Mirror.BufferSize)
		}
	}

	notifier := notify.FromConfig(cfg.Notify)

	kraken := exchange.NewKraken(cfg.Exchange)
	var venue exchange.VenueAdapter = kraken
	if cfg.App.Mode == config.ModePaper {
		venue = exchange.NewPaperVenue(cfg.Exchange, kraken)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("mode", cfg.App.Mode).
		Str("tenant", cfg.App.TenantID).
		Str("db", cfg.Storage.DBPath).
		Msg("🤖 confluxbot starting")

	backoff := 5 * time.Second
	for {
		eng := engine.New(cfg, venue, db, mir, notifier)

		runCtx, cancel := context.WithCancel(ctx)
		if cfg.Server.Enabled {
			srv := server.New(cfg, eng, db)
			go func() {
				if serr := srv.Start(runCtx); serr != nil {
					log.Error().Err(serr).Msg("Control server failed")
				}
			}()
		}

		err := eng.Run(runCtx)
		cancel()
		if err == nil || ctx.Err() != nil {
			// Clean stop: signal, or an operator kill.
			return nil
		}

		log.Error().Err(err).Dur("backoff", backoff).Msg("Engine stopped with error, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < restartBackoffCap {
			backoff *= 2
		}
	}
}
