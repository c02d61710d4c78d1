// Command migrate applies every pending goose migration to the metadata store and exits. It is run once per
// deploy, ahead of the gateway/orchestrator/writer/reader/push-worker binaries, none of which run migrations
// themselves.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaymesh/relaymesh-core/internal/config"
	"github.com/relaymesh/relaymesh-core/internal/postgres"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	log.Info().Msg("migrations complete")
}
