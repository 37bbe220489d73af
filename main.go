package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/util"
	"github.com/deemkeen/fedcore/web"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {

	configPath := pflag.String("config", "", "path to the config file")
	migrateOnly := pflag.Bool("migrate", false, "run pending migrations and exit")
	showVersion := pflag.Bool("version", false, "print the version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(util.GetNameAndVersion())
		return
	}

	conf, err := util.ReadConf(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read configuration")
	}
	util.SetupLogging(conf.Conf.LogLevel, conf.Conf.LogJson)

	log.Info().Str("version", util.GetVersion()).Msg("Starting " + util.GetNameAndVersion())
	log.Debug().Msg("Configuration:\n" + util.PrettyPrint(conf.Redacted()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath := util.ResolveFilePath(conf.Conf.DbPath)
	database, err := db.Open(dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", dbPath).Msg("Failed to open database")
	}
	defer database.Close()

	locker, closeLocker := newLocker(conf, database)
	defer closeLocker()

	migrator := db.NewMigrator(database, locker, conf.Migration.LockTimeout)
	log.Info().Msg("Running database migrations...")
	if err := migrator.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Database migration failed")
	}
	log.Info().Msg("Database migrations complete")
	if *migrateOnly {
		return
	}

	if err := run(ctx, conf, database, migrator); err != nil {
		log.Fatal().Err(err).Msg("Server stopped with error")
	}
	log.Info().Msg("Stopped")
}

// newLocker picks the migration lock backend. The returned func releases its resources.
func newLocker(conf *util.AppConfig, database *db.DB) (db.Locker, func()) {
	if conf.Migration.LockBackend != "redis" {
		return db.NewSQLiteLocker(database), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: conf.Migration.RedisAddr})
	log.Info().Str("addr", conf.Migration.RedisAddr).Msg("Using Redis migration lock")
	return db.NewRedisLocker(client), func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing Redis client")
		}
	}
}

func run(ctx context.Context, conf *util.AppConfig, database *db.DB, migrator *db.Migrator) error {
	content := activitypub.NewDBContentProvider(database)
	registry := activitypub.NewRegistry(conf, database, content)
	actors, err := activitypub.NewRemoteActors(conf, database)
	if err != nil {
		return fmt.Errorf("remote actor cache: %w", err)
	}
	followers := activitypub.NewFollowerStore(conf, database, actors)
	transformer := activitypub.NewTransformer(conf, registry, content)
	dispatcher := activitypub.NewDispatcher(conf, database, migrator, registry, content, transformer, followers, actors)
	delivery := activitypub.NewDeliveryWorker(conf, database, registry, followers)
	verifier := activitypub.NewVerifier(actors, conf.Federation.MaxClockSkew)
	inbox := activitypub.NewInboxProcessor(conf, database, registry, followers, dispatcher, actors, verifier)
	scheduler := activitypub.NewScheduler(conf, followers, actors)

	go dispatcher.Run(ctx)
	delivery.Start(ctx)
	inbox.Start(ctx)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer scheduler.Stop()

	server := web.NewServer(conf, database, registry, followers, inbox, dispatcher)
	return server.Run(ctx)
}
