package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/kevin07696/checkout-authorizer/internal/config"
	"github.com/kevin07696/checkout-authorizer/internal/db"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

const dialect = "postgres"

var flags = flag.NewFlagSet("migrate", flag.ExitOnError)

func main() {
	flags.Usage = usage
	_ = flags.Parse(os.Args[1:])

	args := flags.Args()
	if len(args) < 1 {
		flags.Usage()
		return
	}
	command := args[0]

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	goose.SetBaseFS(db.Migrations)
	goose.SetLogger(zap.NewStdLog(logger))
	if err := goose.SetDialect(dialect); err != nil {
		logger.Fatal("Failed to set dialect", zap.Error(err))
	}

	if err := goose.RunContext(context.Background(), command, sqlDB, db.MigrationsDir, args[1:]...); err != nil {
		logger.Fatal("Migration failed", zap.String("command", command), zap.Error(err))
	}
}

func usage() {
	fmt.Print(`Usage: migrate COMMAND

Commands:
    up                   Migrate the DB to the most recent version available
    up-by-one            Migrate the DB up by 1
    up-to VERSION        Migrate the DB to a specific VERSION
    down                 Roll back the version by 1
    down-to VERSION      Roll back to a specific VERSION
    redo                 Re-run the latest migration
    reset                Roll back all migrations
    status               Dump the migration status for the current DB
    version              Print the current version of the database

Connection settings come from DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME
and DB_SSL_MODE.

Examples:
    migrate up
    migrate down
    migrate status
`)
}
