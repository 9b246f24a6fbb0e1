// Package db holds the schema migrations applied by cmd/migrate.
package db

import "embed"

// Migrations are goose SQL migrations, embedded so the migrate binary has no
// runtime file dependency.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations
const MigrationsDir = "migrations"
