// Package main applies or rolls back the database schema.
//
// Usage:
//
//	migrate up
//	migrate down [-to VERSION]
//	migrate status
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/delaywatch/delaywatch/internal/database"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate up|down|status [flags]")
		os.Exit(2)
	}

	down := flag.NewFlagSet("down", flag.ExitOnError)
	target := down.Int64("to", 0, "roll back to this version instead of one step")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	migrator := database.NewMigrator(database.ConfigFromEnv(), log)

	var err error
	switch cmd := os.Args[1]; cmd {
	case "up":
		err = migrator.Up(ctx)
	case "down":
		_ = down.Parse(os.Args[2:])
		err = migrator.Down(ctx, *target)
	case "status":
		err = migrator.Status(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Msg("migration failed")
		cancel()
		os.Exit(1)
	}
}
