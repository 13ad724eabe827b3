package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"gigchat/internal/database"
	"gigchat/internal/migrations"
)

func main() {
	dbPath := flag.String("db", "./gigchat.db", "Path to the database file")
	encrypt := flag.Bool("encrypt", false, "Open with at-rest encryption (reads "+database.SecretEnvVar+")")
	flag.Parse()

	if err := run(context.Background(), *dbPath, *encrypt, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
}

// run opens the database, which applies every pending migration, and
// reports what is recorded.
func run(ctx context.Context, dbPath string, encrypt bool, out io.Writer) error {
	all, err := migrations.All()
	if err != nil {
		return err
	}

	db, err := database.New(dbPath, database.OptionsFromEnv(encrypt))
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := db.AppliedMigrations(ctx)
	if err != nil {
		return err
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for _, m := range all {
		state := "pending"
		if done[m.Version] {
			state = "applied"
		}
		fmt.Fprintf(out, "%-34s %s\n", m.Name, state)
	}
	latest := 0
	if len(applied) > 0 {
		latest = applied[len(applied)-1]
	}
	fmt.Fprintf(out, "Database schema at version %d. You can now start gigchat-relay.\n", latest)
	return nil
}
