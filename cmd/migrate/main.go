package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"mailqueue/internal/migrations"
	"mailqueue/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	dbPath := flag.String("db", "./mailqueue.db", "Path to the database file")
	create := flag.Bool("create", false, "Create the database file if it does not exist")
	flag.Parse()

	if err := migrate(context.Background(), *dbPath, *create); err != nil {
		log.Fatal(err)
	}
}

func migrate(ctx context.Context, dbPath string, create bool) error {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return fmt.Errorf("invalid database path: %w", err)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) && !create {
		return fmt.Errorf("database file not found: %s", dbPath)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", dbPath))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	before, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	applied, err := migrations.Apply(ctx, db)
	for _, v := range applied {
		fmt.Printf("Applied migration %d\n", v)
	}
	if err != nil {
		return err
	}

	if len(applied) == 0 {
		fmt.Printf("Schema is up to date (version %d)\n", before)
		return nil
	}
	fmt.Printf("Database schema updated to version %d\n", applied[len(applied)-1])
	return nil
}

// currentVersion tolerates a database that has never been migrated.
func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'").Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check migration status: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}
	return migrations.CurrentVersion(ctx, db)
}
