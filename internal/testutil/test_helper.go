// Package testutil bootstraps a migrated Postgres database for
// integration tests. Tests using it must skip when TEST_DB_URL is
// unset so the suite still runs without infrastructure.
package testutil

import (
	"context"
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
)

func ProjectRoot() string {
	_, file, _, _ := runtime.Caller(0)
	root := filepath.Join(filepath.Dir(file), "../../")
	return root
}

// DbInit connects to TEST_DB_URL and resets the schema. Returns the
// pool, the database/sql handle goose drives, and the migration dir.
func DbInit() (*pgxpool.Pool, *sql.DB, string) {
	root := ProjectRoot()

	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil {
		log.Printf("failed to load .env file: %+v", err)
	}

	testURL := os.Getenv("TEST_DB_URL")
	if testURL == "" {
		log.Fatal("TEST_DB_URL environment variable is not set")
	}

	migDir := filepath.Join(root, "sql", "schema")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dbPool, err := pgxpool.New(ctx, testURL)
	if err != nil {
		log.Fatalf("could not connect to the postgresql database: %v", err)
	}

	_ = goose.SetDialect("postgres")

	dbForGoose := stdlib.OpenDBFromPool(dbPool)
	if err := goose.Reset(dbForGoose, migDir); err != nil {
		dbForGoose.Close()
		log.Fatalf("goose.Reset() error = %+v", err)
	}

	return dbPool, dbForGoose, migDir
}

func DbGooseUp(dbForGoose *sql.DB, migDir string) {
	if err := goose.Up(dbForGoose, migDir); err != nil {
		dbForGoose.Close()
		log.Fatalf("goose.Up() error = %+v", err)
	}
}

func DbCleanup(db *pgxpool.Pool, dir string) {
	dbForGoose := stdlib.OpenDBFromPool(db)
	if err := goose.Reset(dbForGoose, dir); err != nil {
		dbForGoose.Close()
		log.Fatalf("goose.Reset() error = %+v", err)
	}

	if err := dbForGoose.Close(); err != nil {
		log.Fatalf("db.Close() error = %+v", err)
	}
}
