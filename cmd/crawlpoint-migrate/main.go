// crawlpoint-migrate applies or rolls back the Postgres schema.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/crawlpoint/crawlpoint/pkg/store"
)

var (
	dsn  = flag.String("dsn", os.Getenv("CRAWLPOINT_DATABASE_DSN"), "Postgres DSN (defaults to CRAWLPOINT_DATABASE_DSN)")
	down = flag.Bool("down", false, "Roll back the most recent migration instead of applying")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags)

	if *dsn == "" {
		log.Fatal("no DSN: pass -dsn or set CRAWLPOINT_DATABASE_DSN")
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}

	if *down {
		if err := store.MigrateDown(db); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		fmt.Println("✓ Rolled back one migration")
		return
	}

	if err := store.Migrate(db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	fmt.Println("✓ Schema is up to date")
}
