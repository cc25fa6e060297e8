// Command migrate manages the biobank relational schema: users and their
// role extensions, studies, identity cards, and access tokens.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"biobank.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("BIOBANK_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "migrations", "Path to SQL migrations")
		seedsPath      = flag.String("seeds", "migrations/seeds", "Path to SQL seeds")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or BIOBANK_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}
	cmd := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := run(ctx, migrate.NewManager(db, *migrationsPath, *seedsPath), cmd); err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}
	log.Printf("migrate %s: ok", cmd)
}

func run(ctx context.Context, mgr *migrate.Manager, cmd string) error {
	switch cmd {
	case "up":
		return mgr.Up(ctx)
	case "down":
		return mgr.Down(ctx)
	case "seed":
		return mgr.Seed(ctx)
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Println("applied biobank schema versions:")
		for _, item := range history {
			fmt.Println("  " + item)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
