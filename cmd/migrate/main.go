package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"physionet.org/internal/config"
	"physionet.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	cfg, err := config.Load(os.Getenv("PHYSIONET_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	var (
		dsn            = flag.String("dsn", cfg.Database.DSN, "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", cfg.Database.MigrationsDir, "Directory of SQL migrations (default: compiled in)")
		seedsPath      = flag.String("seeds", "", "Directory of SQL seeds")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or PHYSIONET_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|pending]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	migrations := migrate.Schema()
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(db, migrations, seeds)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status", "pending":
		var items []string
		if flag.Arg(0) == "status" {
			items, err = mgr.Status(ctx)
		} else {
			items, err = mgr.Pending(ctx)
		}
		if err == nil {
			for _, item := range items {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
