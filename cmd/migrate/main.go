package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"news_sniper/internal/config"
	"news_sniper/internal/storage"
	"news_sniper/migrations"
)

const usage = `Usage: migrate [-db path] <command>

Commands:
  up            Migrate to the latest version
  up-one        Migrate one version up
  down          Roll back one version
  status        Show migration status
  version       Show current version
  reset         Roll back all migrations
  seed <file>   Load sources, feeds, report templates and blacklist from YAML
`

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("load .env", "error", err)
	}

	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/sniper.db"), "path to sqlite database")
	flag.Parse()

	log := config.NewLogger(envOrDefault("LOG_LEVEL", "info"))

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if dir := filepath.Dir(*dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "error", err)
			os.Exit(1)
		}
	}

	ctx := context.Background()
	var err error
	if args[0] == "seed" {
		err = seed(ctx, *dbPath, args[1:], log)
	} else {
		err = migrate(ctx, *dbPath, args[0], log)
	}
	if err != nil {
		log.Error("migrate failed", "command", args[0], "error", err)
		os.Exit(1)
	}
}

func migrate(ctx context.Context, dbPath, cmd string, log *slog.Logger) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	switch cmd {
	case "up":
		results, err := provider.Up(ctx)
		logResults(log, results)
		return err
	case "up-one":
		res, err := provider.UpByOne(ctx)
		if res != nil {
			logResults(log, []*goose.MigrationResult{res})
		}
		return err
	case "down":
		res, err := provider.Down(ctx)
		if res != nil {
			logResults(log, []*goose.MigrationResult{res})
		}
		return err
	case "reset":
		results, err := provider.DownTo(ctx, 0)
		logResults(log, results)
		return err
	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			applied := "pending"
			if s.State == goose.StateApplied {
				applied = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-30s %s\n", filepath.Base(s.Source.Path), applied)
		}
		return nil
	case "version":
		v, err := provider.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func seed(ctx context.Context, dbPath string, args []string, log *slog.Logger) error {
	if len(args) != 1 {
		return errors.New("seed needs exactly one file argument")
	}
	s, err := config.LoadSeed(args[0])
	if err != nil {
		return err
	}

	store, err := storage.NewSQLite(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	res, err := s.Apply(ctx, store)
	if err != nil {
		return err
	}
	log.Info("seed applied",
		"sources", res.Sources,
		"feeds_created", res.FeedsCreated,
		"feeds_skipped", res.FeedsSkipped,
		"templates", res.Templates,
		"blacklisted", res.Blacklisted,
	)
	return nil
}

func logResults(log *slog.Logger, results []*goose.MigrationResult) {
	for _, r := range results {
		log.Info("migration", "source", filepath.Base(r.Source.Path), "direction", r.Direction, "duration", r.Duration)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
