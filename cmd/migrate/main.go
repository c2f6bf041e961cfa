package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	"KwrapLedger/internal/config"
	"KwrapLedger/internal/persistence"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <command>")
	fmt.Println("  up                                        - apply all pending migrations")
	fmt.Println("  down                                      - roll back the last migration")
	fmt.Println("  create-table <type> [name] [description]  - create a table from a template")
	fmt.Println()
	fmt.Printf("Table types: %s\n", strings.Join(persistence.TableTypes(), ", "))
	fmt.Println("The name defaults to the configured indexer table for the type.")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  KWRAP_POSTGRES_DSN    - Postgres connection string")
	fmt.Println("  KWRAP_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
	fmt.Println("  KWRAP_CONFIG_FILE     - optional YAML overlay")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Println("INFO: all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		log.Println("INFO: last migration rolled back")

	case "create-table":
		if len(os.Args) < 3 {
			usage()
			os.Exit(1)
		}
		tableType := os.Args[2]
		name := defaultTableName(cfg, tableType)
		if len(os.Args) > 3 {
			name = os.Args[3]
		}
		description := ""
		if len(os.Args) > 4 {
			description = strings.Join(os.Args[4:], " ")
		}
		if err := migrator.CreateTable(ctx, tableType, name, description); err != nil {
			log.Fatalf("FATAL: create table: %v", err)
		}
		log.Printf("INFO: table %s (%s) ready", name, tableType)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func defaultTableName(cfg config.Config, tableType string) string {
	switch tableType {
	case persistence.TableTransaction:
		return cfg.Indexer.TransactionTable
	case persistence.TableAccount:
		return cfg.Indexer.AccountTable
	case persistence.TableMetricGroup:
		return cfg.Indexer.MetricGroupTable
	case persistence.TableMetricBank:
		return cfg.Indexer.MetricBankTable
	case persistence.TableMetricAccount:
		return cfg.Indexer.MetricAccountTable
	default:
		return "indexer." + tableType
	}
}
