package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BaSui01/crawlflow/registry"
	"github.com/BaSui01/crawlflow/store"
	"github.com/BaSui01/crawlflow/validator"
)

// =============================================================================
// 🛠️ 运维子命令: migrate / enqueue / reconcile / health
// =============================================================================

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	db, err := store.Open(cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect database: %v\n", err)
		os.Exit(1)
	}

	if err := store.InitDatabase(db); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Schema up to date")
}

func runEnqueue(args []string) {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	priority := fs.Int("priority", 0, "Domain priority (0-10)")
	cohort := fs.String("cohort", "", "Cohort label")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: crawlflow enqueue [options] <hostname>")
		os.Exit(1)
	}
	hostname := fs.Arg(0)

	cfg := loadConfig(*configPath)

	db, err := store.Open(cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect database: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	domains := store.NewDomainStore(db, logger)
	d, err := domains.Enqueue(context.Background(), hostname, *priority, *cohort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Enqueue failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Enqueued %s (id=%d, status=%s, priority=%d, cohort=%s)\n",
		d.Domain, d.ID, d.Status, d.Priority, d.Cohort)
}

func runReconcile(args []string) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	db, err := store.Open(cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect database: %v\n", err)
		os.Exit(1)
	}

	reg, err := registry.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid provider registry: %v\n", err)
		os.Exit(1)
	}

	domains := store.NewDomainStore(db, logger)
	responses := store.NewResponseStore(db, logger)
	v := validator.New(domains, responses,
		validator.Mode(cfg.Validator.Mode), cfg.Validator.MinRatio, nil, logger)

	plan := validator.PlanFor(reg.EnabledProviders(), reg.Prompts())
	resets, err := v.Reconcile(context.Background(), plan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Reconciliation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Reconciliation finished, %d domain(s) reset\n", resets)
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	db, err := store.Open(cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}

	sqlDB, err := db.DB()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("OK")
}
