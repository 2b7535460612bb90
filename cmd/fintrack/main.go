// Command fintrack manages users, accounts, transactions and budgets in the
// fintrack database and can run one recurring-transaction pass on demand.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fintrack/internal/cli"
	"fintrack/internal/config"
	"fintrack/internal/dispatch"
	"fintrack/internal/log"
	"fintrack/internal/services"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if isHelp(os.Args[1]) {
		printUsage(os.Stdout)
		return
	}

	cli.LoadEnvFile()
	cfg := config.Load()

	// stdout carries command output; logs go to stderr.
	logCfg := log.DefaultConfig()
	logCfg.Level = log.ParseLevel(getenv("LOG_LEVEL", "warn"))
	logCfg.Output = os.Stderr
	logger := log.New(logCfg)
	log.SetDefault(logger)

	repo := cli.InitSQLite(logger.WithComponent(log.ComponentStorage), cfg.SQLiteDBPath)
	defer repo.Close()

	a := &app{
		repo: repo,
		accounts: services.NewAccountService(repo,
			services.WithTransactionLimiter(dispatch.NewKeyedLimiter(services.TransactionThrottle()))),
		throttle: dispatch.ThrottleConfig{
			Limit:   cfg.ThrottleLimit,
			Period:  cfg.ThrottlePeriod,
			MaxKeys: dispatch.DefaultThrottleConfig().MaxKeys,
		},
		out: os.Stdout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := a.run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fintrack: %v\n", err)
		repo.Close()
		os.Exit(1)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
