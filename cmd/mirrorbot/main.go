package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"mirrorbot/internal/bot"
	"mirrorbot/internal/config"
	"mirrorbot/internal/domain"
	"mirrorbot/internal/store"
	"mirrorbot/internal/util"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mirrorbot <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run        Mirror the configured strategy until interrupted\n")
		fmt.Fprintf(os.Stderr, "  status     Print the last saved bot status\n")
		fmt.Fprintf(os.Stderr, "  activity   Print recent bot activity\n")
		fmt.Fprintf(os.Stderr, "  version    Print the version\n")
		fmt.Fprintf(os.Stderr, "\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	cfgPath := "config/mirrorbot.yaml"
	if p := os.Getenv("MIRRORBOT_CONFIG"); p != "" {
		cfgPath = p
	}

	switch os.Args[1] {
	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		start := fs.Bool("start", false, "start the bot if the saved status is off")
		fs.Parse(os.Args[2:])
		if err := run(cfgPath, *start); err != nil {
			log.Fatalf("mirrorbot: %v", err)
		}

	case "status":
		s := openStore(cfgPath)
		defer s.Close()
		status, err := s.LoadStatus(context.Background())
		if err != nil {
			log.Fatalf("failed to read status: %v", err)
		}
		fmt.Println(status)

	case "activity":
		fs := flag.NewFlagSet("activity", flag.ExitOnError)
		n := fs.Int("n", 20, "number of entries to print")
		fs.Parse(os.Args[2:])
		s := openStore(cfgPath)
		defer s.Close()
		activities, err := s.ListActivities(context.Background(), *n)
		if err != nil {
			log.Fatalf("failed to read activity: %v", err)
		}
		for i := len(activities) - 1; i >= 0; i-- {
			a := activities[i]
			fmt.Printf("%s  %-7s  %s\n", a.CreatedAt.Local().Format("2006-01-02 15:04:05"), a.Type, a.Message)
		}

	case "version":
		fmt.Printf("mirrorbot %s\n", version)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}
}

func openStore(cfgPath string) *store.SQLiteStore {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	s, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	return s
}

func run(cfgPath string, start bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	s, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mgr := bot.NewManager(s, s, bot.DefaultFactory, logger)
	defer mgr.Close()

	logger.Info("mirrorbot starting",
		"version", version,
		"strategy", cfg.Bot.StrategyID,
		"broker", cfg.Bot.Broker.Type)
	if err := mgr.Apply(ctx, cfg.Bot); err != nil {
		return err
	}
	if start && mgr.Controller().Status() == domain.StatusOff {
		if err := mgr.Start(ctx); err != nil {
			return err
		}
	}

	<-ctx.Done()
	logger.Info("mirrorbot shutting down", "status", mgr.Controller().Status())
	return nil
}
