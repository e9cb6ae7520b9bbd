// Command cfo runs the CFO agent and talks to a running agent's operator API.
//
//	cfo run [-config cfo.toml]
//	cfo cycle | status | resume
//	cfo pause [-exit] [-reason text]
//	cfo approve <id>
//	cfo reject <id> [-reason text]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/app"
	"github.com/alanyoungcy/cfoagent/internal/config"
)

const usage = `usage: cfo <command> [flags]

commands:
  run              start the agent (default)
  cycle            run one decision cycle now
  status           print agent status
  pause            pause decision cycles (-exit also exits every position)
  resume           resume decision cycles
  approve <id>     approve a pending decision
  reject <id>      reject a pending decision
  encrypt-key      seal the wallet key into an encrypted key file
`

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = run(args)
	case "cycle", "status", "pause", "resume", "approve", "reject":
		err = remote(cmd, args)
	case "encrypt-key":
		err = encryptKey(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "cfo.toml", "path to configuration file")
	_ = fs.Parse(args)

	// Setup structured JSON logger.
	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		return err
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return err
	}

	logger.Info("cfo agent starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
			return nil
		}
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("cfo agent stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// remote runs one operator command against a running agent.
func remote(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	addr := fs.String("addr", envOr("CFO_ADDR", "http://localhost:8000"), "operator API address")
	apiKey := fs.String("api-key", os.Getenv("CFO_SERVER_API_KEY"), "operator API key")
	reason := fs.String("reason", "", "reason recorded with pause, resume or reject")
	exit := fs.Bool("exit", false, "pause: also exit every open position")
	timeout := fs.Duration("timeout", 10*time.Minute, "request timeout")

	// The id of approve and reject comes before the flags.
	var id int64
	if cmd == "approve" || cmd == "reject" {
		if len(args) == 0 {
			return fmt.Errorf("%s: missing approval id", cmd)
		}
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid approval id %q", cmd, args[0])
		}
		id, args = n, args[1:]
	}
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := newClient(*addr, *apiKey)
	var (
		body []byte
		err  error
	)
	switch cmd {
	case "cycle":
		body, err = c.Cycle(ctx)
	case "status":
		body, err = c.Status(ctx)
	case "pause":
		body, err = c.Pause(ctx, *reason, *exit)
	case "resume":
		body, err = c.Resume(ctx, *reason)
	case "approve":
		body, err = c.Approve(ctx, id)
	case "reject":
		body, err = c.Reject(ctx, id, *reason)
	}
	if len(body) > 0 {
		os.Stdout.Write(body)
		fmt.Println()
	}
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
