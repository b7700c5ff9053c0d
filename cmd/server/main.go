package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	streamgate "github.com/YannKr/streamgate"
	"github.com/YannKr/streamgate/internal/app"
	"github.com/YannKr/streamgate/internal/auth"
	"github.com/YannKr/streamgate/internal/config"
	"github.com/YannKr/streamgate/internal/db"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()
	cfg := config.Load()

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) > 1 && os.Args[1] == "keygen" {
		if err := keygen(cfg, os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "keygen:", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// keygen creates an API key: keygen <user> [role]
func keygen(cfg *config.Config, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: %s keygen <user> [user|admin]", os.Args[0])
	}
	role := "user"
	if len(args) == 2 {
		role = args[1]
	}
	if role != "user" && role != auth.RoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.Migrate(database, streamgate.MigrationFS); err != nil {
		return err
	}

	full, key, err := auth.CreateAPIKey(database, args[0], role, "cli")
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", full)
	fmt.Fprintf(os.Stderr, "created %s key %s for %s; it is shown only once\n", key.Role, key.KeyPrefix, key.UserID)
	return nil
}
