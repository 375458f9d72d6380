package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tripsync/internal/app"
	"tripsync/internal/auth"
	"tripsync/internal/config"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

// run parses flags, loads configuration (file > env > defaults) and either
// issues a development token or serves until SIGINT/SIGTERM
func run(args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("tripsync", flag.ContinueOnError)
	configPath := flags.String("config", os.Getenv(config.EnvPrefix+"CONFIG_FILE"), "path to a JSON or YAML config file")
	issueToken := flags.String("issue-token", "", "print a signed token for this user ID and exit")
	tokenTTL := flags.Duration("token-ttl", 24*time.Hour, "lifetime of a token printed by -issue-token")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadConfigWithPrecedence(*configPath)
	if err != nil {
		return err
	}

	if *issueToken != "" {
		return printToken(cfg, *issueToken, *tokenTTL, stdout)
	}

	application, err := app.NewApplication(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	logger := application.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Std())
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

func printToken(cfg *config.Config, userID string, ttl time.Duration, stdout io.Writer) error {
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Leeway.Std(), cfg.Auth.RequireExpiry)
	if err != nil {
		return err
	}
	token, err := verifier.Sign(userID, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
