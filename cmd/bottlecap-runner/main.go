// Command bottlecap-runner connects a local Ollama install to the Bottlecap
// cloud relay so it can serve generation requests as a remote compute node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/limartinyk/bottlecap-runner/internal/config"
	"github.com/limartinyk/bottlecap-runner/internal/runner"
	"github.com/limartinyk/bottlecap-runner/internal/storage"
	"github.com/limartinyk/bottlecap-runner/internal/version"
	"github.com/limartinyk/bottlecap-runner/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A .env next to the binary is a convenience for development setups.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "auth":
			if len(args) != 2 {
				fmt.Println("Usage: bottlecap-runner auth <token>")
				return nil
			}
			return authCommand(cfg, args[1])
		case "logout":
			return logoutCommand(cfg)
		case "status":
			return statusCommand(cfg)
		case "version", "--version", "-v":
			fmt.Printf("bottlecap-runner %s\n", version.RichVersion())
			return nil
		case "help", "--help", "-h":
			printUsage()
			return nil
		default:
			printUsage()
			return fmt.Errorf("unknown command %q", args[0])
		}
	}

	return runCommand(cfg)
}

func authCommand(cfg *config.Config, token string) error {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, runner.TokenPrefix) {
		return runner.ErrInvalidToken
	}

	mgr := runner.New(cfg)
	if err := mgr.SaveToken(token); err != nil {
		return err
	}
	fmt.Println("Token saved.")
	return nil
}

func logoutCommand(cfg *config.Config) error {
	mgr := runner.New(cfg)
	if err := mgr.ClearToken(); err != nil {
		return err
	}
	fmt.Println("Token cleared.")
	return nil
}

func statusCommand(cfg *config.Config) error {
	mgr := runner.New(cfg)

	token, err := mgr.GetSavedToken()
	if err != nil {
		return err
	}
	if token == "" {
		fmt.Println("Token: not saved (run `bottlecap-runner auth <token>`)")
	} else {
		fmt.Println("Token: saved")
	}

	if deviceID, err := storage.GetOrCreateDeviceID(cfg.DeviceIDPath()); err == nil {
		fmt.Printf("Device: %s (%s)\n", cfg.DeviceName, deviceID)
	}

	ctx := context.Background()
	if mgr.CheckOllama(ctx) {
		fmt.Printf("Ollama: running at %s\n", cfg.OllamaURL)
	} else {
		fmt.Printf("Ollama: not reachable at %s\n", cfg.OllamaURL)
	}
	return nil
}

func runCommand(cfg *config.Config) error {
	mgr := runner.New(cfg)

	token, err := mgr.GetSavedToken()
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("no token saved; run `bottlecap-runner auth <token>` first")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	unsubscribe := mgr.Subscribe(func(ev runner.Event) {
		switch e := ev.(type) {
		case runner.StatusEvent:
			if e.Err != "" {
				logger.Infof("status: %s (%s)", e.Status, e.Err)
			} else {
				logger.Infof("status: %s", e.Status)
			}
		case runner.ModelsEvent:
			logger.Infof("models: %s", strings.Join(e.Models, ", "))
		}
	})
	defer unsubscribe()

	if !mgr.CheckOllama(ctx) {
		logger.Warnf("ollama is not reachable at %s; requests will fail until it starts", cfg.OllamaURL)
	}

	logger.Infof("relay: %s", cfg.RelayURL)
	if err := mgr.Connect(ctx, token); err != nil {
		return err
	}
	defer mgr.Disconnect()

	<-ctx.Done()
	logger.Infof("shutting down")
	return nil
}

func printUsage() {
	fmt.Println(`bottlecap-runner - serve local Ollama models to the Bottlecap relay

Usage:
  bottlecap-runner            connect and serve (requires a saved token)
  bottlecap-runner auth <t>   save a runner token (bc_runner_...)
  bottlecap-runner logout     clear the saved token
  bottlecap-runner status     show token and Ollama status
  bottlecap-runner version    print the version`)
}
