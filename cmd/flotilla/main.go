package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flotilla-dev/flotilla"
	"github.com/flotilla-dev/flotilla/chat/telegram"
	"github.com/flotilla-dev/flotilla/internal/config"
	"github.com/flotilla-dev/flotilla/observer"
	"github.com/flotilla-dev/flotilla/runtime/anthropic"
	"github.com/flotilla-dev/flotilla/runtime/dockerrun"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("FLOTILLA_CONFIG"), "path to flotilla.toml")
	agent := flag.String("agent", "", "run one turn for this agent and exit")
	prompt := flag.String("prompt", "", "prompt for -agent")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*cfgPath, *agent, *prompt, logger); err != nil {
		logger.Error("flotilla exited", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath, agent, prompt string, logger *slog.Logger) error {
	// 1. Load config
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if len(cfg.Agents) == 0 {
		return fmt.Errorf("no agents configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []flotilla.FleetOption{flotilla.WithLogger(logger)}

	// 2. Observability
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		obs, shutdown, err := observer.Init(ctx, observer.Config{
			Pricing: pricing,
			Models:  cfg.AgentModels(),
		})
		if err != nil {
			return fmt.Errorf("observer: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
		opts = append(opts, flotilla.WithObserver(obs))
	}

	// 3. Runtimes
	if cfg.Anthropic.APIKey != "" {
		rt, err := anthropic.NewFromAPIKey(cfg.Anthropic.APIKey, anthropic.Options{
			DefaultModel: cfg.Anthropic.Model,
			MaxTokens:    cfg.Anthropic.MaxTokens,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		opts = append(opts, flotilla.WithRuntime(flotilla.RuntimeInProcess, rt))
	}
	if needsContainerRuntime(cfg) {
		drt, err := dockerrun.New(dockerrun.Options{
			DefaultImage: cfg.Docker.DefaultImage,
			Network:      cfg.Docker.Network,
			Env:          cfg.Docker.Env,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		opts = append(opts, flotilla.WithRuntime(flotilla.RuntimeContainer, drt))
	}

	// 4. Chat adapters
	if cfg.Telegram.Token != "" {
		opts = append(opts, flotilla.WithChatAdapters(
			telegram.New(cfg.Telegram.Token, telegram.WithLogger(logger)),
		))
	}

	// 5. Fleet
	fleet, err := flotilla.NewFleet(cfg.StateDir, cfg.AgentSpecs(), opts...)
	if err != nil {
		return err
	}
	if err := fleet.Initialize(ctx); err != nil {
		return err
	}

	// One-shot turn: trigger and exit.
	if agent != "" {
		if prompt == "" {
			return fmt.Errorf("-agent requires -prompt")
		}
		res, err := fleet.Trigger(ctx, agent, flotilla.RunOptions{
			Prompt:         prompt,
			TriggerType:    flotilla.TriggerManual,
			WriteOutputLog: true,
		})
		if err != nil {
			return err
		}
		fmt.Printf("job %s finished (%s) in %s\n%s\n", res.JobID, res.ExitReason, res.Duration.Round(time.Millisecond), res.Summary)
		return nil
	}

	// 6. Serve until signalled
	if err := fleet.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return fleet.Stop(15 * time.Second)
}

func needsContainerRuntime(cfg config.Config) bool {
	for _, a := range cfg.Agents {
		if flotilla.RuntimeType(a.Runtime) == flotilla.RuntimeContainer {
			return true
		}
	}
	return false
}
