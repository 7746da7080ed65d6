// Command artifice runs the interactive terminal: an assistant that
// streams prose, tool calls, and executable Python/shell code, with
// fenced code blocks runnable in place.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"

	"artifice/internal/config"
	"artifice/internal/execution"
	"artifice/internal/llm/providers"
	"artifice/internal/observability"
	"artifice/internal/tui"
)

func main() {
	configPath := flag.String("config", "", "path to init.yaml (default: $XDG_CONFIG_HOME/artifice/init.yaml)")
	maxSteps := flag.Int("max-steps", 25, "stored as the agent engine's MaxSteps (not enforced: each turn makes one provider call)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "artifice: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.Obs.LogPath, cfg.Obs.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Obs.OTLP != "" {
		shutdown, err := observability.InitOTel(ctx, cfg.Obs)
		if err != nil {
			log.Warn().Err(err).Msg("otel_init_failed")
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	provider, err := providers.Build(*cfg, observability.NewHTTPClient(nil))
	if err != nil {
		fmt.Fprintf(os.Stderr, "artifice: %v\n", err)
		os.Exit(1)
	}

	execCoord, err := execution.NewCoordinator(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "artifice: starting execution coordinator: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = execCoord.Close() }()

	model := tui.NewModel(ctx, provider, *cfg, execCoord, *maxSteps)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "artifice: %v\n", err)
		os.Exit(1)
	}
}
