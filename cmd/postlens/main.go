// Package main is the entrypoint for the PostLens terminal client.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/anveshbhat/postlens/internal/auth"
	"github.com/anveshbhat/postlens/internal/bus"
	"github.com/anveshbhat/postlens/internal/chat"
	"github.com/anveshbhat/postlens/internal/config"
	"github.com/anveshbhat/postlens/internal/engine"
	"github.com/anveshbhat/postlens/internal/pipeline"
	"github.com/anveshbhat/postlens/internal/push"
	"github.com/anveshbhat/postlens/internal/scroll"
	"github.com/anveshbhat/postlens/internal/timeline"
	"github.com/anveshbhat/postlens/internal/tui"
	"github.com/anveshbhat/postlens/pkg/models"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
)

func main() {
	logFile, err := os.OpenFile("postlens.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		// The terminal belongs to the UI; logs go to a file.
		slog.SetDefault(slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelInfo})))
		defer logFile.Close()
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "postlens:", err)
		os.Exit(1)
	}
}

func run() error {
	submitURL := flag.String("submit", "", "post URL to submit for analysis")
	analysisFlag := flag.String("analysis", "", "existing analysis id to open")
	flag.Parse()

	if *submitURL == "" && *analysisFlag == "" {
		return fmt.Errorf("one of -submit or -analysis is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tokens auth.TokenSource
	if cfg.Auth.Token != "" {
		tokens = auth.Static(cfg.Auth.Token)
	} else {
		tokens = auth.NewHTTPSource(cfg.Auth.TokenURL, cfg.Auth.RefreshMargin, cfg.Pipeline.Timeout)
	}

	client := pipeline.NewHTTPClient(cfg.Pipeline.BaseURL, tokens, cfg.Pipeline.Timeout)

	channel, err := push.NewRedisChannel(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create push channel: %w", err)
	}
	defer channel.Close()
	if err := channel.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	buffer := timeline.NewBuffer(client, channel)
	assembler := chat.NewAssembler(client, cfg.Chat.StreamMaxDuration)
	sessions := chat.NewSessionResolver(client, cfg.Chat.SessionGracePeriod, cfg.Chat.SessionAttempts)

	bridge := tui.NewBridge()
	sched := scroll.NewScheduler(bridge, scroll.Config{
		BottomAttempts:   cfg.Scroll.BottomAttempts,
		BottomInterval:   cfg.Scroll.BottomInterval,
		LandmarkAttempts: cfg.Scroll.LandmarkAttempts,
		LandmarkInterval: cfg.Scroll.LandmarkInterval,
	})
	signals := bus.New()

	ctrl := engine.New(client, buffer, assembler, sessions, sched, signals)
	defer ctrl.Close()
	go ctrl.Run(ctx)

	analysisID, err := resolveAnalysis(ctx, client, *submitURL, *analysisFlag)
	if err != nil {
		return err
	}
	if snapshot, err := client.GetAnalysis(ctx, analysisID); err == nil {
		ctrl.Track(ctx, []models.Analysis{*snapshot})
	}
	if err := ctrl.Activate(ctx, analysisID); err != nil {
		return fmt.Errorf("activate analysis: %w", err)
	}

	p := tea.NewProgram(tui.New(ctrl, bridge, analysisID), tea.WithAltScreen())
	bridge.Attach(p.Send)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run UI: %w", err)
	}
	return nil
}

func resolveAnalysis(ctx context.Context, client pipeline.Client, submitURL, analysisFlag string) (uuid.UUID, error) {
	if submitURL != "" {
		a, err := client.CreateAnalysis(ctx, submitURL)
		if err != nil {
			return uuid.Nil, fmt.Errorf("submit analysis: %w", err)
		}
		slog.Info("analysis submitted", "analysis_id", a.ID, "post_url", submitURL)
		return a.ID, nil
	}
	id, err := uuid.Parse(analysisFlag)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid analysis id %q", analysisFlag)
	}
	return id, nil
}
