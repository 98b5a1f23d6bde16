package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "taskline/app/configs"
	"taskline/app/core/bot"
	"taskline/app/core/interaction/line"
	"taskline/app/core/llm"
	"taskline/app/core/reminder"
	"taskline/app/core/scheduler"
	"taskline/app/core/store"
	"taskline/app/pkg/logger"
	"taskline/app/pkg/types"
)

func main() {
	if err := logger.Init("output/logs"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("Taskline starting...")

	cfg, cleanup, err := config.FromEnv()
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storeOpts := []store.Option{}
	if cfg.Store.CredentialsPath != "" {
		ts, err := store.NewTokenSource(ctx, cfg.Store.CredentialsPath)
		if err != nil {
			logger.Error("Failed to build store token source: %v", err)
			os.Exit(1)
		}
		storeOpts = append(storeOpts, store.WithTokenSource(ts))
	}
	st := store.NewClient(cfg.Store.DatabaseURL, storeOpts...)

	model := llm.NewClient(cfg.Model.APIKey, cfg.Model.Name, llm.WithTimeout(cfg.Model.Timeout))

	channel := line.NewChannel(line.Config{
		ChannelAccessToken: cfg.Line.ChannelAccessToken,
		ChannelSecret:      cfg.Line.ChannelSecret,
		Port:               cfg.Server.Port,
	})

	b := bot.New(st, model, line.NewRenderer())

	jobScheduler := scheduler.New()
	reminders := reminder.New(st, channel)
	if err := reminders.RegisterJobs(jobScheduler, cfg.Reminder.TickInterval, cfg.Reminder.TickTimeout); err != nil {
		logger.Error("Failed to register reminder job: %v", err)
		os.Exit(1)
	}
	if err := jobScheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := jobScheduler.Stop(3 * time.Second); err != nil {
			logger.Error("Scheduler shutdown timeout: %v", err)
		}
	}()

	handler := func(ev types.Event) {
		msgs := b.HandleEvent(ctx, ev)
		if ev.ReplyToken == "" || len(msgs) == 0 {
			return
		}
		if err := channel.Reply(ctx, ev.ReplyToken, msgs); err != nil {
			logger.Error("[Main] req=%s user=%s reply failed: %v", ev.RequestID, ev.UserID, err)
		}
	}

	go func() {
		if err := channel.Start(ctx, handler); err != nil {
			logger.Error("Channel crashed: %v", err)
			os.Exit(1)
		}
	}()

	logger.Info("Taskline is ready on port %d", cfg.Server.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal: %v. Taskline shutting down...", sig)
	cancel()
}
