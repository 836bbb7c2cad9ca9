package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/trade-gatekeeper/internal/app"
	"github.com/GoPolymarket/trade-gatekeeper/internal/config"
	"github.com/GoPolymarket/trade-gatekeeper/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	phase := flag.String("phase", "", "rollout phase preset: paper|shadow|live-small|live")
	modeOverride := flag.String("mode", "", "override trading mode: paper|live")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		logrus.WithError(err).Warn("config file unreadable, using defaults")
		cfg = config.Default()
	}
	cfg.ApplyEnv()
	if v := strings.ToLower(strings.TrimSpace(*modeOverride)); v != "" {
		cfg.TradingMode = v
	}
	if err := config.ApplyRolloutPhase(&cfg, *phase); err != nil {
		logrus.WithError(err).Fatal("invalid -phase")
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("invalid config")
	}
	if _, err := logging.Init(cfg.Log); err != nil {
		logrus.WithError(err).Fatal("logging")
	}
	log := logging.For("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	log.WithFields(logrus.Fields{
		"mode":      a.TradingMode(),
		"dry_run":   a.IsDryRun(),
		"phase":     strings.TrimSpace(*phase),
		"symbols":   cfg.Symbols,
		"api":       cfg.API.Enabled,
		"evolution": cfg.Evolution.Enabled,
	}).Info("trade-gatekeeper starting")

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("run error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Shutdown(shutdownCtx)
	if err := a.Close(); err != nil {
		log.WithError(err).Warn("close")
	}
}
