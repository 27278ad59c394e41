package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lockerbot/gobroker/internal/broker"
	"github.com/lockerbot/gobroker/internal/domain"
	"github.com/lockerbot/gobroker/pkg/config"
	"github.com/lockerbot/gobroker/pkg/logger"
	"github.com/lockerbot/gobroker/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config file")
	symbols := flag.String("symbols", "", "comma-separated symbols to stream quotes for")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.OutputFile,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	client := broker.New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = client.Connect(ctx)
	cancel()
	if err != nil {
		logger.Errorf("connect failed: %v", err)
		os.Exit(1)
	}

	manager := shutdown.NewManager()
	manager.OnShutdown(func(ctx context.Context) {
		client.Disconnect()
	})

	if err := client.SubscribeOrderUpdates(func(u domain.OrderUpdate) {
		logger.Infof("order %s on %s is now %s (filled %s @ %s)",
			u.OrderID, u.Symbol, u.Status, u.FilledSize, u.AvgPrice)
	}); err != nil {
		logger.Warnf("subscribe order updates: %v", err)
	}

	for _, symbol := range splitSymbols(*symbols) {
		sym := symbol
		if err := client.SubscribeMarketData(sym, func(md domain.MarketData) {
			logger.Debugf("%s bid=%s ask=%s last=%s", md.Symbol, md.Bid, md.Ask, md.Last)
		}); err != nil {
			logger.Warnf("subscribe %s: %v", sym, err)
		}
	}

	logger.Info("trader running, press Ctrl+C to exit")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("received %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)
}

func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if sym := strings.TrimSpace(part); sym != "" {
			out = append(out, sym)
		}
	}
	return out
}
