package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/audit"
	"tradeflow/internal/broker"
	"tradeflow/internal/config"
	"tradeflow/internal/domain"
	"tradeflow/internal/engine"
	"tradeflow/internal/marketdata"
	"tradeflow/internal/store"
	"tradeflow/internal/util"
)

func main() {
	flag.Parse()

	cfgPath := "config/tradeflow.yaml"
	if p := os.Getenv("TRADEFLOW_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := seedPortfolio(ctx, st, cfg); err != nil {
		log.Fatalf("failed to seed portfolio: %v", err)
	}

	gateway, md := buildVenue(cfg)
	slog.Info("starting trader",
		"venue", gateway.Name(),
		"portfolio", cfg.Portfolio.ID,
		"paper_mode", cfg.Trading.PaperMode)

	eng := engine.New(engine.Config{
		LargeOrderQty:      decimal.NewFromFloat(cfg.Trading.LargeOrderQty),
		PollRatePerMinute:  cfg.Trading.PollRatePerMin,
		MaxChildWait:       time.Duration(cfg.Trading.MaxChildWaitSec) * time.Second,
		CommissionPerShare: decimal.NewFromFloat(cfg.Trading.CommissionPerShare),
	}, st, gateway, md, audit.NewLogSink())
	defer eng.Close()

	if err := eng.Resume(ctx); err != nil {
		slog.Error("resuming persisted orders", "err", err)
		os.Exit(1)
	}

	go func() {
		for err := range eng.Errors() {
			slog.Error("execution failure", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// buildVenue selects the broker and market data gateways: Alpaca when
// credentials are configured and paper mode is off, the in-memory simulator
// otherwise. Market data still uses Alpaca whenever credentials exist so
// paper runs see real prices.
func buildVenue(cfg *config.Config) (broker.Gateway, marketdata.Gateway) {
	var md marketdata.Gateway
	if cfg.Alpaca.APIKey != "" {
		profiles := marketdata.NewProfileStore(cfg.Storage.DataDir)
		md = marketdata.NewAlpacaGateway(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, profiles, 0)
	} else {
		md = marketdata.NewStatic(nil)
	}

	if cfg.Trading.PaperMode || cfg.Alpaca.APIKey == "" {
		return broker.NewSimulator(nil), md
	}
	return broker.NewAlpacaGateway(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL), md
}

// seedPortfolio creates the default portfolio on first start.
func seedPortfolio(ctx context.Context, st store.Store, cfg *config.Config) error {
	_, err := st.GetPortfolio(ctx, cfg.Portfolio.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrPortfolioNotFound) {
		return err
	}

	pf := &domain.Portfolio{
		ID:        cfg.Portfolio.ID,
		Cash:      decimal.NewFromFloat(cfg.Portfolio.InitialCash),
		Limits:    cfg.Trading.Limits(),
		Positions: make(map[string]*domain.Position),
	}
	slog.Info("seeding portfolio", "id", pf.ID, "cash", pf.Cash)
	return st.SavePortfolio(ctx, pf)
}
