package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
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

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tradeflow-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version    Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  submit     Submit an order and wait for it to resolve\n")
		fmt.Fprintf(os.Stderr, "  cancel     Cancel a live order\n")
		fmt.Fprintf(os.Stderr, "  orders     List orders\n")
		fmt.Fprintf(os.Stderr, "  show       Show one order with its children and fills\n")
		fmt.Fprintf(os.Stderr, "  portfolio  Show portfolio cash and positions\n")
		fmt.Fprintf(os.Stderr, "\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("tradeflow-cli %s\n", version)

	case "submit":
		cmdSubmit(os.Args[2:])

	case "cancel":
		cmdCancel(os.Args[2:])

	case "orders":
		cmdOrders(os.Args[2:])

	case "show":
		cmdShow(os.Args[2:])

	case "portfolio":
		cmdPortfolio(os.Args[2:])

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfgPath := "config/tradeflow.yaml"
	if p := os.Getenv("TRADEFLOW_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger("warn", cfg.Logging.Format))
	return cfg
}

func openStore(cfg *config.Config) *store.SQLiteStore {
	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	return st
}

// openEngine builds an in-process engine against the configured venue.
func openEngine(cfg *config.Config, st store.Store) *engine.Engine {
	var md marketdata.Gateway
	if cfg.Alpaca.APIKey != "" {
		md = marketdata.NewAlpacaGateway(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL,
			marketdata.NewProfileStore(cfg.Storage.DataDir), 0)
	} else {
		md = marketdata.NewStatic(nil)
	}

	var gw broker.Gateway
	if cfg.Trading.PaperMode || cfg.Alpaca.APIKey == "" {
		gw = broker.NewSimulator(nil)
	} else {
		gw = broker.NewAlpacaGateway(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
	}

	return engine.New(engine.Config{
		LargeOrderQty:      decimal.NewFromFloat(cfg.Trading.LargeOrderQty),
		PollRatePerMinute:  cfg.Trading.PollRatePerMin,
		MaxChildWait:       time.Duration(cfg.Trading.MaxChildWaitSec) * time.Second,
		CommissionPerShare: decimal.NewFromFloat(cfg.Trading.CommissionPerShare),
	}, st, gw, md, audit.NewLogSink())
}

func cmdSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	symbol := fs.String("symbol", "", "ticker symbol (required)")
	side := fs.String("side", "buy", "buy or sell")
	typ := fs.String("type", "market", "market, limit, stop, or stop_limit")
	qty := fs.String("qty", "", "quantity (required)")
	limit := fs.String("limit", "", "limit price")
	stop := fs.String("stop", "", "stop price")
	tif := fs.String("tif", "day", "time in force: day, gtc, ioc, fok")
	strat := fs.String("strategy", "", "execution strategy: vwap, twap, iceberg (default auto)")
	durationMin := fs.Int("duration-min", 0, "twap window in minutes")
	display := fs.String("display", "", "iceberg display quantity")
	wait := fs.Duration("wait", 2*time.Minute, "how long to wait for the order to resolve")
	fs.Parse(args)

	if *symbol == "" || *qty == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()
	eng := openEngine(cfg, st)
	defer eng.Close()

	intent := &domain.OrderIntent{
		PortfolioID: cfg.Portfolio.ID,
		Symbol:      *symbol,
		Side:        domain.Side(*side),
		Type:        domain.OrderType(*typ),
		Qty:         mustDecimal(*qty),
		TimeInForce: domain.TimeInForce(*tif),
		Strategy:    domain.StrategyKind(*strat),
		Duration:    time.Duration(*durationMin) * time.Minute,
	}
	if *limit != "" {
		intent.LimitPrice = mustDecimal(*limit)
	}
	if *stop != "" {
		intent.StopPrice = mustDecimal(*stop)
	}
	if *display != "" {
		intent.DisplayQty = mustDecimal(*display)
	}

	ctx := context.Background()
	order, err := eng.Submit(ctx, intent)
	if err != nil {
		log.Fatalf("submit failed: %v", err)
	}
	fmt.Printf("order %s submitted (%s %s %s %s, strategy %s)\n",
		order.ID, order.Side, order.Qty, order.Symbol, order.Type, order.Strategy)

	deadline := time.Now().Add(*wait)
	for time.Now().Before(deadline) {
		o, err := eng.GetOrder(ctx, order.ID)
		if err != nil {
			log.Fatalf("load order: %v", err)
		}
		if o.Status.IsTerminal() {
			printOrder(o)
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	fmt.Println("order still working; check later with: tradeflow-cli show -id", order.ID)
}

func cmdCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	id := fs.String("id", "", "order ID (required)")
	fs.Parse(args)
	if *id == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()
	eng := openEngine(cfg, st)
	defer eng.Close()

	if err := eng.Cancel(context.Background(), *id, "cli"); err != nil {
		log.Fatalf("cancel failed: %v", err)
	}
	o, err := eng.GetOrder(context.Background(), *id)
	if err != nil {
		log.Fatalf("load order: %v", err)
	}
	printOrder(o)
}

func cmdOrders(args []string) {
	fs := flag.NewFlagSet("orders", flag.ExitOnError)
	symbol := fs.String("symbol", "", "filter by symbol")
	status := fs.String("status", "", "filter by status")
	fs.Parse(args)

	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	orders, err := st.ListOrders(context.Background(), store.OrderFilter{
		PortfolioID: cfg.Portfolio.ID,
		Symbol:      *symbol,
		Status:      domain.OrderStatus(*status),
	})
	if err != nil {
		log.Fatalf("list orders: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSYMBOL\tSIDE\tQTY\tFILLED\tAVG\tSTATUS\tSTRATEGY")
	for _, o := range orders {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.ID, o.Symbol, o.Side, o.Qty, o.FilledQty, o.AvgFillPrice, o.Status, o.Strategy)
	}
	w.Flush()
}

func cmdShow(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	id := fs.String("id", "", "order ID (required)")
	fs.Parse(args)
	if *id == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()
	ctx := context.Background()

	o, err := st.GetOrder(ctx, *id)
	if err != nil {
		log.Fatalf("load order: %v", err)
	}
	printOrder(o)

	children, err := st.ListChildren(ctx, o.ID)
	if err != nil {
		log.Fatalf("load children: %v", err)
	}
	if len(children) > 0 {
		fmt.Println("\nchildren:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tQTY\tLIMIT\tSCHEDULED\tSTATUS\tFILLED\tAVG")
		for _, c := range children {
			sched := "-"
			if !c.ScheduledAt.IsZero() {
				sched = c.ScheduledAt.Format(time.TimeOnly)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				c.Seq, c.Qty, c.LimitPrice, sched, c.Status, c.FilledQty, c.AvgFillPrice)
		}
		w.Flush()
	}

	execs, err := st.ListExecutions(ctx, o.ID)
	if err != nil {
		log.Fatalf("load executions: %v", err)
	}
	if len(execs) > 0 {
		fmt.Println("\nexecutions:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tQTY\tPRICE\tVENUE\tCOMMISSION")
		for _, e := range execs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.ExecutedAt.Format(time.TimeOnly), e.Qty, e.Price, e.Venue, e.Commission)
		}
		w.Flush()
	}
}

func cmdPortfolio(args []string) {
	fs := flag.NewFlagSet("portfolio", flag.ExitOnError)
	fs.Parse(args)

	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	pf, err := st.GetPortfolio(context.Background(), cfg.Portfolio.ID)
	if err != nil {
		log.Fatalf("load portfolio: %v", err)
	}

	fmt.Printf("portfolio %s\n", pf.ID)
	fmt.Printf("  cash:         %s\n", pf.Cash)
	fmt.Printf("  invested:     %s\n", pf.Invested)
	fmt.Printf("  realized pnl: %s\n", pf.RealizedPnL)
	fmt.Printf("  total value:  %s\n", pf.TotalValue())

	if len(pf.Positions) > 0 {
		fmt.Println("\npositions:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SYMBOL\tQTY\tAVG COST\tPRICE\tVALUE\tSECTOR")
		for _, pos := range pf.Positions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				pos.Symbol, pos.Qty, pos.AvgCost, pos.CurrentPrice, pos.MarketValue(), pos.Sector)
		}
		w.Flush()
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("invalid decimal %q: %v", s, err)
	}
	return d
}

func printOrder(o *domain.Order) {
	fmt.Printf("order %s: %s %s %s %s status=%s filled=%s avg=%s strategy=%s\n",
		o.ID, o.Side, o.Qty, o.Symbol, o.Type, o.Status, o.FilledQty, o.AvgFillPrice, o.Strategy)
}
