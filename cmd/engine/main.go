// Command engine is the trading-engine process entrypoint: load config,
// wire every port and the Risk Arbiter, reconcile against the venue, then
// host the four strategies until signalled to stop. Exit codes follow
// spec.md §6: 0 clean shutdown, 2 invalid config, 3 reconciliation
// failure, 4 kill flag set on a start attempt, 1 anything else.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"tradeengine/internal/alert"
	"tradeengine/internal/config"
	"tradeengine/internal/control"
	"tradeengine/internal/core"
	"tradeengine/internal/domain"
	"tradeengine/internal/engine"
	"tradeengine/internal/money"
	"tradeengine/internal/risk"
	"tradeengine/internal/safety"
	"tradeengine/internal/statestore"
	"tradeengine/internal/trading/order"
	"tradeengine/internal/trading/portfolio"
	"tradeengine/internal/trading/position"
	"tradeengine/internal/trading/strategy"
	"tradeengine/internal/venue"
	"tradeengine/pkg/logging"
	"tradeengine/pkg/telemetry"
	"tradeengine/pkg/venueclient"
)

const (
	exitOK             = 0
	exitOther          = 1
	exitConfigInvalid  = 2
	exitReconcileFail  = 3
	exitKillFlagBlocks = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigInvalid
	}

	logger, err := logging.NewLoggerFromString(cfg.App.LogLevel, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return exitOther
	}
	logger = logger.WithField("component", "main")

	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup("tradeengine")
		if err != nil {
			logger.Error("telemetry setup failed", "error", err)
			return exitOther
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := statestore.Open(cfg.App.StateStorePath)
	if err != nil {
		logger.Error("open state store", "error", err)
		return exitOther
	}
	defer store.Close()

	alerts := alert.NewAlertManager(logger)

	mockVenue := venue.NewMock()
	v := venueclient.Wrap(mockVenue)

	symbols := symbolsFromConfig(cfg)
	seedMockVenue(mockVenue, symbols)

	checker := safety.NewChecker(v, safety.Config{
		MinEquityUSD:       decimal.NewFromFloat(100),
		MaxAccountLeverage: decimal.NewFromFloat(5),
	}, logger)
	if err := checker.Run(ctx); err != nil {
		logger.Error("safety pre-flight failed", "error", err)
		return exitOther
	}

	thresholds := risk.Thresholds{
		CautionDD:    decimal.NewFromFloat(cfg.Circuit.CautionDrawdownPct),
		WarningDD:    decimal.NewFromFloat(cfg.Circuit.WarningDrawdownPct),
		AlertDD:      decimal.NewFromFloat(cfg.Circuit.AlertDrawdownPct),
		EmergencyDD:  decimal.NewFromFloat(cfg.Circuit.EmergencyDrawdownPct),
		DailyLossCap: decimal.NewFromFloat(cfg.Risk.DailyLossCapPct),
	}
	breaker, err := risk.NewCircuitBreaker(ctx, thresholds, store, logger, alerts)
	if err != nil {
		logger.Error("init circuit breaker", "error", err)
		return exitOther
	}

	if breaker.State().KillFlag {
		logger.Error("kill flag set, refusing to start; clear it via the control surface first")
		return exitKillFlagBlocks
	}

	symbolOwners := cfg.Symbols
	drawdown := risk.NewDrawdownTracker(money.New(0, "USD"), cfg.App.DailyResetUTCHour)

	reconciler := risk.NewReconciler(v, store, breaker, drawdown, symbolOwners, logger, alerts)
	report, err := reconciler.Reconcile(ctx)
	if err != nil {
		logger.Error("reconciliation failed", "error", err, "halted", report.Halted, "reason", report.HaltReason)
		return exitReconcileFail
	}
	logger.Info("reconciliation complete", "imported", report.ImportedPositions, "deleted", report.DeletedPositions, "adopted_orders", report.AdoptedOrders, "dust_skipped", report.DustSkipped)

	maxByOwner := make(map[string]decimal.Decimal, len(cfg.Engines))
	for name, e := range cfg.Engines {
		maxByOwner[name] = decimal.NewFromFloat(e.MaxLeverage)
	}
	leverageGate := risk.NewLeverageGate(maxByOwner)
	correlationGate := risk.NewCorrelationGate(cfg.Risk.CorrelationWindowDays, decimal.NewFromFloat(cfg.Risk.CorrelationMax), logger)

	arbiter := risk.NewArbiter(risk.ArbiterConfig{
		MaxPositionPct:  decimal.NewFromFloat(cfg.Risk.MaxPositionPct),
		RiskPerTradePct: decimal.NewFromFloat(cfg.Risk.RiskPerTradePct),
		SymbolOwners:    symbolOwners,
	}, leverageGate, correlationGate, breaker, store, logger)

	submitter := order.NewSubmitter(v, cfg.Venue.RateLimitPerSec, logger)
	ledger := position.NewLedger(store, logger)
	portfolioCtl := portfolio.NewController(cfg.Engines, logger)

	rt := engine.NewRuntime(store, v, arbiter, submitter, ledger, portfolioCtl, drawdown, breaker, symbols, logger)
	hostStrategies(rt, cfg, symbols, breaker, logger)

	controlSrv := control.NewServer(rt, breaker, store, []string{"*"}, logger)

	controlAddr := cfg.App.ControlAddr
	if controlAddr == "" {
		controlAddr = "127.0.0.1:8090"
	}

	errCh := make(chan error, 1)
	go func() {
		if err := controlSrv.Run(ctx, controlAddr); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	if err := rt.Start(ctx); err != nil {
		logger.Error("start engine runtime", "error", err)
		return exitOther
	}
	go runRebalanceLoop(ctx, rt, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("control server exited", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := rt.Stop(stopCtx); err != nil {
		logger.Error("stop engine runtime", "error", err)
		return exitOther
	}

	return exitOK
}

func runRebalanceLoop(ctx context.Context, rt *engine.Runtime, logger core.ILogger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rt.Rebalance(ctx); err != nil {
				logger.Warn("rebalance pass failed", "error", err)
			}
		}
	}
}

func symbolsFromConfig(cfg *config.Config) []domain.Symbol {
	symbols := make([]domain.Symbol, 0, len(cfg.Symbols))
	for name := range cfg.Symbols {
		parts := strings.SplitN(name, "/", 2)
		base, quote := name, ""
		if len(parts) == 2 {
			base, quote = parts[0], parts[1]
		}
		category := domain.CategorySpot
		if strings.Contains(name, "-PERP") {
			category = domain.CategoryLinearPerp
		}
		symbols = append(symbols, domain.Symbol{Name: name, Category: category, Base: base, Quote: quote})
	}
	return symbols
}

func seedMockVenue(m *venue.Mock, symbols []domain.Symbol) {
	m.SeedBalance(core.Balance{Asset: "USD", Total: money.New(10000, "USD"), Available: money.New(10000, "USD")})
	for _, sym := range symbols {
		last := money.MustFromString("100", sym.Quote)
		m.SeedMark(domain.MarketSnapshot{
			Symbol: sym, Last: last, Mark: last, Index: last, Bid: last, Ask: last, Timestamp: time.Now(),
		})
		if sym.Category != domain.CategorySpot {
			m.SeedFunding(domain.FundingSnapshot{Symbol: sym, Rate: money.MustFromString("0.0001", "FRAC"), NextFundingAt: time.Now().Add(8 * time.Hour)})
		}
	}
}

func hostStrategies(rt *engine.Runtime, cfg *config.Config, symbols []domain.Symbol, breaker core.CircuitBreaker, logger core.ILogger) {
	minReaction := func(name string) time.Duration {
		e, ok := cfg.Engines[name]
		if !ok || e.MinReactionInterval == "" {
			return 0
		}
		d, err := time.ParseDuration(e.MinReactionInterval)
		if err != nil {
			return 0
		}
		return d
	}

	if e, ok := cfg.Engines["CORE-HODL"]; ok && e.Enabled {
		alloc := money.MustFromString(strconv.FormatFloat(e.AllocationWeight, 'f', -1, 64), "FRAC")
		dca := money.New(50, "USD")
		rt.Host(strategy.NewCoreHodl(spotOnly(symbols), alloc, dca, minReaction("CORE-HODL"), logger))
	}
	if e, ok := cfg.Engines["TREND"]; ok && e.Enabled {
		alloc := money.MustFromString(strconv.FormatFloat(e.AllocationWeight, 'f', -1, 64), "FRAC")
		rt.Host(strategy.NewTrend(symbols, alloc, minReaction("TREND"), logger))
	}
	if e, ok := cfg.Engines["FUNDING"]; ok && e.Enabled {
		alloc := money.MustFromString(strconv.FormatFloat(e.AllocationWeight, 'f', -1, 64), "FRAC")
		rt.Host(strategy.NewFunding(perpPairs(symbols), alloc, minReaction("FUNDING"), logger))
	}
	if e, ok := cfg.Engines["TACTICAL"]; ok && e.Enabled {
		alloc := money.MustFromString(strconv.FormatFloat(e.AllocationWeight, 'f', -1, 64), "FRAC")
		fearSource := strategy.StaticFearIndex{Value: decimal.NewFromInt(50)}
		rt.Host(strategy.NewTactical(spotOnly(symbols), alloc, minReaction("TACTICAL"), fearSource, breaker, logger))
	}
}

func spotOnly(symbols []domain.Symbol) []domain.Symbol {
	out := make([]domain.Symbol, 0, len(symbols))
	for _, s := range symbols {
		if s.Category == domain.CategorySpot {
			out = append(out, s)
		}
	}
	return out
}

func perpPairs(symbols []domain.Symbol) []strategy.Pair {
	spotByBase := make(map[string]domain.Symbol)
	var perps []domain.Symbol
	for _, s := range symbols {
		if s.Category == domain.CategorySpot {
			spotByBase[s.Base] = s
		} else {
			perps = append(perps, s)
		}
	}
	var pairs []strategy.Pair
	for _, perp := range perps {
		if spot, ok := spotByBase[perp.Base]; ok {
			pairs = append(pairs, strategy.Pair{Spot: spot, Perp: perp})
		}
	}
	return pairs
}
