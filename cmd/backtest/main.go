package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/trade-gatekeeper/internal/alpaca"
	"github.com/GoPolymarket/trade-gatekeeper/internal/backtest"
	"github.com/GoPolymarket/trade-gatekeeper/internal/config"
	"github.com/GoPolymarket/trade-gatekeeper/internal/params"
	"github.com/GoPolymarket/trade-gatekeeper/internal/strategy"
)

// backtest replays one symbol offline, either from a CSV file or from
// Alpaca daily bars, with the configured parameter defaults.
func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	csvPath := flag.String("csv", "", "bars CSV (time,open,high,low,close,volume)")
	symbol := flag.String("symbol", "", "symbol; fetched from Alpaca when -csv is empty")
	fromFlag := flag.String("from", "", "start date YYYY-MM-DD")
	toFlag := flag.String("to", "", "end date YYYY-MM-DD")
	capital := flag.Float64("capital", 0, "initial capital (default paper.initial_cash)")
	strategyName := flag.String("strategy", "momentum", "momentum|buy-and-hold")
	threshold := flag.Float64("threshold", 0, "auto_trade_threshold override")
	full := flag.Bool("full", false, "print fills and the equity curve")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		cfg = config.Default()
	}
	cfg.ApplyEnv()

	to := time.Now().UTC()
	if *toFlag != "" {
		if to, err = time.Parse("2006-01-02", *toFlag); err != nil {
			logrus.WithError(err).Fatal("invalid -to")
		}
	}
	from := to.Add(-time.Duration(cfg.Evolution.BacktestDays) * 24 * time.Hour)
	if *fromFlag != "" {
		if from, err = time.Parse("2006-01-02", *fromFlag); err != nil {
			logrus.WithError(err).Fatal("invalid -from")
		}
	}

	strat, ok := strategy.Lookup(*strategyName)
	if !ok {
		logrus.WithField("strategy", *strategyName).Fatal("unknown strategy")
	}

	series, err := loadSeries(cfg, *csvPath, strings.ToUpper(strings.TrimSpace(*symbol)), from, to,
		*fromFlag != "" || *toFlag != "")
	if err != nil {
		logrus.WithError(err).Fatal("load bars")
	}

	snap := defaults(cfg.Params.Specs())
	if *threshold > 0 {
		spec := specFor(cfg.Params.Specs(), params.AutoTradeThreshold)
		if *threshold < spec.Min || *threshold > spec.Max {
			logrus.Fatalf("-threshold must be within [%g, %g]", spec.Min, spec.Max)
		}
		snap = snap.With(params.AutoTradeThreshold, *threshold)
	}
	if *capital <= 0 {
		*capital = cfg.Paper.InitialCash
	}

	res, err := backtest.NewSimulator(cfg.Backtest).Run(strat, series, *capital, snap)
	if err != nil {
		logrus.WithError(err).Fatal("backtest")
	}
	res.Key.Symbol = strings.ToUpper(strings.TrimSpace(*symbol))
	if !*full {
		res.EquityCurve = nil
		res.Trades = nil
		res.ClosedTrades = nil
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		logrus.WithError(err).Fatal("encode")
	}
}

func loadSeries(cfg config.Config, path, symbol string, from, to time.Time, explicitRange bool) ([]backtest.Bar, error) {
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		series, err := backtest.LoadCSV(f)
		if err != nil {
			return nil, err
		}
		if !explicitRange {
			return series, nil
		}
		return backtest.Between(series, from, to), nil
	}
	if symbol == "" {
		return nil, fmt.Errorf("either -csv or -symbol is required")
	}
	if cfg.Alpaca.APIKey == "" {
		return nil, fmt.Errorf("alpaca credentials are required to fetch %s", symbol)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return alpaca.New(cfg.Alpaca).Bars(ctx, symbol, from, to)
}

func defaults(specs []params.Spec) params.Snapshot {
	values := make(map[string]float64, len(specs))
	for _, s := range specs {
		values[s.Key] = s.Default
	}
	return params.NewSnapshot(values, time.Now())
}

func specFor(specs []params.Spec, key string) params.Spec {
	for _, s := range specs {
		if s.Key == key {
			return s
		}
	}
	return params.Spec{Key: key, Min: 0, Max: 1}
}
