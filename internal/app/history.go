package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GoPolymarket/trade-gatekeeper/internal/backtest"
	"github.com/GoPolymarket/trade-gatekeeper/internal/evolution"
)

// LoadHistory reads <dir>/<SYMBOL>.csv for every symbol.
func LoadHistory(dir string, symbols []string) (evolution.StaticHistory, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols to load from %s", dir)
	}
	h := make(evolution.StaticHistory, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		series, err := loadCSVFile(filepath.Join(dir, sym+".csv"))
		if err != nil {
			return nil, err
		}
		h[sym] = series
	}
	return h, nil
}

func loadCSVFile(path string) ([]backtest.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	series, err := backtest.LoadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return series, nil
}
