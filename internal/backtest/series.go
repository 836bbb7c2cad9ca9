package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Bar is one OHLCV sample.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Validate checks the series is non-empty, strictly increasing in time and
// carries positive closes.
func Validate(series []Bar) error {
	if len(series) == 0 {
		return fmt.Errorf("backtest: empty price series")
	}
	for i, b := range series {
		if b.Close <= 0 {
			return fmt.Errorf("backtest: bar %d (%s) has non-positive close %f", i, b.Time.Format(time.RFC3339), b.Close)
		}
		if i > 0 && !b.Time.After(series[i-1].Time) {
			return fmt.Errorf("backtest: bar %d (%s) is not after bar %d", i, b.Time.Format(time.RFC3339), i-1)
		}
	}
	return nil
}

// Between returns the bars with from <= Time <= to. Zero bounds are open.
func Between(series []Bar, from, to time.Time) []Bar {
	var out []Bar
	for _, b := range series {
		if !from.IsZero() && b.Time.Before(from) {
			continue
		}
		if !to.IsZero() && b.Time.After(to) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// LoadCSV reads bars with a header row. Recognized columns: time (or date,
// timestamp), open, high, low, close, volume. Only time and close are
// required. Time may be RFC3339, YYYY-MM-DD, or unix seconds.
func LoadCSV(r io.Reader) ([]Bar, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("backtest: read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	timeCol := -1
	for _, name := range []string{"time", "date", "timestamp"} {
		if i, ok := cols[name]; ok {
			timeCol = i
			break
		}
	}
	closeCol, ok := cols["close"]
	if timeCol < 0 || !ok {
		return nil, fmt.Errorf("backtest: csv needs time/date and close columns")
	}

	var bars []Bar
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("backtest: csv line %d: %w", line, err)
		}
		ts, err := parseTime(rec[timeCol])
		if err != nil {
			return nil, fmt.Errorf("backtest: csv line %d: %w", line, err)
		}
		b := Bar{Time: ts}
		if b.Close, err = strconv.ParseFloat(strings.TrimSpace(rec[closeCol]), 64); err != nil {
			return nil, fmt.Errorf("backtest: csv line %d close: %w", line, err)
		}
		b.Open = optionalFloat(rec, cols, "open", b.Close)
		b.High = optionalFloat(rec, cols, "high", b.Close)
		b.Low = optionalFloat(rec, cols, "low", b.Close)
		b.Volume = optionalFloat(rec, cols, "volume", 0)
		bars = append(bars, b)
	}
	return bars, Validate(bars)
}

func optionalFloat(rec []string, cols map[string]int, name string, def float64) float64 {
	i, ok := cols[name]
	if !ok || i >= len(rec) {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
	if err != nil {
		return def
	}
	return v
}

func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t.UTC(), nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", v)
}
