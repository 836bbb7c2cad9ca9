package config

import (
	"fmt"
	"strings"

	"github.com/GoPolymarket/trade-gatekeeper/internal/params"
)

// LiveSmallThresholdFloor is the lowest auto-trade threshold allowed in the
// live-small phase.
const LiveSmallThresholdFloor = 0.9

// ApplyRolloutPhase applies a staged rollout preset to the config.
// Supported phases:
// - paper:       paper executor, real paper fills (dry_run=false)
// - shadow:      live mode, dry-run only (no order placement)
// - live-small:  live mode with tight risk caps and a high threshold
// - live:        live mode using configured values
func ApplyRolloutPhase(cfg *Config, phase string) error {
	p := strings.ToLower(strings.TrimSpace(phase))
	if p == "" {
		return nil
	}

	switch p {
	case "paper":
		cfg.TradingMode = "paper"
		cfg.DryRun = false
	case "shadow", "live-dryrun", "live-dry-run":
		cfg.TradingMode = "live"
		cfg.DryRun = true
	case "live-small", "small":
		cfg.TradingMode = "live"
		cfg.DryRun = false

		specs := cfg.Params.Specs()
		for i := range specs {
			s := &specs[i]
			switch s.Key {
			case params.MaxPositionSizePct:
				clampSpec(s, 2)
			case params.DailyLossLimitPct:
				clampSpec(s, 1)
			case params.MaxTradesPerDay:
				clampSpec(s, 5)
			case params.AutoTradeThreshold:
				if s.Min < LiveSmallThresholdFloor {
					s.Min = LiveSmallThresholdFloor
				}
				if s.Max < s.Min {
					s.Max = s.Min
				}
				if s.Default < s.Min {
					s.Default = s.Min
				}
			}
		}
		cfg.Params.Overrides = specs
		if cfg.Evolution.Floor < LiveSmallThresholdFloor {
			cfg.Evolution.Floor = LiveSmallThresholdFloor
		}
	case "live":
		cfg.TradingMode = "live"
		cfg.DryRun = false
	default:
		return fmt.Errorf("unknown rollout phase %q (supported: paper|shadow|live-small|live)", phase)
	}

	return nil
}

// clampSpec caps a limit's default and maximum.
func clampSpec(s *params.Spec, max float64) {
	if max <= 0 {
		return
	}
	if s.Max <= 0 || s.Max > max {
		s.Max = max
	}
	if s.Min > s.Max {
		s.Min = s.Max
	}
	if s.Default <= 0 || s.Default > s.Max {
		s.Default = s.Max
	}
}
