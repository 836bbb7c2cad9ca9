package params

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Well-known parameter keys.
const (
	AutoTradeThreshold      = "auto_trade_threshold"
	MaxPositionSizePct      = "max_position_size_pct"
	MaxPortfolioExposurePct = "max_portfolio_exposure_pct"
	DailyLossLimitPct       = "daily_loss_limit_pct"
	MaxTradesPerDay         = "max_trades_per_day"
	MinRiskRewardRatio      = "min_risk_reward_ratio"
	LearningAggression      = "learning_aggression"
)

// Source records who wrote a parameter value.
type Source string

const (
	SourceDefault   Source = "default"
	SourceManual    Source = "manual"
	SourceEvolution Source = "evolution"
)

var (
	ErrUnknownKey    = errors.New("unknown parameter")
	ErrOutOfBounds   = errors.New("value out of bounds")
	ErrDeltaExceeded = errors.New("change exceeds max delta")
	// ErrUnavailable means the persistence medium failed. Callers must stop
	// making decisions rather than fall back to defaults.
	ErrUnavailable = errors.New("parameter store unavailable")
)

// RejectedError is returned by Set when a write is refused. The stored value
// is unchanged.
type RejectedError struct {
	Key    string
	Value  float64
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("set %s=%g rejected: %s", e.Key, e.Value, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Spec describes a parameter's default and the limits on its value.
// MaxDelta bounds a single evolution step; zero disables the check.
type Spec struct {
	Key      string  `yaml:"key" json:"key"`
	Default  float64 `yaml:"default" json:"default"`
	Min      float64 `yaml:"min" json:"min"`
	Max      float64 `yaml:"max" json:"max"`
	MaxDelta float64 `yaml:"max_delta" json:"max_delta"`
}

// Parameter is a persisted value. It is a plain copy; mutating it has no
// effect on the store.
type Parameter struct {
	Key           string    `json:"key"`
	Value         float64   `json:"value"`
	PreviousValue float64   `json:"previous_value"`
	UpdatedAt     time.Time `json:"updated_at"`
	UpdatedBy     Source    `json:"updated_by"`
	Reason        string    `json:"reason,omitempty"`
	Min           float64   `json:"min"`
	Max           float64   `json:"max"`
}

// DefaultSpecs returns the built-in parameter set.
func DefaultSpecs() []Spec {
	return []Spec{
		{Key: AutoTradeThreshold, Default: 0.95, Min: 0.50, Max: 0.99, MaxDelta: 0.05},
		{Key: MaxPositionSizePct, Default: 10, Min: 1, Max: 25, MaxDelta: 2},
		{Key: MaxPortfolioExposurePct, Default: 80, Min: 10, Max: 100, MaxDelta: 5},
		{Key: DailyLossLimitPct, Default: 2, Min: 0.5, Max: 10, MaxDelta: 0.5},
		{Key: MaxTradesPerDay, Default: 20, Min: 1, Max: 200, MaxDelta: 5},
		{Key: MinRiskRewardRatio, Default: 2, Min: 1, Max: 5, MaxDelta: 0.5},
		{Key: LearningAggression, Default: 0.5, Min: 0, Max: 1, MaxDelta: 0.1},
	}
}

// MergeSpecs overlays overrides onto base by key. Unknown override keys are
// appended.
func MergeSpecs(base, overrides []Spec) []Spec {
	idx := make(map[string]int, len(base))
	out := make([]Spec, len(base))
	copy(out, base)
	for i, s := range out {
		idx[s.Key] = i
	}
	for _, o := range overrides {
		if i, ok := idx[o.Key]; ok {
			out[i] = o
			continue
		}
		idx[o.Key] = len(out)
		out = append(out, o)
	}
	return out
}

// Snapshot is an immutable view of every parameter at one point in time.
type Snapshot struct {
	values  map[string]float64
	takenAt time.Time
}

// NewSnapshot copies values into a snapshot.
func NewSnapshot(values map[string]float64, takenAt time.Time) Snapshot {
	cp := make(map[string]float64, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return Snapshot{values: cp, takenAt: takenAt}
}

// Get returns the value for key, or zero if absent.
func (s Snapshot) Get(key string) float64 { return s.values[key] }

func (s Snapshot) Lookup(key string) (float64, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s Snapshot) TakenAt() time.Time { return s.takenAt }

// With returns a copy of the snapshot with key set to v.
func (s Snapshot) With(key string, v float64) Snapshot {
	next := NewSnapshot(s.values, s.takenAt)
	next.values[key] = v
	return next
}

// Values returns a copy of all values.
func (s Snapshot) Values() map[string]float64 {
	cp := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		cp[k] = v
	}
	return cp
}

// Keys returns the snapshot keys in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
