package params

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/trade-gatekeeper/internal/logging"
)

// Backend persists parameter records. Save must upsert the whole record and
// keep the newer UpdatedAt when two writes race.
type Backend interface {
	Load(ctx context.Context, key string) (Parameter, bool, error)
	LoadAll(ctx context.Context) ([]Parameter, error)
	Save(ctx context.Context, p Parameter) error
	History(ctx context.Context, key string, limit int) ([]Parameter, error)
	Close() error
}

// Store is the single writer for strategy parameters.
type Store struct {
	mu      sync.Mutex
	backend Backend
	specs   map[string]Spec
	now     func() time.Time
	last    time.Time
	log     *logrus.Entry
}

// NewStore creates a Store over backend with the given specs.
func NewStore(backend Backend, specs []Spec) *Store {
	m := make(map[string]Spec, len(specs))
	for _, s := range specs {
		m[s.Key] = s
	}
	return &Store{
		backend: backend,
		specs:   m,
		now:     time.Now,
		log:     logging.For("params"),
	}
}

// Spec returns the spec for key.
func (s *Store) Spec(key string) (Spec, bool) {
	sp, ok := s.specs[key]
	return sp, ok
}

// Specs returns all specs sorted by key.
func (s *Store) Specs() []Spec {
	out := make([]Spec, 0, len(s.specs))
	for _, sp := range s.specs {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Get returns the latest committed value for key, or its default if it has
// never been written.
func (s *Store) Get(ctx context.Context, key string) (float64, error) {
	p, err := s.Record(ctx, key)
	if err != nil {
		return 0, err
	}
	return p.Value, nil
}

// Record returns the full record for key.
func (s *Store) Record(ctx context.Context, key string) (Parameter, error) {
	spec, ok := s.specs[key]
	if !ok {
		return Parameter{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	p, found, err := s.backend.Load(ctx, key)
	if err != nil {
		return Parameter{}, fmt.Errorf("%w: load %s: %v", ErrUnavailable, key, err)
	}
	if !found {
		return defaultRecord(spec), nil
	}
	return p, nil
}

// All returns every known parameter, defaults included, sorted by key.
func (s *Store) All(ctx context.Context) ([]Parameter, error) {
	stored, err := s.backend.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load all: %v", ErrUnavailable, err)
	}
	byKey := make(map[string]Parameter, len(stored))
	for _, p := range stored {
		byKey[p.Key] = p
	}
	out := make([]Parameter, 0, len(s.specs))
	for _, spec := range s.Specs() {
		if p, ok := byKey[spec.Key]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, defaultRecord(spec))
	}
	return out, nil
}

// Snapshot returns an immutable copy of every parameter value.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	all, err := s.All(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	values := make(map[string]float64, len(all))
	for _, p := range all {
		values[p.Key] = p.Value
	}
	return NewSnapshot(values, s.now()), nil
}

// History returns the most recent changes for key, newest first.
func (s *Store) History(ctx context.Context, key string, limit int) ([]Parameter, error) {
	if _, ok := s.specs[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	h, err := s.backend.History(ctx, key, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: history %s: %v", ErrUnavailable, key, err)
	}
	return h, nil
}

// Set validates and commits a new value. Out-of-bounds values and evolution
// steps larger than the spec's MaxDelta are rejected with *RejectedError.
func (s *Store) Set(ctx context.Context, key string, value float64, by Source, reason string) (Parameter, error) {
	spec, ok := s.specs[key]
	if !ok {
		return Parameter{}, &RejectedError{Key: key, Value: value, Reason: "unknown parameter", Err: ErrUnknownKey}
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || value < spec.Min || value > spec.Max {
		return Parameter{}, &RejectedError{
			Key:    key,
			Value:  value,
			Reason: fmt.Sprintf("must be within [%g, %g]", spec.Min, spec.Max),
			Err:    ErrOutOfBounds,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Record(ctx, key)
	if err != nil {
		return Parameter{}, err
	}
	if by == SourceEvolution && spec.MaxDelta > 0 {
		if delta := math.Abs(value - current.Value); delta > spec.MaxDelta+1e-9 {
			return Parameter{}, &RejectedError{
				Key:    key,
				Value:  value,
				Reason: fmt.Sprintf("step %.4f exceeds max delta %g", delta, spec.MaxDelta),
				Err:    ErrDeltaExceeded,
			}
		}
	}

	next := Parameter{
		Key:           key,
		Value:         value,
		PreviousValue: current.Value,
		UpdatedAt:     s.tick(),
		UpdatedBy:     by,
		Reason:        reason,
		Min:           spec.Min,
		Max:           spec.Max,
	}
	if err := s.backend.Save(ctx, next); err != nil {
		return Parameter{}, fmt.Errorf("%w: save %s: %v", ErrUnavailable, key, err)
	}
	s.log.WithFields(logrus.Fields{
		"key":        key,
		"from":       current.Value,
		"to":         value,
		"updated_by": by,
	}).Info("parameter updated")
	return next, nil
}

// Close releases the backend.
func (s *Store) Close() error { return s.backend.Close() }

// tick returns a timestamp strictly after the previous one. Caller must hold s.mu.
func (s *Store) tick() time.Time {
	now := s.now().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now
	return now
}

func defaultRecord(spec Spec) Parameter {
	return Parameter{
		Key:       spec.Key,
		Value:     spec.Default,
		UpdatedBy: SourceDefault,
		Min:       spec.Min,
		Max:       spec.Max,
	}
}
