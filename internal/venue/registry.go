// Package venue holds the explicitly constructed set of venue adapters the
// agent may talk to. Capability flags are read once at startup.
package venue

import (
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// Config describes one registered venue.
type Config struct {
	Name       string
	Enabled    bool
	Strategies []domain.Strategy
	RatePerSec float64
	Burst      int
}

// Info is the read-only view of a registered venue.
type Info struct {
	Name       string            `json:"name"`
	Enabled    bool              `json:"enabled"`
	Strategies []domain.Strategy `json:"strategies"`
}

type entry struct {
	cfg   Config
	venue *Limited
}

// Registry maps venue names and strategies to adapters. It is not modified
// after startup.
type Registry struct {
	venues map[string]*entry
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		venues: make(map[string]*entry),
		logger: logger.With(slog.String("component", "venue_registry")),
	}
}

// Register adds v under cfg.Name. Names must be unique.
func (r *Registry) Register(v domain.Venue, cfg Config) error {
	if cfg.Name == "" {
		cfg.Name = v.Name()
	}
	if _, ok := r.venues[cfg.Name]; ok {
		return fmt.Errorf("venue: register %s: %w", cfg.Name, domain.ErrAlreadyExists)
	}
	for _, s := range cfg.Strategies {
		if !s.Valid() {
			return fmt.Errorf("venue: register %s: unknown strategy %q", cfg.Name, s)
		}
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	r.venues[cfg.Name] = &entry{
		cfg:   cfg,
		venue: NewLimited(v, cfg.Name, rate.NewLimiter(limit, burst)),
	}
	r.order = append(r.order, cfg.Name)

	r.logger.Info("venue registered",
		slog.String("venue", cfg.Name),
		slog.Bool("enabled", cfg.Enabled),
		slog.Int("strategies", len(cfg.Strategies)),
	)
	return nil
}

// Get returns the enabled venue called name.
func (r *Registry) Get(name string) (domain.Venue, error) {
	e, ok := r.venues[name]
	if !ok {
		return nil, fmt.Errorf("venue: %s: %w", name, domain.ErrNoVenue)
	}
	if !e.cfg.Enabled {
		return nil, fmt.Errorf("venue: %s: %w", name, domain.ErrVenueDisabled)
	}
	return e.venue, nil
}

// For returns the first enabled venue that serves strategy, in registration
// order.
func (r *Registry) For(strategy domain.Strategy) (domain.Venue, error) {
	disabled := false
	for _, name := range r.order {
		e := r.venues[name]
		if !serves(e.cfg, strategy) {
			continue
		}
		if !e.cfg.Enabled {
			disabled = true
			continue
		}
		return e.venue, nil
	}
	if disabled {
		return nil, fmt.Errorf("venue: %s: %w", strategy, domain.ErrVenueDisabled)
	}
	return nil, fmt.Errorf("venue: %s: %w", strategy, domain.ErrNoVenue)
}

// Resolve picks the named venue when name is set, otherwise the venue for
// strategy.
func (r *Registry) Resolve(name string, strategy domain.Strategy) (domain.Venue, error) {
	if name != "" {
		return r.Get(name)
	}
	return r.For(strategy)
}

// Enabled returns every enabled venue in registration order.
func (r *Registry) Enabled() []domain.Venue {
	out := make([]domain.Venue, 0, len(r.order))
	for _, name := range r.order {
		if e := r.venues[name]; e.cfg.Enabled {
			out = append(out, e.venue)
		}
	}
	return out
}

// List describes all registered venues sorted by name.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.venues))
	for _, e := range r.venues {
		out = append(out, Info{
			Name:       e.cfg.Name,
			Enabled:    e.cfg.Enabled,
			Strategies: append([]domain.Strategy(nil), e.cfg.Strategies...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func serves(cfg Config, s domain.Strategy) bool {
	for _, have := range cfg.Strategies {
		if have == s {
			return true
		}
	}
	return false
}
