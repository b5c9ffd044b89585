// Package catalog exposes the backend's algorithm catalog.
//
// A Provider fetches the catalog once and caches it until Refresh or, with
// WithTTL, until the cached copy expires. Fetch
// failures degrade to an empty Catalog carrying the error, so callers can
// render an inline error without treating it as fatal.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/benchstage/pkg/params"
)

// ErrUnknownAlgorithm is returned when an id or name is not in the catalog.
var ErrUnknownAlgorithm = errors.New("unknown algorithm")

// Source fetches the full algorithm list.
type Source interface {
	Algorithms(ctx context.Context) ([]params.Algorithm, error)
}

// Catalog is an immutable snapshot of the algorithm list.
type Catalog struct {
	algos []params.Algorithm
	byID  map[int]int
	err   error
}

// NewCatalog builds a snapshot ordered by algorithm id.
func NewCatalog(algos []params.Algorithm) Catalog {
	sorted := make([]params.Algorithm, len(algos))
	copy(sorted, algos)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	byID := make(map[int]int, len(sorted))
	for i, a := range sorted {
		if _, dup := byID[a.ID]; !dup {
			byID[a.ID] = i
		}
	}
	return Catalog{algos: sorted, byID: byID}
}

// Err returns the fetch error a degraded catalog was built from.
func (c Catalog) Err() error { return c.err }

// Len returns the number of algorithms.
func (c Catalog) Len() int { return len(c.algos) }

// List returns the algorithms ordered by id.
func (c Catalog) List() []params.Algorithm {
	out := make([]params.Algorithm, len(c.algos))
	copy(out, c.algos)
	return out
}

// ByID looks up an algorithm by id.
func (c Catalog) ByID(id int) (params.Algorithm, bool) {
	i, ok := c.byID[id]
	if !ok {
		return params.Algorithm{}, false
	}
	return c.algos[i], true
}

// ByName looks up an algorithm by case-insensitive name.
func (c Catalog) ByName(name string) (params.Algorithm, bool) {
	name = strings.TrimSpace(name)
	for _, a := range c.algos {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return params.Algorithm{}, false
}

// Resolve looks up ref as a numeric id first, then as a name.
func (c Catalog) Resolve(ref string) (params.Algorithm, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return params.Algorithm{}, fmt.Errorf("algorithm is required")
	}
	if id, err := strconv.Atoi(ref); err == nil {
		if a, ok := c.ByID(id); ok {
			return a, nil
		}
	}
	if a, ok := c.ByName(ref); ok {
		return a, nil
	}
	if c.err != nil {
		return params.Algorithm{}, fmt.Errorf("%w %q (catalog unavailable: %v)", ErrUnknownAlgorithm, ref, c.err)
	}
	return params.Algorithm{}, fmt.Errorf("%w %q", ErrUnknownAlgorithm, ref)
}

// Schema returns the parameter schema for an algorithm id.
func (c Catalog) Schema(id int) (params.Schema, error) {
	a, ok := c.ByID(id)
	if !ok {
		return nil, fmt.Errorf("%w #%d", ErrUnknownAlgorithm, id)
	}
	return a.Parameters, nil
}

// Filter returns the algorithms whose names match a doublestar glob.
//
// An empty pattern matches everything. Matching is case-insensitive.
func (c Catalog) Filter(pattern string) ([]params.Algorithm, error) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return c.List(), nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	out := make([]params.Algorithm, 0, len(c.algos))
	for _, a := range c.algos {
		ok, err := doublestar.Match(pattern, strings.ToLower(a.Name))
		if err != nil {
			return nil, fmt.Errorf("match %q: %w", pattern, err)
		}
		if ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// Provider caches the catalog fetched from a Source.
type Provider struct {
	src    Source
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	cached  *Catalog
	fetched time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider's logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTTL makes a cached catalog expire ttl after it was fetched. Zero
// keeps it until Refresh.
func WithTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// NewProvider creates a Provider reading from src.
func NewProvider(src Source, opts ...Option) *Provider {
	p := &Provider{src: src, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load returns the cached catalog, fetching it on first use and again once
// the TTL has passed.
//
// On fetch failure Load returns an empty Catalog whose Err is set, along
// with the error. Failures are not cached; the next Load retries.
func (p *Provider) Load(ctx context.Context) (Catalog, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && (p.ttl == 0 || p.now().Sub(p.fetched) < p.ttl) {
		return *p.cached, nil
	}
	return p.fetchLocked(ctx)
}

// Refresh discards the cached catalog and fetches it again.
func (p *Provider) Refresh(ctx context.Context) (Catalog, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cached = nil
	return p.fetchLocked(ctx)
}

func (p *Provider) fetchLocked(ctx context.Context) (Catalog, error) {
	if p.src == nil {
		err := errors.New("catalog source is not configured")
		return Catalog{err: err}, err
	}

	algos, err := p.src.Algorithms(ctx)
	if err != nil {
		p.logger.Debug("catalog fetch failed", zap.Error(err))
		err = fmt.Errorf("load algorithm catalog: %w", err)
		return Catalog{err: err}, err
	}

	c := NewCatalog(algos)
	p.cached = &c
	p.fetched = p.now()
	p.logger.Debug("catalog loaded", zap.Int("algorithms", c.Len()))
	return c, nil
}
