package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/njoerd114/stratussync/internal/model"
)

// Cache defaults used when NewFacilityResolver is given zero values.
const (
	DefaultFacilityCacheSize = 256
	DefaultFacilityCacheTTL  = 5 * time.Minute
)

// facilityMatch is a cached resolution; ok is false for names that matched
// nothing, so misses are cached too.
type facilityMatch struct {
	mapping model.FacilityMapping
	ok      bool
}

// FacilityResolver maps facility or organization names found in order
// payloads to local organization and facility IDs.
type FacilityResolver struct {
	source MappingSource
	cache  *expirable.LRU[string, facilityMatch]
	log    *slog.Logger
}

// NewFacilityResolver creates a resolver backed by source. Results are
// memoised for ttl in a cache bounded to size entries.
func NewFacilityResolver(source MappingSource, size int, ttl time.Duration, logger *slog.Logger) *FacilityResolver {
	if size <= 0 {
		size = DefaultFacilityCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultFacilityCacheTTL
	}
	return &FacilityResolver{
		source: source,
		cache:  expirable.NewLRU[string, facilityMatch](size, nil, ttl),
		log:    logger,
	}
}

// Resolve returns the mapping for name. ok is false when no mapping matches
// or the match is ambiguous.
func (r *FacilityResolver) Resolve(ctx context.Context, name string) (model.FacilityMapping, bool, error) {
	key := normaliseName(name)
	if key == "" {
		return model.FacilityMapping{}, false, nil
	}
	if m, hit := r.cache.Get(key); hit {
		return m.mapping, m.ok, nil
	}

	mappings, err := r.source.ListFacilityMappings(ctx)
	if err != nil {
		return model.FacilityMapping{}, false, fmt.Errorf("loading facility mappings: %w", err)
	}
	m, ok := matchFacility(key, mappings)
	r.cache.Add(key, facilityMatch{mapping: m, ok: ok})
	if !ok {
		r.log.Debug("no unique facility mapping", "name", name)
	}
	return m, ok, nil
}

// matchFacility picks the mapping for an already-normalised query. An exact
// match wins. Otherwise mappings whose name contains, or is contained in, the
// query are candidates; a single candidate, or one strictly longer than all
// others, is returned. Anything else is ambiguous.
func matchFacility(query string, mappings []model.FacilityMapping) (model.FacilityMapping, bool) {
	var (
		best     model.FacilityMapping
		bestLen  int
		tied     bool
		anyMatch bool
	)
	for _, m := range mappings {
		n := normaliseName(m.Name)
		if n == "" {
			continue
		}
		if n == query {
			return m, true
		}
		if !strings.Contains(n, query) && !strings.Contains(query, n) {
			continue
		}
		switch {
		case !anyMatch || len(n) > bestLen:
			best, bestLen, tied, anyMatch = m, len(n), false, true
		case len(n) == bestLen:
			tied = true
		}
	}
	if !anyMatch || tied {
		return model.FacilityMapping{}, false
	}
	return best, true
}

// normaliseName lowercases s and joins its alphanumeric runs with single
// spaces: "St. Mary's  Clinic" → "st mary s clinic".
func normaliseName(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(words, " ")
}
