// Package tools resolves tenant-scoped tool sets through the catalog with a
// bounded in-process cache, and normalizes caller-supplied arguments against
// each tool's declared JSON Schema.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/toolmesh/toolmesh/internal/catalog"
	"github.com/toolmesh/toolmesh/internal/tenant"
	"github.com/toolmesh/toolmesh/pkg/models"
)

// ErrToolNotFound means the requested tool is absent from the tenant's
// resolved catalog. A per-call failure, never a session-level one.
var ErrToolNotFound = errors.New("tool not found")

// Searcher is the catalog dependency. Satisfied by *catalog.Client.
type Searcher interface {
	Search(ctx context.Context, tenantName string, sec tenant.SecHeaders, q catalog.SearchQuery) ([]catalog.ToolDefinition, error)
}

type cacheKey struct {
	tenant      string
	fingerprint string
}

type cachedSet struct {
	defs    []catalog.ToolDefinition
	fetched time.Time
}

// Service memoizes catalog lookups per (tenant, query fingerprint) for a
// bounded TTL. A tools/list_changed notification invalidates the tenant's
// entries eagerly: the notification wins the race, the next list refetches.
type Service struct {
	catalog    Searcher
	ttl        time.Duration
	normalizer *Normalizer

	mu    sync.Mutex
	cache map[cacheKey]cachedSet
	group singleflight.Group
}

// NewService creates the tool service.
func NewService(searcher Searcher, ttl time.Duration, normalizer *Normalizer) *Service {
	return &Service{
		catalog:    searcher,
		ttl:        ttl,
		normalizer: normalizer,
		cache:      make(map[cacheKey]cachedSet),
	}
}

// Normalizer returns the argument normalizer bound to this service.
func (s *Service) Normalizer() *Normalizer { return s.normalizer }

// List returns the tool definitions visible to the tenant for this query,
// served from cache within the TTL. Concurrent misses for the same key are
// collapsed into a single catalog fetch.
func (s *Service) List(ctx context.Context, tenantName string, sec tenant.SecHeaders, q catalog.SearchQuery) ([]catalog.ToolDefinition, error) {
	key := cacheKey{tenant: tenantName, fingerprint: q.Fingerprint()}

	s.mu.Lock()
	entry, ok := s.cache[key]
	s.mu.Unlock()
	if ok && time.Since(entry.fetched) < s.ttl {
		return entry.defs, nil
	}

	flightKey := key.tenant + "\x00" + key.fingerprint
	v, err, _ := s.group.Do(flightKey, func() (interface{}, error) {
		defs, err := s.catalog.Search(ctx, tenantName, sec, q)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[key] = cachedSet{defs: defs, fetched: time.Now()}
		s.mu.Unlock()
		return defs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]catalog.ToolDefinition), nil
}

// Resolve finds one tool by name in the tenant's visible set.
func (s *Service) Resolve(ctx context.Context, tenantName string, sec tenant.SecHeaders, q catalog.SearchQuery, name string) (*catalog.ToolDefinition, error) {
	defs, err := s.List(ctx, tenantName, sec, q)
	if err != nil {
		return nil, err
	}
	for i := range defs {
		if defs[i].Name == name {
			return &defs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// Invalidate drops every cached entry for a tenant. Called on receipt of a
// tools/list_changed notification.
func (s *Service) Invalidate(tenantName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.cache {
		if key.tenant == tenantName {
			delete(s.cache, key)
			n++
		}
	}
	if n > 0 {
		log.Debug().Str("tenant", tenantName).Int("entries", n).Msg("tool cache invalidated")
	}
}

// WireTools converts resolved definitions to the client-facing tools/list
// shape.
func WireTools(defs []catalog.ToolDefinition) []models.MCPToolInfo {
	infos := make([]models.MCPToolInfo, 0, len(defs))
	for _, d := range defs {
		infos = append(infos, models.MCPToolInfo{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return infos
}
