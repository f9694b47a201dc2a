/*
Package catalog provides the cached product and project lookups the
accounting engines depend on.

PURPOSE:
  Charges and permission checks happen on the hot single-writer path, so
  lookups must never block on the database. Both caches are read-through:
  a miss triggers a full refill from the backing Source, and the
  synchronizer additionally refreshes them on every pass so stale entries
  age out within one sync interval.

KEY CONCEPTS:
  - Source: the persistence-side supplier of categories, products and
    project membership (implemented by store/sqlite)
  - ProductCache / ProjectCache: RWMutex-guarded snapshot maps with a
    fill mutex so concurrent misses refill once; a key that stays absent
    can trigger at most one refill per debounce window

SEE ALSO:
  - accounting/resolvers.go: the interfaces implemented here
  - store/sqlite/catalog.go: the Source implementation
*/
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/allocation-engine/accounting"
)

// missRefillDebounce caps how often a key that keeps missing may trigger a
// refill. Rows registered after startup become visible on the first miss;
// lookups for genuinely absent keys cannot turn into a reload storm.
const missRefillDebounce = time.Second

// Source supplies the catalog's raw data. Load methods return full
// snapshots; the caches never fetch single rows.
type Source interface {
	LoadCategories(ctx context.Context) (map[accounting.Category]accounting.CategoryInfo, error)
	LoadProducts(ctx context.Context) ([]accounting.Product, error)
	LoadMembers(ctx context.Context) (map[MemberKey]accounting.ProjectRole, error)
	LoadProjects(ctx context.Context) (map[string]accounting.ProjectInfo, error)
}

// MemberKey identifies one membership row.
type MemberKey struct {
	Username string
	Project  string
}

// =============================================================================
// PRODUCT CACHE
// =============================================================================

// ProductCache implements accounting.Products over a Source.
type ProductCache struct {
	source Source

	mu         sync.RWMutex
	categories map[accounting.Category]accounting.CategoryInfo
	products   map[accounting.ProductRef]accounting.Product

	fillMu         sync.Mutex
	filled         bool
	lastMissRefill time.Time
}

// NewProductCache creates an empty cache; the first lookup fills it.
func NewProductCache(source Source) *ProductCache {
	return &ProductCache{source: source}
}

func (p *ProductCache) Category(ctx context.Context, c accounting.Category) (accounting.CategoryInfo, bool) {
	p.mu.RLock()
	info, ok := p.categories[c]
	p.mu.RUnlock()
	if ok {
		return info, true
	}
	if err := p.refillOnMiss(ctx); err != nil {
		return accounting.CategoryInfo{}, false
	}
	p.mu.RLock()
	info, ok = p.categories[c]
	p.mu.RUnlock()
	return info, ok
}

func (p *ProductCache) Product(ctx context.Context, ref accounting.ProductRef) (accounting.Product, bool) {
	p.mu.RLock()
	prod, ok := p.products[ref]
	p.mu.RUnlock()
	if ok {
		return prod, true
	}
	if err := p.refillOnMiss(ctx); err != nil {
		return accounting.Product{}, false
	}
	p.mu.RLock()
	prod, ok = p.products[ref]
	p.mu.RUnlock()
	return prod, ok
}

// Refresh refills unconditionally.
func (p *ProductCache) Refresh(ctx context.Context) error {
	p.fillMu.Lock()
	defer p.fillMu.Unlock()
	return p.fill(ctx)
}

// refillOnMiss reloads the snapshot for a key that was not found. The
// cold cache always fills; after that, misses refill at most once per
// debounce window. Concurrent misses wait on the fill mutex and then read
// the refreshed result.
func (p *ProductCache) refillOnMiss(ctx context.Context) error {
	p.fillMu.Lock()
	defer p.fillMu.Unlock()
	if p.filled {
		if time.Since(p.lastMissRefill) < missRefillDebounce {
			return nil
		}
		p.lastMissRefill = time.Now()
	}
	return p.fill(ctx)
}

func (p *ProductCache) fill(ctx context.Context) error {
	categories, err := p.source.LoadCategories(ctx)
	if err != nil {
		return fmt.Errorf("load categories: %w", err)
	}
	list, err := p.source.LoadProducts(ctx)
	if err != nil {
		return fmt.Errorf("load products: %w", err)
	}

	// Keep only the highest version per reference.
	products := make(map[accounting.ProductRef]accounting.Product, len(list))
	for _, prod := range list {
		if existing, ok := products[prod.Ref]; !ok || prod.Version > existing.Version {
			products[prod.Ref] = prod
		}
	}

	p.mu.Lock()
	p.categories = categories
	p.products = products
	p.mu.Unlock()
	p.filled = true
	return nil
}

// =============================================================================
// PROJECT CACHE
// =============================================================================

// ProjectCache implements accounting.Projects over a Source.
type ProjectCache struct {
	source Source

	mu       sync.RWMutex
	members  map[MemberKey]accounting.ProjectRole
	projects map[string]accounting.ProjectInfo

	fillMu         sync.Mutex
	filled         bool
	lastMissRefill time.Time
}

// NewProjectCache creates an empty cache; the first lookup fills it.
func NewProjectCache(source Source) *ProjectCache {
	return &ProjectCache{source: source}
}

func (p *ProjectCache) Role(ctx context.Context, username, project string) (accounting.ProjectRole, bool) {
	key := MemberKey{Username: username, Project: project}
	p.mu.RLock()
	role, ok := p.members[key]
	p.mu.RUnlock()
	if ok {
		return role, true
	}
	if err := p.refillOnMiss(ctx); err != nil {
		return "", false
	}
	p.mu.RLock()
	role, ok = p.members[key]
	p.mu.RUnlock()
	return role, ok
}

func (p *ProjectCache) Info(ctx context.Context, project string) accounting.ProjectInfo {
	p.mu.RLock()
	info, ok := p.projects[project]
	p.mu.RUnlock()
	if ok {
		return info
	}
	if err := p.refillOnMiss(ctx); err == nil {
		p.mu.RLock()
		info, ok = p.projects[project]
		p.mu.RUnlock()
		if ok {
			return info
		}
	}
	// Unknown projects keep listings usable.
	return accounting.ProjectInfo{ID: project, Title: project}
}

// Refresh refills unconditionally.
func (p *ProjectCache) Refresh(ctx context.Context) error {
	p.fillMu.Lock()
	defer p.fillMu.Unlock()
	return p.fill(ctx)
}

func (p *ProjectCache) refillOnMiss(ctx context.Context) error {
	p.fillMu.Lock()
	defer p.fillMu.Unlock()
	if p.filled {
		if time.Since(p.lastMissRefill) < missRefillDebounce {
			return nil
		}
		p.lastMissRefill = time.Now()
	}
	return p.fill(ctx)
}

func (p *ProjectCache) fill(ctx context.Context) error {
	members, err := p.source.LoadMembers(ctx)
	if err != nil {
		return fmt.Errorf("load members: %w", err)
	}
	projects, err := p.source.LoadProjects(ctx)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}
	p.mu.Lock()
	p.members = members
	p.projects = projects
	p.mu.Unlock()
	p.filled = true
	return nil
}
