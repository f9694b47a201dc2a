/*
catalog.go - Catalog snapshots and seeding

PURPOSE:
  Implements catalog.Source: full-snapshot loads of product categories,
  products, projects and memberships, consumed by the catalog caches. The
  Save* methods exist for provider registration and project sync jobs (and
  for tests); the accounting core itself never writes the catalog.

SEE ALSO:
  - catalog package: the caches reading these snapshots
*/
package sqlite

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/allocation-engine/accounting"
	"github.com/warp/allocation-engine/catalog"
)

// LoadCategories returns all product categories.
func (s *Store) LoadCategories(ctx context.Context) (map[accounting.Category]accounting.CategoryInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT name, provider, product_type, charge_type, unit FROM product_categories")
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	categories := make(map[accounting.Category]accounting.CategoryInfo)
	for rows.Next() {
		var c accounting.Category
		var info accounting.CategoryInfo
		if err := rows.Scan(&c.Name, &c.Provider, &info.ProductType, &info.ChargeType, &info.Unit); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories[c] = info
	}
	return categories, rows.Err()
}

// LoadProducts returns all product versions; the cache keeps the newest.
func (s *Store) LoadProducts(ctx context.Context) ([]accounting.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, category_name, category_provider, price_per_unit, free_to_use, version FROM products")
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []accounting.Product
	for rows.Next() {
		var p accounting.Product
		var price string
		if err := rows.Scan(&p.Ref.ID, &p.Ref.Category, &p.Ref.Provider, &price, &p.FreeToUse, &p.Version); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		p.PricePerUnit, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("bad price for product %s: %w", p.Ref.ID, err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// LoadMembers returns every (username, project) membership.
func (s *Store) LoadMembers(ctx context.Context) (map[catalog.MemberKey]accounting.ProjectRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT username, project_id, role FROM project_members")
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	members := make(map[catalog.MemberKey]accounting.ProjectRole)
	for rows.Next() {
		var key catalog.MemberKey
		var role accounting.ProjectRole
		if err := rows.Scan(&key.Username, &key.Project, &role); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members[key] = role
	}
	return members, rows.Err()
}

// LoadProjects returns all project metadata.
func (s *Store) LoadProjects(ctx context.Context) (map[string]accounting.ProjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, title, pi FROM projects")
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	projects := make(map[string]accounting.ProjectInfo)
	for rows.Next() {
		var p accounting.ProjectInfo
		if err := rows.Scan(&p.ID, &p.Title, &p.PI); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects[p.ID] = p
	}
	return projects, rows.Err()
}

// =============================================================================
// CATALOG WRITES
// =============================================================================

// SaveCategory registers or updates a product category.
func (s *Store) SaveCategory(ctx context.Context, c accounting.Category, info accounting.CategoryInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_categories (name, provider, product_type, charge_type, unit)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name, provider) DO UPDATE SET
			product_type = excluded.product_type,
			charge_type = excluded.charge_type,
			unit = excluded.unit`,
		c.Name, c.Provider, info.ProductType, info.ChargeType, info.Unit,
	)
	return err
}

// SaveProduct registers one product version.
func (s *Store) SaveProduct(ctx context.Context, p accounting.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, category_name, category_provider, price_per_unit, free_to_use, version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, category_name, category_provider, version) DO UPDATE SET
			price_per_unit = excluded.price_per_unit,
			free_to_use = excluded.free_to_use`,
		p.Ref.ID, p.Ref.Category, p.Ref.Provider, p.PricePerUnit.String(), p.FreeToUse, p.Version,
	)
	return err
}

// SaveProject registers or updates a project.
func (s *Store) SaveProject(ctx context.Context, p accounting.ProjectInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, title, pi)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			pi = excluded.pi`,
		p.ID, p.Title, p.PI,
	)
	return err
}

// SaveMember registers or updates one membership.
func (s *Store) SaveMember(ctx context.Context, username, project string, role accounting.ProjectRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (username, project_id, role)
		VALUES (?, ?, ?)
		ON CONFLICT(username, project_id) DO UPDATE SET
			role = excluded.role`,
		username, project, role,
	)
	return err
}
