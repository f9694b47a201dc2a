/*
resolvers.go - External collaborator interfaces

PURPOSE:
  The engines need two read-only lookups they do not own: product-category
  metadata (charge type, unit, pricing) and project membership (admin/PI
  roles). Both are consumed through small interfaces; the catalog package
  provides cached implementations. Implementations must never call back
  into the processor loop, or the single writer deadlocks on itself.

SEE ALSO:
  - catalog package: the cached implementations
*/
package accounting

import (
	"context"

	"github.com/shopspring/decimal"
)

// ProductRef names a concrete product within a category.
type ProductRef struct {
	ID       string
	Category string
	Provider string
}

// CategoryInfo is the per-category metadata needed to create a wallet.
type CategoryInfo struct {
	ProductType ProductType
	ChargeType  ChargeType
	Unit        Unit
}

// Product carries the pricing needed to convert usage into credits.
type Product struct {
	Ref          ProductRef
	PricePerUnit decimal.Decimal
	FreeToUse    bool
	Version      int
}

// Products resolves product-category metadata.
type Products interface {
	// Category returns metadata for a category, reporting false when the
	// category is unknown.
	Category(ctx context.Context, c Category) (CategoryInfo, bool)

	// Product returns the highest-version product matching the reference.
	Product(ctx context.Context, ref ProductRef) (Product, bool)

	// Refresh refills the underlying cache. Called from the synchronizer.
	Refresh(ctx context.Context) error
}

// ProjectRole is a member's role within a project.
type ProjectRole string

const (
	RolePI    ProjectRole = "PI"
	RoleAdmin ProjectRole = "ADMIN"
	RoleUser  ProjectRole = "USER"
)

// IsAdmin reports whether the role may manage the project's allocations.
func (r ProjectRole) IsAdmin() bool { return r == RolePI || r == RoleAdmin }

// ProjectInfo names a project and its principal investigator.
type ProjectInfo struct {
	ID    string
	Title string
	PI    string
}

// Projects resolves project membership and metadata.
type Projects interface {
	// Role returns username's role in project, reporting false for
	// non-members.
	Role(ctx context.Context, username, project string) (ProjectRole, bool)

	// Info returns project metadata; unknown projects report the id as
	// title so listings degrade gracefully.
	Info(ctx context.Context, project string) ProjectInfo

	// Refresh refills the underlying cache. Called from the synchronizer.
	Refresh(ctx context.Context) error
}
