/*
Package accounting implements the in-memory accounting core: hierarchical,
time-bounded credit and quota allocations owned by users and projects, and
the engines that deposit into, charge against, and update them.

PURPOSE:
  This package is the system of record for "how much can X still spend" and
  "what happened to its balance over time". All wallet and allocation state
  lives in dense in-memory arenas owned by a single writer; durable storage
  is only a write-behind copy.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: the (owner, product category) account allocations belong to
  - Allocation: a time-bounded slice of credit within a wallet, optionally
    a child of another allocation
  - WalletID / AllocID: typed dense indices into the arenas

DESIGN PRINCIPLES:
  1. Index == id: arena position is identity; holes are explicit nils
  2. Single writer: no locks on these structs, the processor loop owns them
  3. Integer credits: balances are int64 in the wallet's unit; decimal
     arithmetic only appears at the catalog pricing boundary

SEE ALSO:
  - txn.go: begin/commit/rollback staging on allocations
  - store.go: the arena collections and tree algorithms
  - processor.go: the single-writer request loop
*/
package accounting

import "math"

// =============================================================================
// IDENTIFIERS
// =============================================================================

// WalletID indexes the wallet arena. The id is dense and stable for the
// lifetime of the process.
type WalletID int

// AllocID indexes the allocation arena.
type AllocID int

// NoParent marks a root allocation.
const NoParent AllocID = -1

// NoExpiration is the open upper bound of a validity window.
const NoExpiration int64 = math.MaxInt64

// legacyOrderingThreshold is a one-time historical data exception: rows at
// or below this id predate the parent-before-child id ordering and are
// exempt from the id > parent check. Never extend it.
const legacyOrderingThreshold AllocID = 5904

// =============================================================================
// CATEGORY METADATA
// =============================================================================

// Category identifies a product category at a provider.
type Category struct {
	Name     string
	Provider string
}

func (c Category) String() string { return c.Name + "/" + c.Provider }

// ChargeType determines the accounting policy of a wallet.
type ChargeType string

const (
	// ChargeAbsolute is an irrevocable deduction bounded by the tightest
	// ancestor balance.
	ChargeAbsolute ChargeType = "ABSOLUTE"

	// ChargeDifferentialQuota reconciles metered usage against a quota and
	// may drive balances negative.
	ChargeDifferentialQuota ChargeType = "DIFFERENTIAL_QUOTA"
)

// ProductType is a coarse classification of what the category meters.
type ProductType string

const (
	ProductCompute ProductType = "COMPUTE"
	ProductStorage ProductType = "STORAGE"
	ProductLicense ProductType = "LICENSE"
	ProductIngress ProductType = "INGRESS"
	ProductNetwork ProductType = "NETWORK_IP"
)

// Unit is the unit balances are denominated in.
type Unit string

const (
	UnitCredits        Unit = "CREDITS_PER_MINUTE"
	UnitUnitsPerMinute Unit = "UNITS_PER_MINUTE"
	UnitPerUnit        Unit = "PER_UNIT"
)

// SelectorPolicy picks the order in which a wallet's allocations are
// charged. Only one policy exists today.
type SelectorPolicy string

const SelectExpireFirst SelectorPolicy = "EXPIRE_FIRST"

// =============================================================================
// WALLET
// =============================================================================

// Wallet is the (owner, category) account that allocations belong to.
// Wallets are created lazily by deposits and charges and never deleted.
type Wallet struct {
	ID           WalletID
	Owner        string // username or project id, opaque to this package
	Category     Category
	ChargePolicy SelectorPolicy
	ProductType  ProductType
	ChargeType   ChargeType
	Unit         Unit

	// Dirty marks unflushed in-memory changes pending write-back.
	Dirty bool
}

// =============================================================================
// ALLOCATION
// =============================================================================

// Allocation is a time-bounded slice of credit within a wallet.
//
// Balance fields, in decreasing order outside an open transaction:
//
//	InitialBalance  amount at the most recent allocation/update event
//	LocalBalance    amount not yet consumed by charges local to this node
//	CurrentBalance  amount currently usable by the subtree
type Allocation struct {
	ID     AllocID
	Wallet WalletID
	Parent AllocID // NoParent for roots

	NotBefore int64
	NotAfter  int64 // NoExpiration when unbounded

	InitialBalance int64
	CurrentBalance int64
	LocalBalance   int64

	// GrantedIn references the originating grant application, 0 when none.
	GrantedIn int64

	// CanAllocate permits creating sub-allocations from this allocation.
	// AllowSubAllocations controls what new sub-allocations inherit.
	CanAllocate         bool
	AllowSubAllocations bool

	Dirty bool

	// pending holds the pre-image while a transaction is open. See txn.go.
	pending *pendingChange
}

// IsValid reports whether now falls within the allocation's window.
func (a *Allocation) IsValid(now int64) bool {
	return now >= a.NotBefore && now <= a.NotAfter
}

// Usage returns how much of the subtree budget has been consumed.
func (a *Allocation) Usage() int64 { return a.InitialBalance - a.CurrentBalance }

// LocalUsage returns how much this node itself has consumed.
func (a *Allocation) LocalUsage() int64 { return a.InitialBalance - a.LocalBalance }
