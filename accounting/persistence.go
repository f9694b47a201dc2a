/*
persistence.go - Durable storage boundary

PURPOSE:
  The core never talks SQL; it consumes this interface. Loads stream rows
  in increasing id order (the loader depends on that to rebuild the dense
  arenas), and write-back happens through a single atomic Flush whose
  internal ordering (wallets, then allocations, then ledger rows) satisfies
  referential prerequisites.

IMPLEMENTATIONS:
  - store/sqlite: production storage (migrate-on-open schema, WAL)
  - store/memory: tests and dev mode, with fault injection

SEE ALSO:
  - loader.go: consuming the streaming loads
  - sync.go: building FlushBatch values
*/
package accounting

import "context"

// WalletRow is the persisted form of a Wallet.
type WalletRow struct {
	ID           WalletID
	Owner        string
	Category     Category
	ChargePolicy SelectorPolicy
	ProductType  ProductType
	ChargeType   ChargeType
	Unit         Unit
}

// AllocationRow is the persisted form of an Allocation. Parent is implied
// by Path (second-to-last element) but kept explicit for convenience.
type AllocationRow struct {
	ID                  AllocID
	Wallet              WalletID
	Parent              AllocID // NoParent for roots
	Path                string  // dot-separated, root first
	NotBefore           int64
	NotAfter            int64 // NoExpiration when unbounded
	InitialBalance      int64
	CurrentBalance      int64
	LocalBalance        int64
	GrantedIn           int64 // 0 when none
	CanAllocate         bool
	AllowSubAllocations bool
}

// GrantDeposit is an approved grant application that has not yet been
// turned into a durable allocation.
type GrantDeposit struct {
	GrantID          int64
	Recipient        string
	RecipientProject bool
	SourceAllocation AllocID
	Amount           int64
	NotBefore        int64
	NotAfter         int64
}

// GiftClaim is a claimed gift that has not yet been turned into a durable
// allocation. The source allocation is chosen at replay time.
type GiftClaim struct {
	GiftID      int64
	Username    string
	GifterOwner string
	Category    Category
	Amount      int64
}

// DepositNotification is recorded during flush so providers can pull the
// deposits that landed.
type DepositNotification struct {
	Owner    string
	Category Category
	Balance  int64
}

// FlushBatch carries one synchronize cycle's worth of write-back debt.
type FlushBatch struct {
	Wallets       []WalletRow
	Allocations   []AllocationRow
	Transactions  []Transaction
	SyncedGrants  []int64
	SyncedGifts   []int64
	Notifications []DepositNotification
}

// Empty reports whether the batch contains nothing to write.
func (b FlushBatch) Empty() bool {
	return len(b.Wallets) == 0 && len(b.Allocations) == 0 && len(b.Transactions) == 0 &&
		len(b.SyncedGrants) == 0 && len(b.SyncedGifts) == 0
}

// Persistence is the durable storage consumed by the loader and the
// synchronizer.
type Persistence interface {
	// LoadWallets streams wallet rows in increasing id order.
	LoadWallets(ctx context.Context, fn func(WalletRow) error) error

	// LoadAllocations streams allocation rows in increasing id order.
	LoadAllocations(ctx context.Context, fn func(AllocationRow) error) error

	// LedgerSums returns the summed signed change per allocation across the
	// whole transaction log, for load-time reconciliation.
	LedgerSums(ctx context.Context) (map[AllocID]int64, error)

	// PendingGrantDeposits returns approved-but-unsynchronized grants.
	PendingGrantDeposits(ctx context.Context) ([]GrantDeposit, error)

	// PendingGiftClaims returns claimed-but-unsynchronized gifts.
	PendingGiftClaims(ctx context.Context) ([]GiftClaim, error)

	// Flush writes the batch atomically: wallets first, then allocations,
	// then ledger rows, then synchronized-flag updates and notifications.
	// A failed flush must leave durable state such that re-flushing the
	// same batch is safe.
	Flush(ctx context.Context, batch FlushBatch) error
}

// ProviderNotifier is invoked after a successful flush, once per provider
// whose category received at least one deposit in the batch.
type ProviderNotifier interface {
	PullDeposits(ctx context.Context, provider string) error
}

// NopNotifier ignores notifications. Used in dev mode and tests.
type NopNotifier struct{}

func (NopNotifier) PullDeposits(context.Context, string) error { return nil }
