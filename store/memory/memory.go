/*
Package memory provides an in-memory implementation of the storage
interfaces, for tests and for running the server without a database.

PURPOSE:
  Mirrors the sqlite store's behavior closely enough for the loader and
  synchronizer to be exercised end to end: streamed loads in id order,
  atomic flush with upsert semantics, synchronized-flag bookkeeping. Fault
  injection (FailNextFlush) lets tests drive the flush-failure paths.

SEE ALSO:
  - accounting/persistence.go: Interface definition
  - store/sqlite: the production implementation
*/
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/warp/allocation-engine/accounting"
	"github.com/warp/allocation-engine/catalog"
)

// ErrInjectedFlush is returned by Flush after FailNextFlush.
var ErrInjectedFlush = errors.New("injected flush failure")

// Store is an in-memory Persistence and catalog.Source.
type Store struct {
	mu sync.RWMutex

	wallets     map[accounting.WalletID]accounting.WalletRow
	allocations map[accounting.AllocID]accounting.AllocationRow
	rows        []accounting.Transaction
	rowIDs      map[string]bool

	grants map[int64]grantState
	gifts  map[int64]giftState

	notifications []accounting.DepositNotification

	categories map[accounting.Category]accounting.CategoryInfo
	products   []accounting.Product
	members    map[catalog.MemberKey]accounting.ProjectRole
	projects   map[string]accounting.ProjectInfo

	failNextFlush bool
	flushCount    int
}

type grantState struct {
	deposit accounting.GrantDeposit
	synced  bool
}

type giftState struct {
	claim  accounting.GiftClaim
	synced bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		wallets:     make(map[accounting.WalletID]accounting.WalletRow),
		allocations: make(map[accounting.AllocID]accounting.AllocationRow),
		rowIDs:      make(map[string]bool),
		grants:      make(map[int64]grantState),
		gifts:       make(map[int64]giftState),
		categories:  make(map[accounting.Category]accounting.CategoryInfo),
		members:     make(map[catalog.MemberKey]accounting.ProjectRole),
		projects:    make(map[string]accounting.ProjectInfo),
	}
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func (s *Store) LoadWallets(ctx context.Context, fn func(accounting.WalletRow) error) error {
	s.mu.RLock()
	ids := make([]accounting.WalletID, 0, len(s.wallets))
	for id := range s.wallets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	rows := make([]accounting.WalletRow, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, s.wallets[id])
	}
	s.mu.RUnlock()

	for _, w := range rows {
		if err := fn(w); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) LoadAllocations(ctx context.Context, fn func(accounting.AllocationRow) error) error {
	s.mu.RLock()
	ids := make([]accounting.AllocID, 0, len(s.allocations))
	for id := range s.allocations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	rows := make([]accounting.AllocationRow, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, s.allocations[id])
	}
	s.mu.RUnlock()

	for _, a := range rows {
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) LedgerSums(ctx context.Context) (map[accounting.AllocID]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[accounting.AllocID]int64)
	for _, row := range s.rows {
		sums[row.AffectedAllocation] += row.Change
	}
	return sums, nil
}

func (s *Store) PendingGrantDeposits(ctx context.Context) ([]accounting.GrantDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var grants []accounting.GrantDeposit
	for _, g := range s.grants {
		if !g.synced {
			grants = append(grants, g.deposit)
		}
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].GrantID < grants[j].GrantID })
	return grants, nil
}

func (s *Store) PendingGiftClaims(ctx context.Context) ([]accounting.GiftClaim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var gifts []accounting.GiftClaim
	for _, g := range s.gifts {
		if !g.synced {
			gifts = append(gifts, g.claim)
		}
	}
	sort.Slice(gifts, func(i, j int) bool { return gifts[i].GiftID < gifts[j].GiftID })
	return gifts, nil
}

func (s *Store) Flush(ctx context.Context, batch accounting.FlushBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNextFlush {
		s.failNextFlush = false
		return ErrInjectedFlush
	}

	for _, w := range batch.Wallets {
		s.wallets[w.ID] = w
	}
	for _, a := range batch.Allocations {
		s.allocations[a.ID] = a
	}
	for _, row := range batch.Transactions {
		// Re-flushed rows are ignored, matching the sqlite store.
		if s.rowIDs[row.TransactionID] {
			continue
		}
		s.rowIDs[row.TransactionID] = true
		s.rows = append(s.rows, row)
	}
	for _, grantID := range batch.SyncedGrants {
		if g, ok := s.grants[grantID]; ok {
			g.synced = true
			s.grants[grantID] = g
		}
	}
	for _, giftID := range batch.SyncedGifts {
		if g, ok := s.gifts[giftID]; ok {
			g.synced = true
			s.gifts[giftID] = g
		}
	}
	s.notifications = append(s.notifications, batch.Notifications...)
	s.flushCount++
	return nil
}

// =============================================================================
// CATALOG SOURCE
// =============================================================================

func (s *Store) LoadCategories(ctx context.Context) (map[accounting.Category]accounting.CategoryInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[accounting.Category]accounting.CategoryInfo, len(s.categories))
	for k, v := range s.categories {
		out[k] = v
	}
	return out, nil
}

func (s *Store) LoadProducts(ctx context.Context) ([]accounting.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]accounting.Product(nil), s.products...), nil
}

func (s *Store) LoadMembers(ctx context.Context) (map[catalog.MemberKey]accounting.ProjectRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[catalog.MemberKey]accounting.ProjectRole, len(s.members))
	for k, v := range s.members {
		out[k] = v
	}
	return out, nil
}

func (s *Store) LoadProjects(ctx context.Context) (map[string]accounting.ProjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]accounting.ProjectInfo, len(s.projects))
	for k, v := range s.projects {
		out[k] = v
	}
	return out, nil
}

// =============================================================================
// SEEDING AND INSPECTION
// =============================================================================

// SeedWallet pre-loads a wallet row for the next load.
func (s *Store) SeedWallet(w accounting.WalletRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.ID] = w
}

// SeedAllocation pre-loads an allocation row for the next load.
func (s *Store) SeedAllocation(a accounting.AllocationRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocations[a.ID] = a
}

// SeedTransaction pre-loads a ledger row for the next load.
func (s *Store) SeedTransaction(row accounting.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rowIDs[row.TransactionID] = true
	s.rows = append(s.rows, row)
}

// AddGrantDeposit records a pending grant.
func (s *Store) AddGrantDeposit(g accounting.GrantDeposit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[g.GrantID] = grantState{deposit: g}
}

// AddGiftClaim records a pending gift.
func (s *Store) AddGiftClaim(g accounting.GiftClaim) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gifts[g.GiftID] = giftState{claim: g}
}

// SeedCategory registers a product category.
func (s *Store) SeedCategory(c accounting.Category, info accounting.CategoryInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[c] = info
}

// SeedProduct registers a product version.
func (s *Store) SeedProduct(p accounting.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = append(s.products, p)
}

// SeedProject registers a project.
func (s *Store) SeedProject(p accounting.ProjectInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

// SeedMember registers a membership.
func (s *Store) SeedMember(username, project string, role accounting.ProjectRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[catalog.MemberKey{Username: username, Project: project}] = role
}

// FailNextFlush makes the next Flush return ErrInjectedFlush.
func (s *Store) FailNextFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextFlush = true
}

// FlushCount reports how many flushes succeeded.
func (s *Store) FlushCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flushCount
}

// Wallet returns the stored row for id.
func (s *Store) Wallet(id accounting.WalletID) (accounting.WalletRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	return w, ok
}

// Allocation returns the stored row for id.
func (s *Store) Allocation(id accounting.AllocID) (accounting.AllocationRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.allocations[id]
	return a, ok
}

// Transactions returns a copy of the stored ledger.
func (s *Store) Transactions() []accounting.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]accounting.Transaction(nil), s.rows...)
}

// Notifications returns the recorded deposit notifications.
func (s *Store) Notifications() []accounting.DepositNotification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]accounting.DepositNotification(nil), s.notifications...)
}

// GrantSynchronized reports the synchronized flag for a grant.
func (s *Store) GrantSynchronized(grantID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grants[grantID].synced
}

// GiftSynchronized reports the synchronized flag for a gift.
func (s *Store) GiftSynchronized(giftID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gifts[giftID].synced
}
