/*
store.go - Arena collections for wallets and allocations

PURPOSE:
  Owns the two dense arenas (index == id, holes are explicit nils) and the
  tree algorithms the engines share: ancestor walks, window containment
  checks, descendant window clamping, and snapshot construction. Several
  algorithms rely on direct indexing and on allocation ids increasing down
  the tree, so the arenas are never compacted and records are never
  deleted.

OWNERSHIP:
  The Store has exactly one mutator at a time by construction: the
  processor loop. There is no locking here because there is no concurrent
  access. Tests drive the Store directly, which is fine as long as they do
  so from one goroutine.

SEE ALSO:
  - processor.go: the single writer
  - loader.go: populating the arenas at startup
*/
package accounting

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Store holds all wallet and allocation state plus the buffered ledger.
type Store struct {
	wallets     []*Wallet
	allocations []*Allocation

	products Products
	projects Projects

	// clock returns the current time in unix milliseconds. Injected so
	// tests can pin it.
	clock func() int64

	// rows buffers ledger rows between synchronize cycles.
	rows []Transaction

	txPrefix  string
	txCounter int64
}

// NewStore creates an empty store backed by the given resolvers.
func NewStore(products Products, projects Projects) *Store {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return &Store{
		products: products,
		projects: projects,
		clock:    func() int64 { return time.Now().UnixMilli() },
		txPrefix: hex.EncodeToString(buf[:]),
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(clock func() int64) { s.clock = clock }

func (s *Store) transactionID() string {
	s.txCounter++
	return fmt.Sprintf("%s-%d", s.txPrefix, s.txCounter)
}

// =============================================================================
// LOOKUP AND CREATION
// =============================================================================

func (s *Store) wallet(id WalletID) *Wallet {
	if id < 0 || int(id) >= len(s.wallets) {
		return nil
	}
	return s.wallets[id]
}

func (s *Store) allocation(id AllocID) *Allocation {
	if id < 0 || int(id) >= len(s.allocations) {
		return nil
	}
	return s.allocations[id]
}

func (s *Store) findWallet(owner string, category Category) *Wallet {
	for _, w := range s.wallets {
		if w != nil && w.Owner == owner && w.Category == category {
			return w
		}
	}
	return nil
}

// createWallet lazily creates a wallet for (owner, category), resolving
// category metadata through the product catalog. Returns nil when the
// category is unknown.
func (s *Store) createWallet(ctx context.Context, owner string, category Category) *Wallet {
	info, ok := s.products.Category(ctx, category)
	if !ok {
		return nil
	}
	w := &Wallet{
		ID:           WalletID(len(s.wallets)),
		Owner:        owner,
		Category:     category,
		ChargePolicy: SelectExpireFirst,
		ProductType:  info.ProductType,
		ChargeType:   info.ChargeType,
		Unit:         info.Unit,
		Dirty:        true,
	}
	s.wallets = append(s.wallets, w)
	return w
}

func (s *Store) createAllocation(
	wallet WalletID,
	balance int64,
	parent AllocID,
	notBefore int64,
	notAfter int64,
	grantedIn int64,
	canAllocate bool,
	allowSubAllocations bool,
) *Allocation {
	a := &Allocation{
		ID:                  AllocID(len(s.allocations)),
		Wallet:              wallet,
		Parent:              parent,
		NotBefore:           notBefore,
		NotAfter:            notAfter,
		InitialBalance:      balance,
		CurrentBalance:      balance,
		LocalBalance:        balance,
		GrantedIn:           grantedIn,
		CanAllocate:         canAllocate,
		AllowSubAllocations: allowSubAllocations,
		Dirty:               true,
	}
	s.allocations = append(s.allocations, a)
	return a
}

// validAllocationsOf returns the wallet's currently valid allocations in
// storage order. The charge policy is "expire first", which today means no
// further sorting beyond the order rows were created in.
func (s *Store) validAllocationsOf(wallet WalletID, now int64) []*Allocation {
	var out []*Allocation
	for _, a := range s.allocations {
		if a != nil && a.Wallet == wallet && a.IsValid(now) {
			out = append(out, a)
		}
	}
	return out
}

// =============================================================================
// TREE WALKS
// =============================================================================

// walkToRoot invokes fn on the allocation and each ancestor, leaf first.
// Stops early when fn returns false.
func (s *Store) walkToRoot(id AllocID, fn func(*Allocation) bool) {
	current := s.allocation(id)
	for current != nil {
		if !fn(current) {
			return
		}
		if current.Parent == NoParent {
			return
		}
		current = s.allocation(current.Parent)
	}
}

// path returns allocation ids from the root down to id inclusive.
func (s *Store) path(id AllocID) []AllocID {
	var reverse []AllocID
	s.walkToRoot(id, func(a *Allocation) bool {
		reverse = append(reverse, a.ID)
		return true
	})
	out := make([]AllocID, len(reverse))
	for i, v := range reverse {
		out[len(reverse)-1-i] = v
	}
	return out
}

// pathString renders the dot-separated materialized path persisted with
// each allocation row.
func (s *Store) pathString(id AllocID) string {
	ids := s.path(id)
	parts := make([]string, len(ids))
	for i, v := range ids {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, ".")
}

// maxUsableBalance returns the tightest amount chargeable through the
// allocation: min(current, local) at the leaf, then min with every
// ancestor's current balance.
func (s *Store) maxUsableBalance(a *Allocation) int64 {
	usable := min64(a.CurrentBalance, a.LocalBalance)
	if a.Parent != NoParent {
		s.walkToRoot(a.Parent, func(anc *Allocation) bool {
			usable = min64(usable, anc.CurrentBalance)
			return true
		})
	}
	return usable
}

// =============================================================================
// WINDOW CONTAINMENT
// =============================================================================

// checkOverlapAncestors verifies the requested window fits inside every
// window on the parent's ancestor chain. Returns a validation error naming
// the tightest containing interval on violation, nil otherwise.
func (s *Store) checkOverlapAncestors(parent *Allocation, notBefore, notAfter int64) *ErrorResponse {
	bad := false
	s.walkToRoot(parent.ID, func(a *Allocation) bool {
		if notBefore < a.NotBefore || notBefore > a.NotAfter {
			bad = true
			return false
		}
		if notAfter < a.NotBefore || notAfter > a.NotAfter {
			bad = true
			return false
		}
		return true
	})
	if !bad {
		return nil
	}
	err := s.overlapError(parent)
	return &err
}

// overlapError reports the tightest interval every ancestor would accept:
// the latest notBefore and the earliest notAfter on the chain.
func (s *Store) overlapError(parent *Allocation) ErrorResponse {
	latestBefore := int64(0)
	earliestAfter := NoExpiration
	s.walkToRoot(parent.ID, func(a *Allocation) bool {
		if a.NotBefore > latestBefore {
			latestBefore = a.NotBefore
		}
		if a.NotAfter < earliestAfter {
			earliestAfter = a.NotAfter
		}
		return true
	})
	return errorf(codeBadRequest,
		"Allocation period is outside of allowed range. It must be between %s and %s.",
		formatStamp(latestBefore), formatStamp(earliestAfter))
}

// clampDescendantsOverlap shrinks every descendant window to fit inside
// the ancestor's window. Because ids increase monotonically down the tree
// and the hierarchy is immutable after creation, a single forward scan
// from the ancestor finds every descendant transitively.
func (s *Store) clampDescendantsOverlap(ancestor *Allocation) {
	watch := map[AllocID]bool{ancestor.ID: true}
	for i := int(ancestor.ID) + 1; i < len(s.allocations); i++ {
		alloc := s.allocations[i]
		if alloc == nil || alloc.Parent == NoParent || !watch[alloc.Parent] {
			continue
		}
		alloc.Begin()
		alloc.NotBefore = max64(alloc.NotBefore, ancestor.NotBefore)
		alloc.NotAfter = min64(alloc.NotAfter, ancestor.NotAfter)
		if alloc.NotAfter < alloc.NotBefore {
			alloc.NotAfter = alloc.NotBefore
		}
		alloc.Commit()
		watch[alloc.ID] = true
	}
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (s *Store) allocationInfo(a *Allocation) AllocationInfo {
	return AllocationInfo{
		ID:                  a.ID,
		Path:                s.path(a.ID),
		Balance:             a.CurrentBalance,
		InitialBalance:      a.InitialBalance,
		LocalBalance:        a.LocalBalance,
		NotBefore:           a.NotBefore,
		NotAfter:            a.NotAfter,
		GrantedIn:           a.GrantedIn,
		MaxUsableBalance:    s.maxUsableBalance(a),
		CanAllocate:         a.CanAllocate,
		AllowSubAllocations: a.AllowSubAllocations,
	}
}

func (s *Store) walletInfo(w *Wallet) WalletInfo {
	info := WalletInfo{
		Owner:        w.Owner,
		Category:     w.Category,
		ChargePolicy: w.ChargePolicy,
		ProductType:  w.ProductType,
		ChargeType:   w.ChargeType,
		Unit:         w.Unit,
	}
	for _, a := range s.allocations {
		if a != nil && a.Wallet == w.ID {
			info.Allocations = append(info.Allocations, s.allocationInfo(a))
		}
	}
	return info
}

// Balance returns the summed current balance of the owner's wallet for a
// category, 0 when no wallet exists.
func (s *Store) Balance(owner string, category Category) int64 {
	w := s.findWallet(owner, category)
	if w == nil {
		return 0
	}
	var sum int64
	for _, a := range s.allocations {
		if a != nil && a.Wallet == w.ID {
			sum += a.CurrentBalance
		}
	}
	return sum
}

// MaxUsable returns the summed max-usable balance of the owner's wallet
// for a category, 0 when no wallet exists.
func (s *Store) MaxUsable(owner string, category Category) int64 {
	w := s.findWallet(owner, category)
	if w == nil {
		return 0
	}
	var sum int64
	for _, a := range s.allocations {
		if a != nil && a.Wallet == w.ID {
			sum += s.maxUsableBalance(a)
		}
	}
	return sum
}

// providersOf returns the sorted, de-duplicated providers across the
// owner's wallets.
func (s *Store) providersOf(owner string) []string {
	seen := map[string]bool{}
	for _, w := range s.wallets {
		if w != nil && w.Owner == owner && !seen[w.Category.Provider] {
			seen[w.Category.Provider] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// SMALL HELPERS
// =============================================================================

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func formatStamp(ms int64) string {
	if ms == NoExpiration {
		return "never"
	}
	return time.UnixMilli(ms).UTC().Format("02/01/2006 15:04")
}
