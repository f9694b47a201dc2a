/*
loader.go - One-time startup replay from durable storage

PURPOSE:
  Executed only by the newly elected leader, before the request loop opens
  for business. Streams wallets and allocations in increasing id order into
  the dense arenas, repairing historically malformed rows on the way in,
  then replays side effects that were recorded elsewhere but never durably
  finalized: approved grant deposits and claimed gifts.

REPAIRS:
  An end-before-start window is clamped to a zero-length window; negative
  or out-of-order balances are clamped to the nearest legal value. Every
  repaired record is marked dirty so the repair is persisted on the next
  synchronize.

IDEMPOTENCE:
  Grant and gift replays are driven by a synchronized flag flipped during
  the next flush. A crash between load and first flush re-attempts exactly
  the unsynchronized set; it can never duplicate deposits indefinitely.

SEE ALSO:
  - sync.go: flips the synchronized flags
*/
package accounting

import (
	"context"
	"fmt"
	"log"
)

func (p *Processor) load(ctx context.Context) error {
	if !p.loading.CompareAndSwap(false, true) {
		return ErrLoadInProgress
	}
	defer p.loading.Store(false)

	s := p.store
	log.Printf("[Loader] loading accounting database")

	if err := p.persistence.LoadWallets(ctx, func(row WalletRow) error {
		holes := int(row.ID) - len(s.wallets)
		if holes < 0 {
			return fmt.Errorf("wallet %d out of order (arena has %d)", row.ID, len(s.wallets))
		}
		for i := 0; i < holes; i++ {
			s.wallets = append(s.wallets, nil)
		}
		s.wallets = append(s.wallets, &Wallet{
			ID:           row.ID,
			Owner:        row.Owner,
			Category:     row.Category,
			ChargePolicy: row.ChargePolicy,
			ProductType:  row.ProductType,
			ChargeType:   row.ChargeType,
			Unit:         row.Unit,
		})
		return nil
	}); err != nil {
		return fmt.Errorf("loading wallets: %w", err)
	}

	rawBalances := map[AllocID]int64{}
	repaired := 0
	if err := p.persistence.LoadAllocations(ctx, func(row AllocationRow) error {
		holes := int(row.ID) - len(s.allocations)
		if holes < 0 {
			return fmt.Errorf("allocation %d out of order (arena has %d)", row.ID, len(s.allocations))
		}
		for i := 0; i < holes; i++ {
			s.allocations = append(s.allocations, nil)
		}
		rawBalances[row.ID] = row.CurrentBalance

		a := &Allocation{
			ID:                  row.ID,
			Wallet:              row.Wallet,
			Parent:              row.Parent,
			NotBefore:           row.NotBefore,
			NotAfter:            row.NotAfter,
			InitialBalance:      row.InitialBalance,
			CurrentBalance:      row.CurrentBalance,
			LocalBalance:        row.LocalBalance,
			GrantedIn:           row.GrantedIn,
			CanAllocate:         row.CanAllocate,
			AllowSubAllocations: row.AllowSubAllocations,
		}
		if repairAllocation(a) {
			repaired++
		}
		a.VerifyIntegrity()
		s.allocations = append(s.allocations, a)
		return nil
	}); err != nil {
		return fmt.Errorf("loading allocations: %w", err)
	}

	if repaired > 0 {
		log.Printf("[Loader] repaired %d malformed allocation rows", repaired)
	}

	if p.cfg.VerifyOnLoad {
		if err := p.verifyAgainstLedger(ctx, rawBalances); err != nil {
			return err
		}
	}

	if err := p.replayGrants(ctx); err != nil {
		return err
	}
	if err := p.replayGifts(ctx); err != nil {
		return err
	}

	log.Printf("[Loader] loaded %d wallets, %d allocations", len(s.wallets), len(s.allocations))
	return nil
}

// repairAllocation clamps historically malformed fields to the nearest
// legal value and marks the record dirty. Reports whether anything
// changed.
func repairAllocation(a *Allocation) bool {
	fixed := false
	if a.NotAfter < a.NotBefore {
		a.NotAfter = a.NotBefore
		fixed = true
	}
	if a.InitialBalance < 0 {
		a.InitialBalance = 0
		fixed = true
	}
	if a.LocalBalance > a.InitialBalance {
		a.LocalBalance = a.InitialBalance
		fixed = true
	}
	if a.CurrentBalance > a.LocalBalance {
		a.CurrentBalance = a.LocalBalance
		fixed = true
	}
	if fixed {
		a.Dirty = true
	}
	return fixed
}

// verifyAgainstLedger checks the reconciliation invariant: the sum of
// signed changes for an allocation equals its stored balance delta from
// zero. Runs against the raw (pre-repair) balances; a mismatch is fatal to
// startup.
func (p *Processor) verifyAgainstLedger(ctx context.Context, rawBalances map[AllocID]int64) error {
	sums, err := p.persistence.LedgerSums(ctx)
	if err != nil {
		return fmt.Errorf("loading ledger sums: %w", err)
	}
	for id, balance := range rawBalances {
		if sums[id] != balance {
			return fmt.Errorf(
				"allocation %d fails ledger reconciliation: ledger sum %d, stored balance %d",
				id, sums[id], balance,
			)
		}
	}
	return nil
}

func (p *Processor) replayGrants(ctx context.Context) error {
	grants, err := p.persistence.PendingGrantDeposits(ctx)
	if err != nil {
		return fmt.Errorf("loading pending grants: %w", err)
	}
	for _, g := range grants {
		resp := p.store.deposit(ctx, DepositRequest{
			Actor:            SystemActor,
			Owner:            g.Recipient,
			ParentAllocation: g.SourceAllocation,
			Amount:           g.Amount,
			NotBefore:        g.NotBefore,
			NotAfter:         g.NotAfter,
			GrantedIn:        g.GrantID,
			OwnerIsProject:   g.RecipientProject,
		})
		if errResp, ok := resp.(ErrorResponse); ok {
			// Left unsynchronized: retried on the next election.
			log.Printf("[Loader] grant %d replay failed: %s", g.GrantID, errResp.Message)
			continue
		}
		p.replayedGrants = append(p.replayedGrants, g.GrantID)
	}
	if len(p.replayedGrants) > 0 {
		log.Printf("[Loader] replayed %d grant deposits", len(p.replayedGrants))
	}
	return nil
}

func (p *Processor) replayGifts(ctx context.Context) error {
	gifts, err := p.persistence.PendingGiftClaims(ctx)
	if err != nil {
		return fmt.Errorf("loading pending gifts: %w", err)
	}
	for _, g := range gifts {
		source := p.bestGiftSource(g)
		if source == nil {
			log.Printf("[Loader] gift %d has no usable source allocation", g.GiftID)
			continue
		}
		resp := p.store.deposit(ctx, DepositRequest{
			Actor:            SystemActor,
			Owner:            g.Username,
			ParentAllocation: source.ID,
			Amount:           g.Amount,
			NotBefore:        source.NotBefore,
			NotAfter:         source.NotAfter,
		})
		if errResp, ok := resp.(ErrorResponse); ok {
			log.Printf("[Loader] gift %d replay failed: %s", g.GiftID, errResp.Message)
			continue
		}
		p.replayedGifts = append(p.replayedGifts, g.GiftID)
	}
	if len(p.replayedGifts) > 0 {
		log.Printf("[Loader] replayed %d gift claims", len(p.replayedGifts))
	}
	return nil
}

// bestGiftSource picks the gifting workspace's allocation with the most
// usable headroom: valid now, preferring allocations that permit
// sub-allocation, tie-broken by the larger current balance.
func (p *Processor) bestGiftSource(g GiftClaim) *Allocation {
	s := p.store
	wallet := s.findWallet(g.GifterOwner, g.Category)
	if wallet == nil {
		return nil
	}
	var best *Allocation
	for _, a := range s.validAllocationsOf(wallet.ID, s.clock()) {
		switch {
		case best == nil:
			best = a
		case a.CanAllocate && !best.CanAllocate:
			best = a
		case a.CanAllocate == best.CanAllocate && a.CurrentBalance > best.CurrentBalance:
			best = a
		}
	}
	return best
}
