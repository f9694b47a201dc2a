/*
sync.go - Periodic write-back of dirty state

PURPOSE:
  At most every 30 seconds (or immediately when forced) the synchronizer
  batches every dirty wallet and allocation plus the buffered ledger rows
  into one atomic flush against durable storage, marks replayed grant/gift
  source rows synchronized, then clears the dirty flags.

FAILURE SEMANTICS:
  The dirty flag is the sole signal of write-back debt. A flush that fails
  partway leaves every flag and the row buffer untouched, so the next cycle
  retries the same records: at-least-once write-back, never silent loss.

NOTIFICATIONS:
  After a successful flush, every provider whose category received at least
  one deposit in the batch gets an asynchronous pull-deposits call.

SEE ALSO:
  - persistence.go: FlushBatch ordering guarantees
*/
package accounting

import (
	"context"
	"log"
	"time"
)

func (p *Processor) attemptSynchronize(ctx context.Context, forced bool) error {
	now := p.store.clock()
	if now < p.nextSync && !forced {
		return nil
	}
	if p.loading.Load() {
		return nil
	}
	if !p.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer p.syncing.Store(false)

	started := time.Now()

	// Cache refills piggyback on the sync cadence; they only touch their
	// own maps and never call back into the store.
	if err := p.store.products.Refresh(ctx); err != nil {
		log.Printf("[Sync] product cache refresh failed: %v", err)
	}
	if err := p.store.projects.Refresh(ctx); err != nil {
		log.Printf("[Sync] project cache refresh failed: %v", err)
	}

	batch := p.buildBatch()
	if batch.Empty() {
		p.nextSync = now + p.cfg.SyncInterval.Milliseconds()
		return nil
	}

	if err := p.persistence.Flush(ctx, batch); err != nil {
		// Dirty flags stay set; the next cycle retries the same records.
		syncFailures.Inc()
		return err
	}

	p.clearFlushed()
	p.notifyProviders(batch)

	syncDuration.Observe(time.Since(started).Seconds())
	syncRecords.Observe(float64(len(batch.Wallets) + len(batch.Allocations) + len(batch.Transactions)))
	p.nextSync = now + p.cfg.SyncInterval.Milliseconds()

	log.Printf("[Sync] flushed %d wallets, %d allocations, %d ledger rows",
		len(batch.Wallets), len(batch.Allocations), len(batch.Transactions))
	return nil
}

func (p *Processor) buildBatch() FlushBatch {
	s := p.store
	var batch FlushBatch

	for _, w := range s.wallets {
		if w == nil || !w.Dirty {
			continue
		}
		batch.Wallets = append(batch.Wallets, WalletRow{
			ID:           w.ID,
			Owner:        w.Owner,
			Category:     w.Category,
			ChargePolicy: w.ChargePolicy,
			ProductType:  w.ProductType,
			ChargeType:   w.ChargeType,
			Unit:         w.Unit,
		})
	}

	for _, a := range s.allocations {
		if a == nil || !a.Dirty {
			continue
		}
		batch.Allocations = append(batch.Allocations, AllocationRow{
			ID:                  a.ID,
			Wallet:              a.Wallet,
			Parent:              a.Parent,
			Path:                s.pathString(a.ID),
			NotBefore:           a.NotBefore,
			NotAfter:            a.NotAfter,
			InitialBalance:      a.InitialBalance,
			CurrentBalance:      a.CurrentBalance,
			LocalBalance:        a.LocalBalance,
			GrantedIn:           a.GrantedIn,
			CanAllocate:         a.CanAllocate,
			AllowSubAllocations: a.AllowSubAllocations,
		})
	}

	batch.Transactions = append(batch.Transactions, s.rows...)
	batch.SyncedGrants = append(batch.SyncedGrants, p.replayedGrants...)
	batch.SyncedGifts = append(batch.SyncedGifts, p.replayedGifts...)

	for _, row := range s.rows {
		if row.Kind != LedgerDeposit {
			continue
		}
		alloc := s.allocation(row.AffectedAllocation)
		if alloc == nil {
			continue
		}
		wallet := s.wallet(alloc.Wallet)
		if wallet == nil {
			continue
		}
		batch.Notifications = append(batch.Notifications, DepositNotification{
			Owner:    wallet.Owner,
			Category: wallet.Category,
			Balance:  row.Change,
		})
	}

	return batch
}

func (p *Processor) clearFlushed() {
	s := p.store
	for _, w := range s.wallets {
		if w != nil {
			w.Dirty = false
		}
	}
	for _, a := range s.allocations {
		if a != nil {
			a.Dirty = false
		}
	}
	s.rows = s.rows[:0]
	p.replayedGrants = nil
	p.replayedGifts = nil
}

// notifyProviders fires one asynchronous pull call per provider that
// received a deposit in the batch. Failures are logged; providers poll on
// their own cadence as well.
func (p *Processor) notifyProviders(batch FlushBatch) {
	providers := map[string]bool{}
	for _, n := range batch.Notifications {
		providers[n.Category.Provider] = true
	}
	for provider := range providers {
		go func(provider string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := p.notifier.PullDeposits(ctx, provider); err != nil {
				log.Printf("[Sync] deposit notification to %s failed: %v", provider, err)
			}
		}(provider)
	}
}
