/*
processor.go - The single-writer request loop

PURPOSE:
  All operations against the store are funneled through one ordered queue
  and drained by one worker goroutine that processes each request to
  completion before taking the next. There is no locking of store fields
  because there is no concurrent access to them.

LOOP SHAPE:
  One select alternates between "request available" and a 500 ms timeout;
  both wake-ups attempt a synchronize (the synchronizer itself enforces the
  30 s budget), so a flood of requests cannot starve write-back. After each
  iteration the lease renewal hook runs: a lost lease is observed and acted
  on before any further mutation is accepted.

CALLERS:
  SendRequest blocks only on its own correlated response. A caller may stop
  waiting (context cancellation); the reply channel is buffered so the loop
  never blocks on an abandoned caller, and the mutation - already applied
  in store order - stands.

SEE ALSO:
  - loader.go: executed once before the loop opens for business
  - sync.go: the write-back cycle
  - leader package: supplies the renewal hook
*/
package accounting

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// Config tunes the processor. Zero values select the defaults.
type Config struct {
	// SyncInterval is the minimum time between synchronize cycles.
	// Default 30s.
	SyncInterval time.Duration

	// DrainTimeout is how long the loop waits for a request before
	// attempting a synchronize anyway. Default 500ms.
	DrainTimeout time.Duration

	// VerifyOnLoad enables the load-time ledger reconciliation check.
	VerifyOnLoad bool
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 500 * time.Millisecond
	}
	return c
}

// RenewFunc reports whether the caller still holds the cluster-wide
// single-writer designation. A nil RenewFunc means standalone operation.
type RenewFunc func(ctx context.Context) bool

type envelope struct {
	id    uint64
	req   Request
	reply chan correlated
}

type correlated struct {
	id   uint64
	resp Response
}

// Processor owns the store and serves the request loop.
type Processor struct {
	store       *Store
	persistence Persistence
	notifier    ProviderNotifier
	cfg         Config

	requests chan envelope
	seq      atomic.Uint64

	running  atomic.Bool
	draining atomic.Bool
	loading  atomic.Bool
	syncing  atomic.Bool
	nextSync int64

	// Grant/gift rows replayed by the loader, to be marked synchronized on
	// the next successful flush.
	replayedGrants []int64
	replayedGifts  []int64
}

// NewProcessor wires a processor around a store and its durable storage.
func NewProcessor(store *Store, persistence Persistence, notifier ProviderNotifier, cfg Config) *Processor {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Processor{
		store:       store,
		persistence: persistence,
		notifier:    notifier,
		cfg:         cfg.withDefaults(),
		requests:    make(chan envelope, 64),
	}
}

// Store exposes the underlying store for read paths that are known to run
// on the loop goroutine (loader, tests).
func (p *Processor) Store() *Store { return p.store }

// Run loads the durable baseline and serves requests until the context is
// cancelled or the renewal hook reports the lease lost. It must be called
// at most once per leadership term.
func (p *Processor) Run(ctx context.Context, renew RenewFunc) error {
	if err := p.load(ctx); err != nil {
		return err
	}

	p.running.Store(true)
	defer p.running.Store(false)

	// First iteration synchronizes immediately: the loader may have queued
	// repairs and replays.
	p.nextSync = p.store.clock()

	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env := <-p.requests:
			if err := p.attemptSynchronize(ctx, false); err != nil {
				log.Printf("[Processor] synchronize failed, will retry: %v", err)
			}
			resp := p.handleRequest(ctx, env.req)
			env.reply <- correlated{id: env.id, resp: resp}

		case <-timer.C:
			if err := p.attemptSynchronize(ctx, false); err != nil {
				log.Printf("[Processor] synchronize failed, will retry: %v", err)
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.cfg.DrainTimeout)

		if renew != nil && !renew(ctx) {
			log.Printf("[Processor] lease lost, stepping down")
			return nil
		}
	}
}

// SendRequest submits a request and blocks until its correlated response
// arrives or ctx is cancelled. Cancellation does not undo the mutation; by
// the time a response exists, the mutation has already committed.
func (p *Processor) SendRequest(ctx context.Context, req Request) Response {
	if p.draining.Load() {
		return errorf(codeLocked, "System is locked. Syncing to database before process shutdown.")
	}
	if !p.running.Load() {
		return errorf(codeLocked, "Accounting processor is not active on this node.")
	}

	env := envelope{
		id:    p.seq.Add(1),
		req:   req,
		reply: make(chan correlated, 1),
	}

	select {
	case p.requests <- env:
	case <-ctx.Done():
		return errorf(codeInternal, "Request cancelled: %v", ctx.Err())
	}

	select {
	case c := <-env.reply:
		if c.id != env.id {
			return errorf(codeInternal, "Correlation mismatch: got %d, want %d", c.id, env.id)
		}
		return c.resp
	case <-ctx.Done():
		// The mutation still applies in store order; we just stop waiting.
		return errorf(codeInternal, "Request cancelled: %v", ctx.Err())
	}
}

// Shutdown drains the loop and forces a final synchronize. Call after Run
// has returned (or its context is cancelled).
func (p *Processor) Shutdown(ctx context.Context) error {
	p.draining.Store(true)
	return p.attemptSynchronize(ctx, true)
}

func (p *Processor) handleRequest(ctx context.Context, req Request) Response {
	switch r := req.(type) {
	case RootDepositRequest:
		requestsTotal.WithLabelValues("root_deposit").Inc()
		return p.store.rootDeposit(ctx, r)
	case DepositRequest:
		requestsTotal.WithLabelValues("deposit").Inc()
		return p.store.deposit(ctx, r)
	case UpdateRequest:
		requestsTotal.WithLabelValues("update").Inc()
		return p.store.update(ctx, r)
	case ChargeRequest:
		requestsTotal.WithLabelValues("charge").Inc()
		desc, errResp := p.store.describeRawCharge(r)
		if errResp != nil {
			return *errResp
		}
		return p.store.charge(desc)
	case ChargeUsageRequest:
		requestsTotal.WithLabelValues("charge_usage").Inc()
		desc, errResp := p.store.describeUsageCharge(ctx, r)
		if errResp != nil {
			return *errResp
		}
		return p.store.charge(desc)
	case RetrieveAllocationsRequest:
		requestsTotal.WithLabelValues("retrieve_allocations").Inc()
		return p.store.retrieveAllocations(r)
	case RetrieveWalletsRequest:
		requestsTotal.WithLabelValues("retrieve_wallets").Inc()
		return p.store.retrieveWallets(r)
	case BrowseSubAllocationsRequest:
		requestsTotal.WithLabelValues("browse_sub_allocations").Inc()
		return p.store.browseSubAllocations(ctx, r)
	case RetrieveProviderWalletsRequest:
		requestsTotal.WithLabelValues("retrieve_provider_wallets").Inc()
		return p.store.retrieveProviderWallets(r)
	case FindRelevantProvidersRequest:
		requestsTotal.WithLabelValues("find_relevant_providers").Inc()
		return p.store.findRelevantProviders(r)
	default:
		return errorf(codeInternal, "Unhandled request type %T", req)
	}
}
