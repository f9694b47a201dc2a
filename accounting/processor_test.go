package accounting_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-engine/accounting"
	"github.com/warp/allocation-engine/catalog"
	"github.com/warp/allocation-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var computeCat = accounting.Category{Name: "compute", Provider: "provider-a"}

const baseNow = int64(1_700_000_000_000)

// testHarness runs a processor over an in-memory store with a pinned,
// advanceable clock. The request loop runs in its own goroutine, exactly
// like production, and the harness tears it down in reverse order.
type testHarness struct {
	mem  *memory.Store
	proc *accounting.Processor
	now  atomic.Int64

	cancel context.CancelFunc
	done   chan error
}

func seedComputeCategory(mem *memory.Store) {
	mem.SeedCategory(computeCat, accounting.CategoryInfo{
		ProductType: accounting.ProductCompute,
		ChargeType:  accounting.ChargeAbsolute,
		Unit:        accounting.UnitCredits,
	})
}

func newHarness(mem *memory.Store, cfg accounting.Config) *testHarness {
	h := &testHarness{mem: mem}
	h.now.Store(baseNow)

	store := accounting.NewStore(catalog.NewProductCache(mem), catalog.NewProjectCache(mem))
	store.SetClock(h.now.Load)
	h.proc = accounting.NewProcessor(store, mem, accounting.NopNotifier{}, cfg)
	return h
}

// start launches Run and blocks until the loop accepts requests.
func (h *testHarness) start(t *testing.T, renew accounting.RenewFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.proc.Run(ctx, renew) }()

	require.Eventually(t, func() bool {
		resp := h.proc.SendRequest(context.Background(),
			accounting.FindRelevantProvidersRequest{Actor: accounting.SystemActor, Owner: "probe"})
		_, ok := resp.(accounting.ProvidersResponse)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "processor never started accepting requests")

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("processor loop did not stop")
		}
	})
}

func (h *testHarness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		close(h.done) // the Cleanup from start selects on it too
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("processor loop did not stop")
		return nil
	}
}

func (h *testHarness) send(t *testing.T, req accounting.Request) accounting.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.proc.SendRequest(ctx, req)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestProcessor_SendRequest_BeforeRun_Locked(t *testing.T) {
	mem := memory.New()
	seedComputeCategory(mem)
	h := newHarness(mem, accounting.Config{})

	resp := h.proc.SendRequest(context.Background(),
		accounting.FindRelevantProvidersRequest{Actor: accounting.SystemActor, Owner: "x"})

	errResp, ok := resp.(accounting.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, 423, errResp.Code)
	assert.Contains(t, errResp.Message, "not active")
}

func TestProcessor_Shutdown_RejectsNewRequestsWhileDraining(t *testing.T) {
	mem := memory.New()
	seedComputeCategory(mem)
	h := newHarness(mem, accounting.Config{})
	h.start(t, nil)

	h.stop(t)
	require.NoError(t, h.proc.Shutdown(context.Background()))

	resp := h.proc.SendRequest(context.Background(),
		accounting.FindRelevantProvidersRequest{Actor: accounting.SystemActor, Owner: "x"})
	errResp, ok := resp.(accounting.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, 423, errResp.Code)
	assert.Contains(t, errResp.Message, "locked")
}

func TestProcessor_RenewReportsLost_LoopStepsDown(t *testing.T) {
	// GIVEN: A renew hook that reports the writer designation lost
	// THEN: Run returns cleanly instead of serving another request

	mem := memory.New()
	seedComputeCategory(mem)
	h := newHarness(mem, accounting.Config{DrainTimeout: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- h.proc.Run(ctx, func(context.Context) bool { return false })
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop kept running after losing the writer designation")
	}
}

// =============================================================================
// WRITE-BACK
// =============================================================================

func TestProcessor_ShutdownFlush_PersistsMutations(t *testing.T) {
	// GIVEN: A root deposit followed by a sub-allocation, never yet synced
	// WHEN: Shutting down
	// THEN: Wallets, allocations, ledger rows, and the notification outbox
	//       all land in durable storage

	mem := memory.New()
	seedComputeCategory(mem)
	mem.SeedProject(accounting.ProjectInfo{ID: "project-a", Title: "Project A", PI: "alice"})
	h := newHarness(mem, accounting.Config{})
	h.start(t, nil)

	resp := h.send(t, accounting.RootDepositRequest{
		Actor: accounting.SystemActor, Owner: "root-org", Category: computeCat, Amount: 1000,
	})
	root, ok := resp.(accounting.DepositResponse)
	require.True(t, ok, "root deposit failed: %+v", resp)

	resp = h.send(t, accounting.DepositRequest{
		Actor: accounting.SystemActor, Owner: "project-a", OwnerIsProject: true,
		ParentAllocation: root.CreatedAllocation, Amount: 400,
		NotBefore: baseNow, NotAfter: accounting.NoExpiration,
	})
	child, ok := resp.(accounting.DepositResponse)
	require.True(t, ok, "deposit failed: %+v", resp)

	h.stop(t)
	require.NoError(t, h.proc.Shutdown(context.Background()))

	rootRow, ok := mem.Allocation(root.CreatedAllocation)
	require.True(t, ok)
	assert.Equal(t, int64(600), rootRow.CurrentBalance)
	assert.Equal(t, accounting.NoParent, rootRow.Parent)

	childRow, ok := mem.Allocation(child.CreatedAllocation)
	require.True(t, ok)
	assert.Equal(t, int64(400), childRow.CurrentBalance)
	assert.Equal(t, root.CreatedAllocation, childRow.Parent)

	assert.Len(t, mem.Transactions(), 2)

	owners := map[string]bool{}
	for _, n := range mem.Notifications() {
		owners[n.Owner] = true
	}
	assert.True(t, owners["root-org"] && owners["project-a"],
		"every deposit should enqueue a provider notification")
}

func TestProcessor_FlushFailure_KeptDirtyAndRetried(t *testing.T) {
	// GIVEN: A flush that fails partway
	// THEN: Nothing is lost; the forced retry writes the same records

	mem := memory.New()
	seedComputeCategory(mem)
	h := newHarness(mem, accounting.Config{})
	h.start(t, nil)

	resp := h.send(t, accounting.RootDepositRequest{
		Actor: accounting.SystemActor, Owner: "root-org", Category: computeCat, Amount: 1000,
	})
	root, ok := resp.(accounting.DepositResponse)
	require.True(t, ok)

	h.stop(t)
	mem.FailNextFlush()
	err := h.proc.Shutdown(context.Background())
	require.ErrorIs(t, err, memory.ErrInjectedFlush)
	_, persisted := mem.Allocation(root.CreatedAllocation)
	assert.False(t, persisted, "failed flush must not leave partial rows")

	require.NoError(t, h.proc.Shutdown(context.Background()))
	row, persisted := mem.Allocation(root.CreatedAllocation)
	require.True(t, persisted)
	assert.Equal(t, int64(1000), row.CurrentBalance)
}

func TestProcessor_Shutdown_NothingDirty_SkipsFlush(t *testing.T) {
	mem := memory.New()
	seedComputeCategory(mem)
	h := newHarness(mem, accounting.Config{})
	h.start(t, nil)

	h.stop(t)
	require.NoError(t, h.proc.Shutdown(context.Background()))
	assert.Equal(t, 0, mem.FlushCount())
}

// =============================================================================
// LOADING
// =============================================================================

func seedLoadedTree(mem *memory.Store) {
	seedComputeCategory(mem)
	mem.SeedWallet(accounting.WalletRow{
		ID: 0, Owner: "root-org", Category: computeCat,
		ChargePolicy: accounting.SelectExpireFirst,
		ProductType:  accounting.ProductCompute,
		ChargeType:   accounting.ChargeAbsolute,
		Unit:         accounting.UnitCredits,
	})
	mem.SeedAllocation(accounting.AllocationRow{
		ID: 0, Wallet: 0, Parent: accounting.NoParent,
		NotBefore: 0, NotAfter: accounting.NoExpiration,
		InitialBalance: 1000, CurrentBalance: 1000, LocalBalance: 1000,
		CanAllocate: true, AllowSubAllocations: true,
	})
}

func TestProcessor_Load_RestoresStateAcrossRestart(t *testing.T) {
	// GIVEN: A persisted tree with a deleted row leaving an id gap
	// WHEN: A fresh processor loads it
	// THEN: Surviving rows keep their ids and the tree serves requests

	mem := memory.New()
	seedLoadedTree(mem)
	mem.SeedWallet(accounting.WalletRow{
		ID: 1, Owner: "project-a", Category: computeCat,
		ChargePolicy: accounting.SelectExpireFirst,
		ProductType:  accounting.ProductCompute,
		ChargeType:   accounting.ChargeAbsolute,
		Unit:         accounting.UnitCredits,
	})
	// Id 1 was reclaimed historically; id 2 survives pointing at the root.
	mem.SeedAllocation(accounting.AllocationRow{
		ID: 2, Wallet: 1, Parent: 0,
		NotBefore: 0, NotAfter: accounting.NoExpiration,
		InitialBalance: 400, CurrentBalance: 400, LocalBalance: 400,
	})

	h := newHarness(mem, accounting.Config{})
	h.start(t, nil)

	resp := h.send(t, accounting.RetrieveAllocationsRequest{
		Actor: accounting.SystemActor, Owner: "project-a", Category: computeCat,
	})
	list, ok := resp.(accounting.AllocationsResponse)
	require.True(t, ok, "retrieve failed: %+v", resp)
	require.Len(t, list.Allocations, 1)
	assert.Equal(t, accounting.AllocID(2), list.Allocations[0].ID)
	assert.Equal(t, []accounting.AllocID{0, 2}, list.Allocations[0].Path)
	assert.Equal(t, int64(400), list.Allocations[0].Balance)
}

func TestProcessor_Load_RepairsMalformedRowsAndPersistsThem(t *testing.T) {
	// GIVEN: A stored allocation with an inverted window and balances above
	//        their ceilings
	// WHEN: Loading and then syncing
	// THEN: The clamped row is written back to storage

	mem := memory.New()
	seedLoadedTree(mem)
	mem.SeedAllocation(accounting.AllocationRow{
		ID: 1, Wallet: 0, Parent: 0,
		NotBefore: 100, NotAfter: 50, // inverted
		InitialBalance: 200, CurrentBalance: 900, LocalBalance: 500,
	})

	h := newHarness(mem, accounting.Config{})
	h.start(t, nil)
	h.stop(t)
	require.NoError(t, h.proc.Shutdown(context.Background()))

	row, ok := mem.Allocation(1)
	require.True(t, ok)
	assert.Equal(t, int64(100), row.NotBefore)
	assert.Equal(t, int64(100), row.NotAfter)
	assert.Equal(t, int64(200), row.InitialBalance)
	assert.Equal(t, int64(200), row.LocalBalance)
	assert.Equal(t, int64(200), row.CurrentBalance)
}

func TestProcessor_LoadWithVerify_LedgerMismatch_Fatal(t *testing.T) {
	// GIVEN: A stored balance the ledger rows cannot reproduce
	// WHEN: Loading with reconciliation enabled
	// THEN: Startup fails rather than serving unverifiable state

	mem := memory.New()
	seedLoadedTree(mem) // balance 1000 with no ledger rows at all

	h := newHarness(mem, accounting.Config{VerifyOnLoad: true})
	err := h.proc.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger reconciliation")
}

func TestProcessor_LoadWithVerify_MatchingLedger_Starts(t *testing.T) {
	mem := memory.New()
	seedLoadedTree(mem)
	mem.SeedTransaction(accounting.Transaction{
		Kind:               accounting.LedgerDeposit,
		AffectedAllocation: 0,
		Change:             1000,
		Category:           computeCat,
		TransactionID:      "seed-1",
	})

	h := newHarness(mem, accounting.Config{VerifyOnLoad: true})
	h.start(t, nil)
}

// =============================================================================
// GRANT AND GIFT REPLAY
// =============================================================================

func TestProcessor_Load_ReplaysPendingGrantOnce(t *testing.T) {
	// GIVEN: An approved grant recorded but never finalized
	// WHEN: The processor loads and syncs
	// THEN: The deposit exists, tagged with the grant id, and the grant is
	//       marked synchronized so a later restart will not repeat it

	mem := memory.New()
	seedLoadedTree(mem)
	mem.AddGrantDeposit(accounting.GrantDeposit{
		GrantID: 7, Recipient: "project-a", RecipientProject: true,
		SourceAllocation: 0, Amount: 250,
		NotBefore: 0, NotAfter: accounting.NoExpiration,
	})

	h := newHarness(mem, accounting.Config{})
	h.start(t, nil)

	assert.Equal(t, int64(250), h.proc.Store().Balance("project-a", computeCat))

	h.stop(t)
	require.NoError(t, h.proc.Shutdown(context.Background()))
	assert.True(t, mem.GrantSynchronized(7))

	granted, ok := mem.Allocation(1)
	require.True(t, ok)
	assert.Equal(t, int64(7), granted.GrantedIn)
	assert.Equal(t, int64(250), granted.CurrentBalance)
}

func TestProcessor_Load_GiftPrefersAllocatingSourceWithHeadroom(t *testing.T) {
	// GIVEN: The gifter holds a rich dead-end allocation and a poorer one
	//        that can sub-allocate
	// THEN: The gift is parented under the allocating one

	mem := memory.New()
	seedComputeCategory(mem)
	mem.SeedWallet(accounting.WalletRow{
		ID: 0, Owner: "gifter-org", Category: computeCat,
		ChargePolicy: accounting.SelectExpireFirst,
		ProductType:  accounting.ProductCompute,
		ChargeType:   accounting.ChargeAbsolute,
		Unit:         accounting.UnitCredits,
	})
	mem.SeedAllocation(accounting.AllocationRow{
		ID: 0, Wallet: 0, Parent: accounting.NoParent,
		NotAfter:       accounting.NoExpiration,
		InitialBalance: 900, CurrentBalance: 900, LocalBalance: 900,
		CanAllocate: false,
	})
	mem.SeedAllocation(accounting.AllocationRow{
		ID: 1, Wallet: 0, Parent: accounting.NoParent,
		NotAfter:       accounting.NoExpiration,
		InitialBalance: 300, CurrentBalance: 300, LocalBalance: 300,
		CanAllocate: true, AllowSubAllocations: true,
	})
	mem.AddGiftClaim(accounting.GiftClaim{
		GiftID: 3, Username: "dave#1234", GifterOwner: "gifter-org",
		Category: computeCat, Amount: 25,
	})

	h := newHarness(mem, accounting.Config{})
	h.start(t, nil)

	resp := h.send(t, accounting.RetrieveAllocationsRequest{
		Actor: accounting.SystemActor, Owner: "dave#1234", Category: computeCat,
	})
	list, ok := resp.(accounting.AllocationsResponse)
	require.True(t, ok, "retrieve failed: %+v", resp)
	require.Len(t, list.Allocations, 1)
	path := list.Allocations[0].Path
	require.Len(t, path, 2)
	assert.Equal(t, accounting.AllocID(1), path[0], "gift should hang off the allocating source")

	h.stop(t)
	require.NoError(t, h.proc.Shutdown(context.Background()))
	assert.True(t, mem.GiftSynchronized(3))
}

func TestProcessor_Load_UnreplayableGiftStaysPending(t *testing.T) {
	// GIVEN: A gift claim whose gifter has no wallet at all
	// THEN: Startup succeeds and the claim stays unsynchronized for a
	//       later attempt

	mem := memory.New()
	seedLoadedTree(mem)
	mem.AddGiftClaim(accounting.GiftClaim{
		GiftID: 9, Username: "dave#1234", GifterOwner: "ghost-org",
		Category: computeCat, Amount: 25,
	})

	h := newHarness(mem, accounting.Config{})
	h.start(t, nil)
	h.stop(t)
	require.NoError(t, h.proc.Shutdown(context.Background()))

	assert.False(t, mem.GiftSynchronized(9))
}
