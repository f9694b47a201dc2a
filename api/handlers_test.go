package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-engine/accounting"
	"github.com/warp/allocation-engine/catalog"
	"github.com/warp/allocation-engine/leader"
	"github.com/warp/allocation-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const selfAddr = "http://node-under-test:8080"

type testServer struct {
	*httptest.Server
	mem *memory.Store
}

// newTestServer boots the full stack: memory persistence, catalog caches,
// the processor behind a standalone coordinator, and the chi router.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mem := memory.New()
	mem.SeedCategory(
		accounting.Category{Name: "compute", Provider: "provider-a"},
		accounting.CategoryInfo{
			ProductType: accounting.ProductCompute,
			ChargeType:  accounting.ChargeAbsolute,
			Unit:        accounting.UnitCredits,
		})
	mem.SeedProject(accounting.ProjectInfo{ID: "project-a", Title: "Project A", PI: "alice"})
	mem.SeedMember("alice", "project-a", accounting.RolePI)
	mem.SeedProduct(accounting.Product{
		Ref:          accounting.ProductRef{ID: "c-standard", Category: "compute", Provider: "provider-a"},
		PricePerUnit: decimal.NewFromInt(10),
		Version:      1,
	})

	store := accounting.NewStore(catalog.NewProductCache(mem), catalog.NewProjectCache(mem))
	proc := accounting.NewProcessor(store, mem, accounting.NopNotifier{}, accounting.Config{
		DrainTimeout: 10 * time.Millisecond,
	})
	coord := leader.NewCoordinator(nil, proc, selfAddr, leader.Config{DisableElection: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()

	srv := httptest.NewServer(NewRouter(NewHandler(proc, coord)))
	ts := &testServer{Server: srv, mem: mem}

	t.Cleanup(func() {
		srv.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("coordinator did not stop")
		}
	})

	// The loop opens for business only after loading.
	require.Eventually(t, func() bool {
		code, _ := ts.get(t, "alice", "/api/accounting/providers?owner=probe")
		return code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond, "server never became ready")

	return ts
}

func (ts *testServer) do(t *testing.T, method, actor, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if actor != "" {
		req.Header.Set("X-Actor", actor)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func (ts *testServer) get(t *testing.T, actor, path string) (int, []byte) {
	return ts.do(t, http.MethodGet, actor, path, nil)
}

func (ts *testServer) post(t *testing.T, actor, path string, body any) (int, []byte) {
	return ts.do(t, http.MethodPost, actor, path, body)
}

func decodeInto[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), "body: %s", raw)
	return v
}

// rootThenChild performs a system root deposit of 1000 and a 400 child
// deposit to project-a, returning both allocation ids.
func rootThenChild(t *testing.T, ts *testServer) (root, child int64) {
	t.Helper()
	code, raw := ts.post(t, "_system", "/api/accounting/root-deposit", RootDepositDTO{
		Owner: "root-org", CategoryName: "compute", CategoryProvider: "provider-a", Amount: 1000,
	})
	require.Equal(t, http.StatusOK, code, "body: %s", raw)
	root = decodeInto[DepositResultDTO](t, raw).CreatedAllocation

	code, raw = ts.post(t, "_system", "/api/accounting/deposit", DepositDTO{
		Owner: "project-a", OwnerIsProject: true, ParentAllocation: root, Amount: 400,
	})
	require.Equal(t, http.StatusOK, code, "body: %s", raw)
	child = decodeInto[DepositResultDTO](t, raw).CreatedAllocation
	return root, child
}

// =============================================================================
// MUTATIONS
// =============================================================================

func TestAPI_RootDeposit_SystemActor_CreatesAllocation(t *testing.T) {
	ts := newTestServer(t)

	root, child := rootThenChild(t, ts)
	assert.Equal(t, int64(0), root)
	assert.Equal(t, int64(1), child)
}

func TestAPI_RootDeposit_UserActor_Forbidden(t *testing.T) {
	ts := newTestServer(t)

	code, raw := ts.post(t, "alice", "/api/accounting/root-deposit", RootDepositDTO{
		Owner: "root-org", CategoryName: "compute", CategoryProvider: "provider-a", Amount: 1000,
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Contains(t, decodeInto[ErrorDTO](t, raw).Error, "root deposit")
}

func TestAPI_Deposit_GrantorAdminViaHeader_Allowed(t *testing.T) {
	// The X-Actor identity goes through the same role checks as any other
	// actor: alice is PI of project-a, which owns the parent.
	ts := newTestServer(t)
	_, child := rootThenChild(t, ts)

	code, raw := ts.post(t, "alice", "/api/accounting/deposit", DepositDTO{
		Owner: "project-b", OwnerIsProject: true, ParentAllocation: child, Amount: 50,
	})
	require.Equal(t, http.StatusOK, code, "body: %s", raw)

	code, _ = ts.post(t, "bob", "/api/accounting/deposit", DepositDTO{
		Owner: "project-b", OwnerIsProject: true, ParentAllocation: child, Amount: 50,
	})
	assert.Equal(t, http.StatusForbidden, code)
}

func TestAPI_Charge_RawAmount(t *testing.T) {
	ts := newTestServer(t)
	rootThenChild(t, ts)

	code, raw := ts.post(t, "provider-a", "/api/accounting/charge", ChargeDTO{
		Owner: "project-a", CategoryName: "compute", CategoryProvider: "provider-a", Amount: 150,
	})
	require.Equal(t, http.StatusOK, code, "body: %s", raw)
	assert.True(t, decodeInto[ChargeResultDTO](t, raw).Success)

	// More than the remaining 250 can cover.
	code, raw = ts.post(t, "provider-a", "/api/accounting/charge", ChargeDTO{
		Owner: "project-a", CategoryName: "compute", CategoryProvider: "provider-a", Amount: 9999,
	})
	require.Equal(t, http.StatusOK, code)
	assert.False(t, decodeInto[ChargeResultDTO](t, raw).Success,
		"an uncoverable charge reports failure, not an HTTP error")
}

func TestAPI_Charge_ProductSelectsCatalogPricing(t *testing.T) {
	// GIVEN: c-standard priced at 10 credits per unit
	// WHEN: Charging 4 units over 10 periods
	// THEN: 400 credits disappear from the child's balance

	ts := newTestServer(t)
	_, child := rootThenChild(t, ts)

	code, raw := ts.post(t, "provider-a", "/api/accounting/charge", ChargeDTO{
		Owner: "project-a", ProductID: "c-standard",
		CategoryName: "compute", CategoryProvider: "provider-a",
		Units: 4, Periods: 10,
	})
	require.Equal(t, http.StatusOK, code, "body: %s", raw)
	assert.True(t, decodeInto[ChargeResultDTO](t, raw).Success)

	code, raw = ts.get(t, "alice", "/api/accounting/allocations?owner=project-a&category=compute&provider=provider-a")
	require.Equal(t, http.StatusOK, code)
	allocations := decodeInto[[]AllocationDTO](t, raw)
	require.Len(t, allocations, 1)
	assert.Equal(t, child, allocations[0].ID)
	assert.Equal(t, int64(0), allocations[0].Balance)
}

func TestAPI_Update_RewritesAllocation(t *testing.T) {
	ts := newTestServer(t)
	_, child := rootThenChild(t, ts)

	code, raw := ts.post(t, "_system", "/api/accounting/update", UpdateDTO{
		AllocationID: child, Amount: 700, NotBefore: time.Now().UnixMilli(),
	})
	require.Equal(t, http.StatusOK, code, "body: %s", raw)

	code, raw = ts.get(t, "alice", "/api/accounting/allocations?owner=project-a&category=compute&provider=provider-a")
	require.Equal(t, http.StatusOK, code)
	allocations := decodeInto[[]AllocationDTO](t, raw)
	require.Len(t, allocations, 1)
	assert.Equal(t, int64(700), allocations[0].Balance)
	assert.Zero(t, allocations[0].NotAfter, "open-ended windows serialize as absent")
}

func TestAPI_Update_UnknownAllocation_NotFound(t *testing.T) {
	ts := newTestServer(t)

	code, _ := ts.post(t, "_system", "/api/accounting/update", UpdateDTO{
		AllocationID: 404, Amount: 1,
	})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_MalformedBody_BadRequest(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/accounting/charge",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestAPI_Wallets_ListsAllocationsWithUsableBalance(t *testing.T) {
	ts := newTestServer(t)
	root, child := rootThenChild(t, ts)

	code, raw := ts.get(t, "alice", "/api/accounting/wallets?owner=project-a")
	require.Equal(t, http.StatusOK, code)
	wallets := decodeInto[[]WalletDTO](t, raw)
	require.Len(t, wallets, 1)
	assert.Equal(t, "project-a", wallets[0].Owner)
	assert.Equal(t, "ABSOLUTE", wallets[0].ChargeType)
	require.Len(t, wallets[0].Allocations, 1)
	assert.Equal(t, []int64{root, child}, wallets[0].Allocations[0].Path)
	assert.Equal(t, int64(400), wallets[0].Allocations[0].MaxUsableBalance)
}

func TestAPI_SubAllocations_BrowsesHandedOutGrants(t *testing.T) {
	ts := newTestServer(t)
	rootThenChild(t, ts)

	code, raw := ts.get(t, "_system", "/api/accounting/sub-allocations?owner=root-org")
	require.Equal(t, http.StatusOK, code)
	subs := decodeInto[[]SubAllocationDTO](t, raw)
	require.Len(t, subs, 1)
	assert.Equal(t, "project-a", subs[0].WorkspaceID)
	assert.Equal(t, "Project A", subs[0].WorkspaceTitle)
	assert.Equal(t, "alice", subs[0].ProjectPI)
	assert.Equal(t, int64(400), subs[0].Remaining)
}

func TestAPI_ProvidersAndProviderWallets(t *testing.T) {
	ts := newTestServer(t)
	rootThenChild(t, ts)

	code, raw := ts.get(t, "alice", "/api/accounting/providers?owner=project-a")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"provider-a"}, decodeInto[[]string](t, raw))

	code, raw = ts.get(t, "_system", "/api/accounting/provider-wallets?provider=provider-a")
	require.Equal(t, http.StatusOK, code)
	wallets := decodeInto[[]WalletDTO](t, raw)
	assert.Len(t, wallets, 2, "root-org and project-a both hold provider-a wallets")
}

// =============================================================================
// OPERATIONAL ENDPOINTS
// =============================================================================

func TestAPI_Status_ReportsLeadership(t *testing.T) {
	ts := newTestServer(t)

	code, raw := ts.get(t, "", "/api/status")
	require.Equal(t, http.StatusOK, code)
	status := decodeInto[StatusDTO](t, raw)
	assert.Equal(t, "leader", status.State)
	assert.True(t, status.Leader)
	assert.Equal(t, selfAddr, status.ActiveAddress)
}

func TestAPI_Metrics_Exposed(t *testing.T) {
	ts := newTestServer(t)

	code, raw := ts.get(t, "", "/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), "accounting_")
}
