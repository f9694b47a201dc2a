/*
request.go - Request/response contract of the accounting core

PURPOSE:
  All operations against the store travel through the processor loop as
  values of the Request union and are answered with values of the Response
  union. The unions are sealed by unexported marker methods so the
  processor's dispatch switch stays exhaustive: a new variant that reaches
  handleRequest without a case produces an internal error response, which
  tests catch immediately.

ACTORS:
  Requests carry the acting identity. The system actor bypasses permission
  checks (root deposits, replayed grants); everything else is checked
  against the project-membership resolver.

SEE ALSO:
  - processor.go: the loop that dispatches these
  - deposit.go, charge.go, update.go, query.go: the handlers
*/
package accounting

import "fmt"

// =============================================================================
// ACTORS
// =============================================================================

// Actor identifies who is performing a request.
type Actor struct {
	Username string
	system   bool
}

// SystemActor is the privileged internal identity.
var SystemActor = Actor{Username: "_system", system: true}

// UserActor returns an actor for an ordinary authenticated user.
func UserActor(username string) Actor { return Actor{Username: username} }

// IsSystem reports whether the actor is the privileged internal identity.
func (a Actor) IsSystem() bool { return a.system }

// =============================================================================
// REQUESTS
// =============================================================================

// Request is the sealed union of accounting operations.
type Request interface{ isRequest() }

// RootDepositRequest creates a parentless allocation, lazily creating the
// wallet. System actor only.
type RootDepositRequest struct {
	Actor    Actor
	Owner    string
	Category Category
	Amount   int64
}

// DepositRequest creates a child allocation under an existing one.
type DepositRequest struct {
	Actor            Actor
	Owner            string
	ParentAllocation AllocID
	Amount           int64
	NotBefore        int64
	NotAfter         int64 // NoExpiration when unbounded
	GrantedIn        int64 // 0 when not grant-backed
	// OwnerIsProject marks project-owned deposits, which inherit the
	// parent's sub-allocation capabilities.
	OwnerIsProject bool
}

// ChargeRequest debits usage against a wallet by raw amount.
type ChargeRequest struct {
	Actor    Actor
	Owner    string
	Category Category
	Amount   int64
	DryRun   bool
}

// ChargeUsageRequest debits usage expressed as product units over periods;
// the amount is derived from catalog pricing.
type ChargeUsageRequest struct {
	Actor   Actor
	Owner   string
	Product ProductRef
	Units   int64
	Periods int64
	DryRun  bool
}

// UpdateRequest replaces an allocation's amount and validity window.
type UpdateRequest struct {
	Actor        Actor
	AllocationID AllocID
	Amount       int64
	NotBefore    int64
	NotAfter     int64 // NoExpiration when unbounded
}

// RetrieveAllocationsRequest lists the currently valid allocations of one
// wallet.
type RetrieveAllocationsRequest struct {
	Actor    Actor
	Owner    string
	Category Category
}

// RetrieveWalletsRequest lists every wallet of an owner.
type RetrieveWalletsRequest struct {
	Actor Actor
	Owner string
}

// BrowseSubAllocationsRequest lists allocations handed out by an owner's
// allocations, optionally filtered.
type BrowseSubAllocationsRequest struct {
	Actor      Actor
	Owner      string
	FilterType ProductType // empty = all
	Query      string      // free text over workspace title and category
}

// RetrieveProviderWalletsRequest lists wallets whose category belongs to a
// provider, for deposit-notification pulls.
type RetrieveProviderWalletsRequest struct {
	Actor    Actor
	Provider string
}

// FindRelevantProvidersRequest lists providers the owner holds wallets
// with.
type FindRelevantProvidersRequest struct {
	Actor Actor
	Owner string
}

func (RootDepositRequest) isRequest()             {}
func (DepositRequest) isRequest()                 {}
func (ChargeRequest) isRequest()                  {}
func (ChargeUsageRequest) isRequest()             {}
func (UpdateRequest) isRequest()                  {}
func (RetrieveAllocationsRequest) isRequest()     {}
func (RetrieveWalletsRequest) isRequest()         {}
func (BrowseSubAllocationsRequest) isRequest()    {}
func (RetrieveProviderWalletsRequest) isRequest() {}
func (FindRelevantProvidersRequest) isRequest()   {}

// =============================================================================
// RESPONSES
// =============================================================================

// Response is the sealed union of accounting results.
type Response interface{ isResponse() }

// ErrorResponse is the typed validation failure: a message plus an
// HTTP-like code. Callers must treat it as data, not as a crash.
type ErrorResponse struct {
	Message string
	Code    int
}

func (e ErrorResponse) Error() string { return fmt.Sprintf("%s (code %d)", e.Message, e.Code) }

// DepositResponse reports the created allocation (root and child).
type DepositResponse struct {
	CreatedAllocation AllocID
}

// ChargeResponse reports whether the full amount was covered.
type ChargeResponse struct {
	Success bool
}

// UpdateResponse reports a completed update.
type UpdateResponse struct {
	Success bool
}

// AllocationsResponse carries allocation snapshots.
type AllocationsResponse struct {
	Allocations []AllocationInfo
}

// WalletsResponse carries wallet snapshots.
type WalletsResponse struct {
	Wallets []WalletInfo
}

// SubAllocationsResponse carries sub-allocation listings.
type SubAllocationsResponse struct {
	Allocations []SubAllocation
}

// ProvidersResponse carries provider names.
type ProvidersResponse struct {
	Providers []string
}

func (ErrorResponse) isResponse()          {}
func (DepositResponse) isResponse()        {}
func (ChargeResponse) isResponse()         {}
func (UpdateResponse) isResponse()         {}
func (AllocationsResponse) isResponse()    {}
func (WalletsResponse) isResponse()        {}
func (SubAllocationsResponse) isResponse() {}
func (ProvidersResponse) isResponse()      {}

func errorf(code int, format string, args ...any) ErrorResponse {
	return ErrorResponse{Message: fmt.Sprintf(format, args...), Code: code}
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// AllocationInfo is a read-only snapshot of an allocation, decoupled from
// the arena so callers outside the processor loop can hold it.
type AllocationInfo struct {
	ID                  AllocID
	Path                []AllocID // root first, this allocation last
	Balance             int64
	InitialBalance      int64
	LocalBalance        int64
	NotBefore           int64
	NotAfter            int64
	GrantedIn           int64
	MaxUsableBalance    int64
	CanAllocate         bool
	AllowSubAllocations bool
}

// WalletInfo is a read-only snapshot of a wallet and its allocations.
type WalletInfo struct {
	Owner        string
	Category     Category
	ChargePolicy SelectorPolicy
	ProductType  ProductType
	ChargeType   ChargeType
	Unit         Unit
	Allocations  []AllocationInfo
}

// SubAllocation describes an allocation handed out to another workspace.
type SubAllocation struct {
	ID             AllocID
	Path           string // dot-separated allocation path
	StartDate      int64
	EndDate        int64
	Category       Category
	ProductType    ProductType
	ChargeType     ChargeType
	Unit           Unit
	WorkspaceID    string
	WorkspaceTitle string
	ProjectPI      string
	Remaining      int64
	InitialBalance int64
}
