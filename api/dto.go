/*
dto.go - Request/response data structures for the HTTP API

PURPOSE:
  JSON shapes exchanged with clients, kept separate from the accounting
  core's internal types. Timestamps are unix milliseconds; a missing or
  zero notAfter means "no expiration".

SEE ALSO:
  - handlers.go: where these are parsed and produced
*/
package api

import "github.com/warp/allocation-engine/accounting"

// ErrorDTO is the JSON error envelope.
type ErrorDTO struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// RootDepositDTO creates a parentless allocation.
type RootDepositDTO struct {
	Owner            string `json:"owner"`
	CategoryName     string `json:"categoryName"`
	CategoryProvider string `json:"categoryProvider"`
	Amount           int64  `json:"amount"`
}

// DepositDTO creates a child allocation under a parent.
type DepositDTO struct {
	Owner            string `json:"owner"`
	OwnerIsProject   bool   `json:"ownerIsProject"`
	ParentAllocation int64  `json:"parentAllocation"`
	Amount           int64  `json:"amount"`
	NotBefore        int64  `json:"notBefore"`
	NotAfter         int64  `json:"notAfter,omitempty"` // 0 = no expiration
	GrantedIn        int64  `json:"grantedIn,omitempty"`
}

// ChargeDTO debits usage. Either a raw amount, or product usage expressed
// as units x periods priced through the catalog.
type ChargeDTO struct {
	Owner            string `json:"owner"`
	CategoryName     string `json:"categoryName,omitempty"`
	CategoryProvider string `json:"categoryProvider,omitempty"`
	Amount           int64  `json:"amount,omitempty"`

	ProductID string `json:"productId,omitempty"`
	Units     int64  `json:"units,omitempty"`
	Periods   int64  `json:"periods,omitempty"`

	DryRun bool `json:"dryRun,omitempty"`
}

// UpdateDTO rewrites an allocation's amount and validity window.
type UpdateDTO struct {
	AllocationID int64 `json:"allocationId"`
	Amount       int64 `json:"amount"`
	NotBefore    int64 `json:"notBefore"`
	NotAfter     int64 `json:"notAfter,omitempty"` // 0 = no expiration
}

// ChargeResultDTO reports whether the full amount was covered.
type ChargeResultDTO struct {
	Success bool `json:"success"`
}

// DepositResultDTO reports the created allocation id.
type DepositResultDTO struct {
	CreatedAllocation int64 `json:"createdAllocation"`
}

// AllocationDTO is the JSON form of an allocation snapshot.
type AllocationDTO struct {
	ID                  int64   `json:"id"`
	Path                []int64 `json:"path"`
	Balance             int64   `json:"balance"`
	InitialBalance      int64   `json:"initialBalance"`
	LocalBalance        int64   `json:"localBalance"`
	MaxUsableBalance    int64   `json:"maxUsableBalance"`
	NotBefore           int64   `json:"notBefore"`
	NotAfter            int64   `json:"notAfter,omitempty"` // 0 = no expiration
	GrantedIn           int64   `json:"grantedIn,omitempty"`
	CanAllocate         bool    `json:"canAllocate"`
	AllowSubAllocations bool    `json:"allowSubAllocations"`
}

// WalletDTO is the JSON form of a wallet snapshot.
type WalletDTO struct {
	Owner            string          `json:"owner"`
	CategoryName     string          `json:"categoryName"`
	CategoryProvider string          `json:"categoryProvider"`
	ChargePolicy     string          `json:"chargePolicy"`
	ProductType      string          `json:"productType"`
	ChargeType       string          `json:"chargeType"`
	Unit             string          `json:"unit"`
	Allocations      []AllocationDTO `json:"allocations"`
}

// SubAllocationDTO is the JSON form of a sub-allocation listing entry.
type SubAllocationDTO struct {
	ID               int64  `json:"id"`
	Path             string `json:"path"`
	StartDate        int64  `json:"startDate"`
	EndDate          int64  `json:"endDate,omitempty"` // 0 = no expiration
	CategoryName     string `json:"categoryName"`
	CategoryProvider string `json:"categoryProvider"`
	ProductType      string `json:"productType"`
	ChargeType       string `json:"chargeType"`
	Unit             string `json:"unit"`
	WorkspaceID      string `json:"workspaceId"`
	WorkspaceTitle   string `json:"workspaceTitle"`
	ProjectPI        string `json:"projectPI,omitempty"`
	Remaining        int64  `json:"remaining"`
	InitialBalance   int64  `json:"initialBalance"`
}

// StatusDTO reports node health and election state.
type StatusDTO struct {
	State         string `json:"state"`
	Leader        bool   `json:"leader"`
	ActiveAddress string `json:"activeAddress,omitempty"`
}

// wireNotAfter maps the internal no-expiration sentinel to JSON zero.
func wireNotAfter(v int64) int64 {
	if v == accounting.NoExpiration {
		return 0
	}
	return v
}

// parseNotAfter maps JSON zero back to the internal sentinel.
func parseNotAfter(v int64) int64 {
	if v == 0 {
		return accounting.NoExpiration
	}
	return v
}

func allocationDTO(a accounting.AllocationInfo) AllocationDTO {
	path := make([]int64, len(a.Path))
	for i, id := range a.Path {
		path[i] = int64(id)
	}
	return AllocationDTO{
		ID:                  int64(a.ID),
		Path:                path,
		Balance:             a.Balance,
		InitialBalance:      a.InitialBalance,
		LocalBalance:        a.LocalBalance,
		MaxUsableBalance:    a.MaxUsableBalance,
		NotBefore:           a.NotBefore,
		NotAfter:            wireNotAfter(a.NotAfter),
		GrantedIn:           a.GrantedIn,
		CanAllocate:         a.CanAllocate,
		AllowSubAllocations: a.AllowSubAllocations,
	}
}

func walletDTO(w accounting.WalletInfo) WalletDTO {
	allocations := make([]AllocationDTO, len(w.Allocations))
	for i, a := range w.Allocations {
		allocations[i] = allocationDTO(a)
	}
	return WalletDTO{
		Owner:            w.Owner,
		CategoryName:     w.Category.Name,
		CategoryProvider: w.Category.Provider,
		ChargePolicy:     string(w.ChargePolicy),
		ProductType:      string(w.ProductType),
		ChargeType:       string(w.ChargeType),
		Unit:             string(w.Unit),
		Allocations:      allocations,
	}
}

func subAllocationDTO(s accounting.SubAllocation) SubAllocationDTO {
	return SubAllocationDTO{
		ID:               int64(s.ID),
		Path:             s.Path,
		StartDate:        s.StartDate,
		EndDate:          wireNotAfter(s.EndDate),
		CategoryName:     s.Category.Name,
		CategoryProvider: s.Category.Provider,
		ProductType:      string(s.ProductType),
		ChargeType:       string(s.ChargeType),
		Unit:             string(s.Unit),
		WorkspaceID:      s.WorkspaceID,
		WorkspaceTitle:   s.WorkspaceTitle,
		ProjectPI:        s.ProjectPI,
		Remaining:        s.Remaining,
		InitialBalance:   s.InitialBalance,
	}
}
