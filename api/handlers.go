/*
handlers.go - HTTP API handlers for the accounting core

PURPOSE:
  Exposes the accounting processor via REST API. Handles HTTP
  request/response, JSON serialization, and delegates every mutation and
  query to the single-writer processor loop.

ENDPOINTS:
  Accounting:
    POST /api/accounting/root-deposit     Create a root allocation (system)
    POST /api/accounting/deposit          Create a child allocation
    POST /api/accounting/charge           Charge usage (raw or product)
    POST /api/accounting/update           Rewrite an allocation
    GET  /api/accounting/wallets          List an owner's wallets
    GET  /api/accounting/allocations      List valid allocations of a wallet
    GET  /api/accounting/sub-allocations  Browse handed-out allocations
    GET  /api/accounting/providers        Providers relevant to an owner
    GET  /api/accounting/provider-wallets Wallets of one provider

  Operational:
    GET  /api/status                      Node health and election state
    GET  /metrics                         Prometheus metrics

REQUEST FLOW:
  1. Parse HTTP request
  2. Build the accounting request value
  3. Send it through the processor loop
  4. Map the response union back to JSON

ERROR HANDLING:
  The processor answers validation failures with a message plus an
  HTTP-like code (400, 403, 404, 423, ...), passed through verbatim.

SECURITY NOTE:
  Acting identity is taken from the X-Actor header with no verification.
  Deployments front this service with an authenticating gateway; the
  "_system" identity must never be accepted from outside.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"

	"github.com/warp/allocation-engine/accounting"
	"github.com/warp/allocation-engine/leader"
)

// systemActorName is the reserved X-Actor value for internal callers.
const systemActorName = "_system"

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Processor   *accounting.Processor
	Coordinator *leader.Coordinator
}

// NewHandler creates a handler around the processor and its election
// coordinator.
func NewHandler(proc *accounting.Processor, coord *leader.Coordinator) *Handler {
	return &Handler{Processor: proc, Coordinator: coord}
}

// NodeStatus reports election state and the published active address, so
// clients talking to a follower can find the leader.
func (h *Handler) NodeStatus(w http.ResponseWriter, r *http.Request) {
	status := StatusDTO{
		State:  h.Coordinator.State().String(),
		Leader: h.Coordinator.IsLeader(),
	}
	if addr, err := h.Coordinator.ActiveAddress(r.Context()); err == nil {
		status.ActiveAddress = addr
	}
	writeJSON(w, http.StatusOK, status)
}

func actorFromRequest(r *http.Request) accounting.Actor {
	username := r.Header.Get("X-Actor")
	if username == systemActorName {
		return accounting.SystemActor
	}
	return accounting.UserActor(username)
}

// =============================================================================
// MUTATIONS
// =============================================================================

// RootDeposit creates a parentless allocation.
func (h *Handler) RootDeposit(w http.ResponseWriter, r *http.Request) {
	var dto RootDepositDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	resp := h.Processor.SendRequest(r.Context(), accounting.RootDepositRequest{
		Actor:    actorFromRequest(r),
		Owner:    dto.Owner,
		Category: accounting.Category{Name: dto.CategoryName, Provider: dto.CategoryProvider},
		Amount:   dto.Amount,
	})
	h.writeDepositResponse(w, resp)
}

// Deposit creates a child allocation.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var dto DepositDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	resp := h.Processor.SendRequest(r.Context(), accounting.DepositRequest{
		Actor:            actorFromRequest(r),
		Owner:            dto.Owner,
		OwnerIsProject:   dto.OwnerIsProject,
		ParentAllocation: accounting.AllocID(dto.ParentAllocation),
		Amount:           dto.Amount,
		NotBefore:        dto.NotBefore,
		NotAfter:         parseNotAfter(dto.NotAfter),
		GrantedIn:        dto.GrantedIn,
	})
	h.writeDepositResponse(w, resp)
}

// Charge debits usage. A productId selects catalog pricing; otherwise the
// raw amount and category are used directly.
func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	var dto ChargeDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var req accounting.Request
	if dto.ProductID != "" {
		req = accounting.ChargeUsageRequest{
			Actor: actorFromRequest(r),
			Owner: dto.Owner,
			Product: accounting.ProductRef{
				ID:       dto.ProductID,
				Category: dto.CategoryName,
				Provider: dto.CategoryProvider,
			},
			Units:   dto.Units,
			Periods: dto.Periods,
			DryRun:  dto.DryRun,
		}
	} else {
		req = accounting.ChargeRequest{
			Actor:    actorFromRequest(r),
			Owner:    dto.Owner,
			Category: accounting.Category{Name: dto.CategoryName, Provider: dto.CategoryProvider},
			Amount:   dto.Amount,
			DryRun:   dto.DryRun,
		}
	}

	switch resp := h.Processor.SendRequest(r.Context(), req).(type) {
	case accounting.ErrorResponse:
		writeError(w, resp.Code, resp.Message, nil)
	case accounting.ChargeResponse:
		writeJSON(w, http.StatusOK, ChargeResultDTO{Success: resp.Success})
	default:
		writeError(w, http.StatusInternalServerError, "Unexpected response", nil)
	}
}

// Update rewrites an allocation's amount and validity window.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var dto UpdateDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	switch resp := h.Processor.SendRequest(r.Context(), accounting.UpdateRequest{
		Actor:        actorFromRequest(r),
		AllocationID: accounting.AllocID(dto.AllocationID),
		Amount:       dto.Amount,
		NotBefore:    dto.NotBefore,
		NotAfter:     parseNotAfter(dto.NotAfter),
	}).(type) {
	case accounting.ErrorResponse:
		writeError(w, resp.Code, resp.Message, nil)
	case accounting.UpdateResponse:
		writeJSON(w, http.StatusOK, map[string]bool{"success": resp.Success})
	default:
		writeError(w, http.StatusInternalServerError, "Unexpected response", nil)
	}
}

func (h *Handler) writeDepositResponse(w http.ResponseWriter, resp accounting.Response) {
	switch resp := resp.(type) {
	case accounting.ErrorResponse:
		writeError(w, resp.Code, resp.Message, nil)
	case accounting.DepositResponse:
		writeJSON(w, http.StatusOK, DepositResultDTO{CreatedAllocation: int64(resp.CreatedAllocation)})
	default:
		writeError(w, http.StatusInternalServerError, "Unexpected response", nil)
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// Wallets lists every wallet of an owner.
func (h *Handler) Wallets(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")

	switch resp := h.Processor.SendRequest(r.Context(), accounting.RetrieveWalletsRequest{
		Actor: actorFromRequest(r),
		Owner: owner,
	}).(type) {
	case accounting.ErrorResponse:
		writeError(w, resp.Code, resp.Message, nil)
	case accounting.WalletsResponse:
		dtos := make([]WalletDTO, len(resp.Wallets))
		for i, wallet := range resp.Wallets {
			dtos[i] = walletDTO(wallet)
		}
		writeJSON(w, http.StatusOK, dtos)
	default:
		writeError(w, http.StatusInternalServerError, "Unexpected response", nil)
	}
}

// Allocations lists the currently valid allocations of one wallet.
func (h *Handler) Allocations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	switch resp := h.Processor.SendRequest(r.Context(), accounting.RetrieveAllocationsRequest{
		Actor:    actorFromRequest(r),
		Owner:    q.Get("owner"),
		Category: accounting.Category{Name: q.Get("category"), Provider: q.Get("provider")},
	}).(type) {
	case accounting.ErrorResponse:
		writeError(w, resp.Code, resp.Message, nil)
	case accounting.AllocationsResponse:
		dtos := make([]AllocationDTO, len(resp.Allocations))
		for i, a := range resp.Allocations {
			dtos[i] = allocationDTO(a)
		}
		writeJSON(w, http.StatusOK, dtos)
	default:
		writeError(w, http.StatusInternalServerError, "Unexpected response", nil)
	}
}

// SubAllocations browses allocations handed out by an owner.
func (h *Handler) SubAllocations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	switch resp := h.Processor.SendRequest(r.Context(), accounting.BrowseSubAllocationsRequest{
		Actor:      actorFromRequest(r),
		Owner:      q.Get("owner"),
		FilterType: accounting.ProductType(q.Get("filterType")),
		Query:      q.Get("query"),
	}).(type) {
	case accounting.ErrorResponse:
		writeError(w, resp.Code, resp.Message, nil)
	case accounting.SubAllocationsResponse:
		dtos := make([]SubAllocationDTO, len(resp.Allocations))
		for i, s := range resp.Allocations {
			dtos[i] = subAllocationDTO(s)
		}
		writeJSON(w, http.StatusOK, dtos)
	default:
		writeError(w, http.StatusInternalServerError, "Unexpected response", nil)
	}
}

// Providers lists providers the owner holds wallets with.
func (h *Handler) Providers(w http.ResponseWriter, r *http.Request) {
	switch resp := h.Processor.SendRequest(r.Context(), accounting.FindRelevantProvidersRequest{
		Actor: actorFromRequest(r),
		Owner: r.URL.Query().Get("owner"),
	}).(type) {
	case accounting.ErrorResponse:
		writeError(w, resp.Code, resp.Message, nil)
	case accounting.ProvidersResponse:
		writeJSON(w, http.StatusOK, resp.Providers)
	default:
		writeError(w, http.StatusInternalServerError, "Unexpected response", nil)
	}
}

// ProviderWallets lists wallets whose category belongs to a provider.
func (h *Handler) ProviderWallets(w http.ResponseWriter, r *http.Request) {
	switch resp := h.Processor.SendRequest(r.Context(), accounting.RetrieveProviderWalletsRequest{
		Actor:    actorFromRequest(r),
		Provider: r.URL.Query().Get("provider"),
	}).(type) {
	case accounting.ErrorResponse:
		writeError(w, resp.Code, resp.Message, nil)
	case accounting.WalletsResponse:
		dtos := make([]WalletDTO, len(resp.Wallets))
		for i, wallet := range resp.Wallets {
			dtos[i] = walletDTO(wallet)
		}
		writeJSON(w, http.StatusOK, dtos)
	default:
		writeError(w, http.StatusInternalServerError, "Unexpected response", nil)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorDTO{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
