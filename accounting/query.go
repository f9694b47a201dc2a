/*
query.go - Read-only operations served by the processor loop

PURPOSE:
  Queries run through the same serialized loop as mutations so they always
  observe a fully applied store. They return detached snapshots; callers
  never see arena pointers.
*/
package accounting

import (
	"context"
	"strings"
)

func (s *Store) retrieveAllocations(req RetrieveAllocationsRequest) Response {
	wallet := s.findWallet(req.Owner, req.Category)
	if wallet == nil {
		return errorf(codeNotFound, "Unknown wallet requested")
	}

	now := s.clock()
	var out []AllocationInfo
	for _, a := range s.allocations {
		if a != nil && a.Wallet == wallet.ID && a.IsValid(now) {
			out = append(out, s.allocationInfo(a))
		}
	}
	return AllocationsResponse{Allocations: out}
}

func (s *Store) retrieveWallets(req RetrieveWalletsRequest) Response {
	var out []WalletInfo
	for _, w := range s.wallets {
		if w != nil && w.Owner == req.Owner {
			out = append(out, s.walletInfo(w))
		}
	}
	return WalletsResponse{Wallets: out}
}

func (s *Store) retrieveProviderWallets(req RetrieveProviderWalletsRequest) Response {
	var out []WalletInfo
	for _, w := range s.wallets {
		if w != nil && w.Category.Provider == req.Provider {
			out = append(out, s.walletInfo(w))
		}
	}
	return WalletsResponse{Wallets: out}
}

func (s *Store) findRelevantProviders(req FindRelevantProvidersRequest) Response {
	return ProvidersResponse{Providers: s.providersOf(req.Owner)}
}

// browseSubAllocations lists allocations that hang off any allocation
// owned by the requesting workspace: the sub-allocations it has handed
// out.
func (s *Store) browseSubAllocations(ctx context.Context, req BrowseSubAllocationsRequest) Response {
	ownWallets := map[WalletID]bool{}
	for _, w := range s.wallets {
		if w != nil && w.Owner == req.Owner {
			ownWallets[w.ID] = true
		}
	}

	// Ids increase down the tree, so one forward pass sees every parent
	// before its children.
	ownAllocations := map[AllocID]bool{}
	var subs []*Allocation
	for _, a := range s.allocations {
		if a == nil {
			continue
		}
		if ownWallets[a.Wallet] {
			ownAllocations[a.ID] = true
		}
		if a.Parent != NoParent && ownAllocations[a.Parent] {
			subs = append(subs, a)
		}
	}

	var out []SubAllocation
	for _, a := range subs {
		wallet := s.wallet(a.Wallet)
		if wallet == nil {
			continue
		}
		if req.FilterType != "" && wallet.ProductType != req.FilterType {
			continue
		}
		info := s.projects.Info(ctx, wallet.Owner)
		sub := SubAllocation{
			ID:             a.ID,
			Path:           s.pathString(a.ID),
			StartDate:      a.NotBefore,
			EndDate:        a.NotAfter,
			Category:       wallet.Category,
			ProductType:    wallet.ProductType,
			ChargeType:     wallet.ChargeType,
			Unit:           wallet.Unit,
			WorkspaceID:    info.ID,
			WorkspaceTitle: info.Title,
			ProjectPI:      info.PI,
			Remaining:      a.CurrentBalance,
			InitialBalance: a.InitialBalance,
		}
		if req.Query != "" &&
			!strings.Contains(sub.WorkspaceTitle, req.Query) &&
			!strings.Contains(sub.Category.Name, req.Query) &&
			!strings.Contains(sub.Category.Provider, req.Query) {
			continue
		}
		out = append(out, sub)
	}
	return SubAllocationsResponse{Allocations: out}
}
