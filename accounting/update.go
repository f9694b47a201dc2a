/*
update.go - Re-issuing an allocation

PURPOSE:
  An update replaces an allocation's amount and validity window, treating
  the new amount as a fresh initial allocation. For differential-quota
  wallets the previously recorded usage deltas are re-applied so in-flight
  consumption bookkeeping is not silently erased; absolute wallets consume
  irrevocably and need no such adjustment. Afterwards every descendant
  window is clamped back inside the updated window.

SEE ALSO:
  - store.go: clampDescendantsOverlap and the forward-scan property
*/
package accounting

import "context"

func (s *Store) update(ctx context.Context, req UpdateRequest) Response {
	if req.Amount < 0 {
		return errorf(codeBadRequest, "Cannot update to a negative balance")
	}

	allocation := s.allocation(req.AllocationID)
	if allocation == nil {
		return errorf(codeNotFound, "Invalid allocation id supplied")
	}
	wallet := s.wallet(allocation.Wallet)
	if wallet == nil {
		return errorf(codeNotFound, "Invalid allocation id supplied")
	}

	parent := (*Allocation)(nil)
	if allocation.Parent != NoParent {
		parent = s.allocation(allocation.Parent)
	}

	if !req.Actor.IsSystem() {
		// Only the grantor's admins may rewrite a sub-allocation, and roots
		// belong to the system.
		if parent == nil {
			return errorf(codeForbidden, "You are not allowed to manage this allocation.")
		}
		grantorWallet := s.wallet(parent.Wallet)
		role, ok := s.projects.Role(ctx, req.Actor.Username, grantorWallet.Owner)
		if !ok || !role.IsAdmin() {
			return errorf(codeForbidden, "You are not allowed to manage this allocation.")
		}
	}

	if parent != nil {
		if err := s.checkOverlapAncestors(parent, req.NotBefore, req.NotAfter); err != nil {
			return *err
		}
	}

	allocation.Begin()
	usage := allocation.Usage()
	localUsage := allocation.LocalUsage()
	allocation.InitialBalance = req.Amount
	allocation.CurrentBalance = req.Amount
	allocation.LocalBalance = req.Amount
	allocation.NotBefore = req.NotBefore
	allocation.NotAfter = req.NotAfter

	if wallet.ChargeType == ChargeDifferentialQuota {
		// The tree has recorded usage that the next differential charge will
		// hand back; dropping it here would corrupt every ancestor.
		allocation.CurrentBalance -= usage
		allocation.LocalBalance -= localUsage
	}

	now := s.clock()
	id := s.transactionID()
	s.rows = append(s.rows, Transaction{
		Kind:                 LedgerUpdate,
		AffectedAllocation:   allocation.ID,
		Change:               allocation.CurrentBalance - allocation.preImageCurrent(),
		ActionPerformedBy:    req.Actor.Username,
		Description:          "Allocation update",
		Category:             wallet.Category,
		SourceAllocation:     NoParent,
		StartDate:            allocation.NotBefore,
		EndDate:              allocation.NotAfter,
		Timestamp:            now,
		TransactionID:        id,
		InitialTransactionID: id,
	})

	allocation.Commit()
	s.clampDescendantsOverlap(allocation)
	return UpdateResponse{Success: true}
}
