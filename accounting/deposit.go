/*
deposit.go - Root and child deposits

PURPOSE:
  Deposits create allocations. A root deposit starts a new tree (system
  actor only); a child deposit grafts a sub-allocation under an existing
  one after permission and window-containment checks. Wallets are created
  lazily from catalog metadata the first time an (owner, category) pair is
  seen.

CAPABILITIES:
  A root allocation may always sub-allocate. A child inherits the parent's
  capability flags only when the deposit targets a project workspace;
  personal workspaces receive dead-end allocations.

SEE ALSO:
  - store.go: checkOverlapAncestors, createWallet, createAllocation
*/
package accounting

import "context"

func (s *Store) rootDeposit(ctx context.Context, req RootDepositRequest) Response {
	if req.Amount < 0 {
		return errorf(codeBadRequest, "Cannot deposit with a negative balance")
	}
	if !req.Actor.IsSystem() {
		return errorf(codeForbidden, "Only administrators can perform a root deposit")
	}

	wallet := s.findWallet(req.Owner, req.Category)
	if wallet == nil {
		wallet = s.createWallet(ctx, req.Owner, req.Category)
	}
	if wallet == nil {
		return errorf(codeBadRequest, "Unknown product category %s", req.Category)
	}

	now := s.clock()
	created := s.createAllocation(wallet.ID, req.Amount, NoParent, now, NoExpiration, 0, true, true)

	id := s.transactionID()
	s.rows = append(s.rows, Transaction{
		Kind:                 LedgerDeposit,
		AffectedAllocation:   created.ID,
		Change:               req.Amount,
		ActionPerformedBy:    SystemActor.Username,
		Description:          "Root deposit",
		Category:             req.Category,
		SourceAllocation:     NoParent,
		StartDate:            now,
		EndDate:              NoExpiration,
		Timestamp:            now,
		TransactionID:        id,
		InitialTransactionID: id,
	})

	return DepositResponse{CreatedAllocation: created.ID}
}

func (s *Store) deposit(ctx context.Context, req DepositRequest) Response {
	if req.Amount < 0 {
		return errorf(codeBadRequest, "Cannot deposit with a negative balance")
	}

	parent := s.allocation(req.ParentAllocation)
	if parent == nil {
		return errorf(codeNotFound, "Bad parent allocation")
	}
	parentWallet := s.wallet(parent.Wallet)

	if !req.Actor.IsSystem() {
		role, ok := s.projects.Role(ctx, req.Actor.Username, parentWallet.Owner)
		if !ok || !role.IsAdmin() {
			return errorf(codeForbidden, "You are not allowed to manage this allocation.")
		}
	}
	if !parent.CanAllocate && !req.Actor.IsSystem() {
		return errorf(codeForbidden, "This allocation does not allow sub-allocations.")
	}

	// A child can never start before its parent.
	notBefore := max64(req.NotBefore, parent.NotBefore)
	if err := s.checkOverlapAncestors(parent, notBefore, req.NotAfter); err != nil {
		return *err
	}

	wallet := s.findWallet(req.Owner, parentWallet.Category)
	if wallet == nil {
		wallet = s.createWallet(ctx, req.Owner, parentWallet.Category)
	}
	if wallet == nil {
		return errorf(codeInternal, "Product category no longer exists: %s", parentWallet.Category)
	}

	canAllocate, allowSub := false, false
	if req.OwnerIsProject {
		canAllocate = parent.CanAllocate
		allowSub = parent.AllowSubAllocations
	}

	created := s.createAllocation(
		wallet.ID, req.Amount, parent.ID, notBefore, req.NotAfter,
		req.GrantedIn, canAllocate, allowSub,
	)

	now := s.clock()
	id := s.transactionID()
	s.rows = append(s.rows, Transaction{
		Kind:                 LedgerDeposit,
		AffectedAllocation:   created.ID,
		Change:               req.Amount,
		ActionPerformedBy:    req.Actor.Username,
		Description:          "Deposit",
		Category:             parentWallet.Category,
		SourceAllocation:     parent.ID,
		StartDate:            notBefore,
		EndDate:              req.NotAfter,
		Timestamp:            now,
		TransactionID:        id,
		InitialTransactionID: id,
	})

	return DepositResponse{CreatedAllocation: created.ID}
}
