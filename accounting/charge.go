/*
charge.go - Debiting usage against an allocation tree

PURPOSE:
  A charge debits usage against the ancestor chain of each currently valid
  allocation of a wallet, under one of two policies:

  ABSOLUTE
    Irrevocable consumption. Each candidate allocation can cover at most
    the minimum current balance along its path to the root (never below
    zero). The charge succeeds only when the full amount is covered across
    every candidate; a partial charge reports failure.

  DIFFERENTIAL_QUOTA
    Reconciliation of metered, re-measurable usage. Every candidate first
    returns its previously recorded local usage to the hierarchy, then
    re-applies the largest amount the refreshed path allows. Whatever is
    still uncovered afterwards is split as evenly as possible across all
    candidates and deducted without bottleneck checks, deliberately
    allowing quotas to go into debt: a differential charge reports usage
    that already happened, it is not an admission check.

  Dry runs evaluate either policy fully and roll every node back; they
  never emit ledger rows.

LEDGER:
  One charge row per touched node, all sharing the operation's initial
  transaction id. Rows always carry the signed delta actually applied to
  the node so replaying the ledger reproduces balances exactly.

SEE ALSO:
  - txn.go: the commit/rollback discipline used per node
*/
package accounting

import (
	"context"

	"github.com/shopspring/decimal"
)

// chargeDescription is the normalized form of both charge request shapes.
type chargeDescription struct {
	actor     Actor
	owner     string
	category  Category
	amount    int64
	units     int64
	periods   int64
	productID string
	free      bool
	dryRun    bool
}

func (s *Store) describeRawCharge(req ChargeRequest) (chargeDescription, *ErrorResponse) {
	return chargeDescription{
		actor:    req.Actor,
		owner:    req.Owner,
		category: Category{Name: req.Category.Name, Provider: req.Category.Provider},
		amount:   req.Amount,
		dryRun:   req.DryRun,
	}, nil
}

func (s *Store) describeUsageCharge(ctx context.Context, req ChargeUsageRequest) (chargeDescription, *ErrorResponse) {
	product, ok := s.products.Product(ctx, req.Product)
	if !ok {
		err := errorf(codeBadRequest, "Could not find product information in charge request.")
		return chargeDescription{}, &err
	}
	// Price conversion is the only decimal arithmetic in the core: credits
	// are integral, prices may not be.
	amount := product.PricePerUnit.
		Mul(decimal.NewFromInt(req.Units)).
		Mul(decimal.NewFromInt(req.Periods)).
		IntPart()
	return chargeDescription{
		actor:     req.Actor,
		owner:     req.Owner,
		category:  Category{Name: req.Product.Category, Provider: req.Product.Provider},
		amount:    amount,
		units:     req.Units,
		periods:   req.Periods,
		productID: req.Product.ID,
		free:      product.FreeToUse,
		dryRun:    req.DryRun,
	}, nil
}

func (s *Store) charge(charge chargeDescription) Response {
	if charge.amount < 0 {
		return errorf(codeBadRequest, "Cannot charge a negative amount")
	}
	if charge.free {
		return ChargeResponse{Success: true}
	}

	wallet := s.findWallet(charge.owner, charge.category)
	if wallet == nil {
		return ChargeResponse{Success: false}
	}

	now := s.clock()
	candidates := s.validAllocationsOf(wallet.ID, now)
	if len(candidates) == 0 {
		return ChargeResponse{Success: false}
	}

	initialID := s.transactionID()

	switch wallet.ChargeType {
	case ChargeAbsolute:
		var charged int64
		for _, alloc := range candidates {
			if charged >= charge.amount {
				break
			}
			charged += s.absoluteCharge(charge, alloc.ID, charge.amount-charged, now, initialID)
		}
		success := charged == charge.amount
		if !success {
			chargesRejected.Inc()
		}
		return ChargeResponse{Success: success}

	case ChargeDifferentialQuota:
		// Every candidate is processed even when nothing is owed: returning
		// recorded usage can hand credit back to an allocation whose usage
		// dropped since the last report.
		var charged int64
		for _, alloc := range candidates {
			charged += s.differentialCharge(charge, alloc.ID, charge.amount-charged, now, initialID)
		}

		success := charged == charge.amount
		if !success {
			// The shortfall is split evenly across the candidates, remainder
			// to the first in iteration order, and deducted with no further
			// bottleneck checks. Quotas may go into debt here.
			missing := charge.amount - charged
			per := missing / int64(len(candidates))
			for i, alloc := range candidates {
				toCharge := per
				if i == 0 {
					toCharge += missing % int64(len(candidates))
				}
				s.deductWithoutChecks(charge, alloc.ID, toCharge, now, initialID)
			}
			chargesRejected.Inc()
		}
		return ChargeResponse{Success: success}

	default:
		return errorf(codeInternal, "Unknown charge type %q", wallet.ChargeType)
	}
}

// absoluteCharge charges up to amount against one allocation's path and
// returns how much was actually applied: the path bottleneck, clamped to
// zero.
func (s *Store) absoluteCharge(
	charge chargeDescription,
	leaf AllocID,
	amount int64,
	now int64,
	initialID string,
) int64 {
	bottleneck := amount
	s.walkToRoot(leaf, func(a *Allocation) bool {
		bottleneck = min64(bottleneck, a.CurrentBalance)
		return true
	})
	if bottleneck < 0 {
		bottleneck = 0
	}

	wallet := s.wallet(s.allocation(leaf).Wallet)
	s.walkToRoot(leaf, func(a *Allocation) bool {
		a.Begin()
		a.CurrentBalance -= bottleneck
		if a.ID == leaf {
			a.LocalBalance -= bottleneck
		}

		if charge.dryRun {
			a.Rollback()
			return true
		}
		a.Commit()
		s.rows = append(s.rows, s.chargeRow(charge, wallet, leaf, a.ID, -bottleneck, now, initialID))
		return true
	})
	return bottleneck
}

// differentialCharge returns the leaf's recorded local usage to every node
// on the path, re-applies the largest amount the refreshed path allows (up
// to amount) and returns it.
func (s *Store) differentialCharge(
	charge chargeDescription,
	leaf AllocID,
	amount int64,
	now int64,
	initialID string,
) int64 {
	leafAlloc := s.allocation(leaf)
	wallet := s.wallet(leafAlloc.Wallet)
	leafUsage := leafAlloc.LocalUsage()

	applied := amount
	s.walkToRoot(leaf, func(a *Allocation) bool {
		a.Begin()
		a.CurrentBalance += leafUsage
		if a.ID == leaf {
			a.LocalBalance += leafUsage
		}
		applied = min64(applied, a.CurrentBalance)
		return true
	})

	s.walkToRoot(leaf, func(a *Allocation) bool {
		a.CurrentBalance -= applied
		if a.ID == leaf {
			a.LocalBalance -= applied
		}

		if charge.dryRun {
			a.Rollback()
			return true
		}
		s.rows = append(s.rows, s.chargeRow(
			charge, wallet, leaf, a.ID, a.CurrentBalance-a.preImageCurrent(), now, initialID,
		))
		a.Commit()
		return true
	})
	return applied
}

// deductWithoutChecks applies an unconditional deduction along the path.
// Balances may go negative; invariants between the three balance fields
// still hold because current and local move together at the leaf.
func (s *Store) deductWithoutChecks(
	charge chargeDescription,
	leaf AllocID,
	amount int64,
	now int64,
	initialID string,
) {
	wallet := s.wallet(s.allocation(leaf).Wallet)
	s.walkToRoot(leaf, func(a *Allocation) bool {
		a.Begin()
		a.CurrentBalance -= amount
		if a.ID == leaf {
			a.LocalBalance -= amount
		}

		if charge.dryRun {
			a.Rollback()
			return true
		}
		a.Commit()
		s.rows = append(s.rows, s.chargeRow(charge, wallet, leaf, a.ID, -amount, now, initialID))
		return true
	})
}

func (s *Store) chargeRow(
	charge chargeDescription,
	wallet *Wallet,
	leaf AllocID,
	affected AllocID,
	change int64,
	now int64,
	initialID string,
) Transaction {
	return Transaction{
		Kind:                 LedgerCharge,
		AffectedAllocation:   affected,
		Change:               change,
		ActionPerformedBy:    charge.actor.Username,
		Description:          "Charge",
		Category:             wallet.Category,
		SourceAllocation:     leaf,
		ProductID:            charge.productID,
		Units:                charge.units,
		Periods:              charge.periods,
		Timestamp:            now,
		TransactionID:        s.transactionID(),
		InitialTransactionID: initialID,
	}
}
