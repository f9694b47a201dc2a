/*
txn.go - Begin/commit/rollback staging on a single allocation

PURPOSE:
  Every mutating operation on an Allocation follows the same discipline:
  Begin snapshots the mutable fields, the engine edits the struct in place,
  and the operation ends in either Commit (validate and keep) or Rollback
  (restore the snapshot exactly). Dry-run charges always end in Rollback.

FAILURE MODEL:
  The store is single-writer, so a second Begin on an allocation that is
  already staged is a bug in an engine, not a retryable condition. The same
  goes for a Commit that would break a balance or ordering invariant: the
  ledger must never silently absorb corrupted money-like quantities. Both
  conditions panic with enough context to locate the offending operation.

SEE ALSO:
  - charge.go, deposit.go, update.go: the engines driving this protocol
*/
package accounting

import "fmt"

// pendingChange is the pre-image of an allocation's mutable fields, held
// while a transaction is open.
type pendingChange struct {
	notBefore int64
	notAfter  int64
	initial   int64
	current   int64
	local     int64
	grantedIn int64
}

// Begin opens a transaction on the allocation, snapshotting every mutable
// field. Panics if a transaction is already open.
func (a *Allocation) Begin() {
	if a.pending != nil {
		panic(fmt.Sprintf("accounting: allocation %d: transaction already open", a.ID))
	}
	a.pending = &pendingChange{
		notBefore: a.NotBefore,
		notAfter:  a.NotAfter,
		initial:   a.InitialBalance,
		current:   a.CurrentBalance,
		local:     a.LocalBalance,
		grantedIn: a.GrantedIn,
	}
}

// InProgress reports whether a transaction is open on the allocation.
func (a *Allocation) InProgress() bool { return a.pending != nil }

// Commit closes the open transaction, marking the allocation dirty if any
// staged field differs from the pre-image, then re-validates all
// invariants. Panics if no transaction is open or an invariant is broken.
func (a *Allocation) Commit() {
	p := a.pending
	if p == nil {
		panic(fmt.Sprintf("accounting: allocation %d: commit without begin", a.ID))
	}

	a.Dirty = a.Dirty ||
		p.notBefore != a.NotBefore ||
		p.notAfter != a.NotAfter ||
		p.initial != a.InitialBalance ||
		p.current != a.CurrentBalance ||
		p.local != a.LocalBalance ||
		p.grantedIn != a.GrantedIn
	a.pending = nil

	a.VerifyIntegrity()
}

// Rollback closes the open transaction and restores the pre-image exactly.
// Panics if no transaction is open.
func (a *Allocation) Rollback() {
	p := a.pending
	if p == nil {
		panic(fmt.Sprintf("accounting: allocation %d: rollback without begin", a.ID))
	}

	a.NotBefore = p.notBefore
	a.NotAfter = p.notAfter
	a.InitialBalance = p.initial
	a.CurrentBalance = p.current
	a.LocalBalance = p.local
	a.GrantedIn = p.grantedIn
	a.pending = nil
}

// preImageCurrent returns the staged pre-image of CurrentBalance. Only
// meaningful while a transaction is open; used to derive signed ledger
// deltas for differential charges.
func (a *Allocation) preImageCurrent() int64 {
	if a.pending == nil {
		return a.CurrentBalance
	}
	return a.pending.current
}

// VerifyIntegrity panics unless every allocation invariant holds:
//
//	notAfter >= notBefore
//	0 <= initialBalance
//	currentBalance <= localBalance <= initialBalance
//	id > parent id (above the legacy threshold)
func (a *Allocation) VerifyIntegrity() {
	if a.NotAfter < a.NotBefore {
		panic(fmt.Sprintf("accounting: allocation %d: notAfter < notBefore (%d < %d)", a.ID, a.NotAfter, a.NotBefore))
	}
	if a.InitialBalance < 0 {
		panic(fmt.Sprintf("accounting: allocation %d: initialBalance < 0 (%d)", a.ID, a.InitialBalance))
	}
	if a.CurrentBalance > a.InitialBalance {
		panic(fmt.Sprintf("accounting: allocation %d: currentBalance > initialBalance (%d > %d)", a.ID, a.CurrentBalance, a.InitialBalance))
	}
	if a.LocalBalance > a.InitialBalance {
		panic(fmt.Sprintf("accounting: allocation %d: localBalance > initialBalance (%d > %d)", a.ID, a.LocalBalance, a.InitialBalance))
	}
	if a.CurrentBalance > a.LocalBalance {
		panic(fmt.Sprintf("accounting: allocation %d: currentBalance > localBalance (%d > %d)", a.ID, a.CurrentBalance, a.LocalBalance))
	}
	if a.Parent != NoParent && a.ID > legacyOrderingThreshold && a.ID <= a.Parent {
		panic(fmt.Sprintf("accounting: allocation %d: id <= parent id (%d)", a.ID, a.Parent))
	}
}
