/*
ledger.go - Append-only transaction rows

PURPOSE:
  Every balance change is recorded as an immutable Transaction row and
  buffered in memory until the next synchronize cycle flushes it to durable
  storage. The ledger is the reconciliation baseline: for any allocation,
  the sum of Change over its rows equals its current balance delta from
  zero. The loader can verify this at startup.

GROUPING:
  A single logical operation (one charge, one deposit, one update) may emit
  several rows as its effect ripples through the ancestor chain. Every row
  gets its own TransactionID; all rows of one operation share an
  InitialTransactionID.

SEE ALSO:
  - sync.go: flushing buffered rows
  - loader.go: replay verification
*/
package accounting

// LedgerKind discriminates transaction rows.
type LedgerKind string

const (
	LedgerDeposit LedgerKind = "deposit"
	LedgerCharge  LedgerKind = "charge"
	LedgerUpdate  LedgerKind = "allocation_update"
)

// Transaction is one immutable ledger row. Fields that do not apply to a
// kind are left at their zero value (SourceAllocation uses NoParent).
type Transaction struct {
	Kind               LedgerKind
	AffectedAllocation AllocID
	Change             int64 // signed delta applied to CurrentBalance
	ActionPerformedBy  string
	Description        string
	Category           Category

	// SourceAllocation is the charged leaf for charge rows, NoParent
	// otherwise.
	SourceAllocation AllocID

	// Product usage details, charge rows only.
	ProductID string
	Units     int64
	Periods   int64

	// Validity window, deposit and update rows only.
	StartDate int64
	EndDate   int64 // NoExpiration when unbounded

	Timestamp int64

	TransactionID        string // unique per row
	InitialTransactionID string // shared by all rows of one operation
}
