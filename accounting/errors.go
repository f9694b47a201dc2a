/*
errors.go - Centralized error taxonomy for the accounting core

PURPOSE:
  Three of the four failure classes from the design live here:

  1. Validation errors: bad input (negative amounts, unknown ids, missing
     permission). Surfaced as a typed ErrorResponse with an HTTP-like code
     through the request loop, never as a Go error and never fatal.
  2. Coordination and storage errors: ordinary Go errors wrapped with
     context, retried or surfaced by the caller.
  3. Invariant violations: panics raised in txn.go; they indicate a bug in
     an engine and must never be swallowed.

SEE ALSO:
  - request.go: ErrorResponse, the validation-error carrier
  - txn.go: invariant panics
*/
package accounting

import "errors"

// ErrLoadInProgress is returned when a synchronize attempt overlaps the
// initial database load.
var ErrLoadInProgress = errors.New("durable load in progress")

// Validation response codes follow HTTP semantics.
const (
	codeBadRequest = 400
	codeForbidden  = 403
	codeNotFound   = 404
	codeLocked     = 423
	codeInternal   = 500
)
