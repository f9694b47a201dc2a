/*
Package sqlite provides the SQLite-backed durable storage for the
accounting core.

PURPOSE:
  Implements accounting.Persistence (streamed loads, atomic flush) and
  catalog.Source (product and project snapshots). In production the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  wallets:               One row per (owner, category) pair
  allocations:           The hierarchy; path is dot-separated, root first
  transactions:          Immutable ledger of all balance changes
  grant_deposits:        Approved grants awaiting replay into allocations
  gift_claims:           Claimed gifts awaiting replay into allocations
  deposit_notifications: Outbox for provider pull notifications
  product_categories, products, projects, project_members: the catalog

APPEND-ONLY ENFORCEMENT:
  transactions rows are only ever inserted. Flush uses INSERT OR IGNORE
  keyed on transaction_id, so re-flushing a batch after a partial failure
  is safe.

NULL MAPPING:
  Sentinel values stay out of the database: not_after NULL stands for
  accounting.NoExpiration, parent_id NULL for accounting.NoParent, and
  granted_in NULL for "not from a grant".

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/accounting.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - accounting/persistence.go: Interface definition
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/allocation-engine/accounting"
)

// Store implements accounting.Persistence and catalog.Source over SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		id INTEGER PRIMARY KEY,
		owner TEXT NOT NULL,
		category_name TEXT NOT NULL,
		category_provider TEXT NOT NULL,
		charge_policy TEXT NOT NULL,
		product_type TEXT NOT NULL,
		charge_type TEXT NOT NULL,
		unit TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_wallets_owner_category
		ON wallets(owner, category_name, category_provider);

	CREATE TABLE IF NOT EXISTS allocations (
		id INTEGER PRIMARY KEY,
		wallet_id INTEGER NOT NULL REFERENCES wallets(id),
		parent_id INTEGER,
		path TEXT NOT NULL,
		not_before INTEGER NOT NULL,
		not_after INTEGER,
		initial_balance INTEGER NOT NULL,
		current_balance INTEGER NOT NULL,
		local_balance INTEGER NOT NULL,
		granted_in INTEGER,
		can_allocate BOOLEAN NOT NULL DEFAULT FALSE,
		allow_sub_allocations BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_wallet
		ON allocations(wallet_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_parent
		ON allocations(parent_id) WHERE parent_id IS NOT NULL;

	-- Immutable ledger (append-only; INSERT OR IGNORE keyed on transaction_id)
	CREATE TABLE IF NOT EXISTS transactions (
		transaction_id TEXT PRIMARY KEY,
		initial_transaction_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		affected_allocation INTEGER NOT NULL,
		change INTEGER NOT NULL,
		action_performed_by TEXT NOT NULL,
		description TEXT NOT NULL,
		category_name TEXT NOT NULL,
		category_provider TEXT NOT NULL,
		source_allocation INTEGER,
		product_id TEXT,
		units INTEGER NOT NULL DEFAULT 0,
		periods INTEGER NOT NULL DEFAULT 0,
		start_date INTEGER NOT NULL DEFAULT 0,
		end_date INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_affected
		ON transactions(affected_allocation);
	CREATE INDEX IF NOT EXISTS idx_transactions_initial
		ON transactions(initial_transaction_id);

	CREATE TABLE IF NOT EXISTS grant_deposits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		grant_id INTEGER NOT NULL,
		recipient TEXT NOT NULL,
		recipient_is_project BOOLEAN NOT NULL,
		source_allocation INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		not_before INTEGER NOT NULL,
		not_after INTEGER,
		synchronized BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_grant_deposits_pending
		ON grant_deposits(synchronized) WHERE synchronized = FALSE;

	CREATE TABLE IF NOT EXISTS gift_claims (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		gift_id INTEGER NOT NULL,
		username TEXT NOT NULL,
		gifter_owner TEXT NOT NULL,
		category_name TEXT NOT NULL,
		category_provider TEXT NOT NULL,
		amount INTEGER NOT NULL,
		synchronized BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_gift_claims_pending
		ON gift_claims(synchronized) WHERE synchronized = FALSE;

	-- Outbox consumed by provider integrations
	CREATE TABLE IF NOT EXISTS deposit_notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner TEXT NOT NULL,
		category_name TEXT NOT NULL,
		category_provider TEXT NOT NULL,
		balance INTEGER NOT NULL
	);

	-- Catalog
	CREATE TABLE IF NOT EXISTS product_categories (
		name TEXT NOT NULL,
		provider TEXT NOT NULL,
		product_type TEXT NOT NULL,
		charge_type TEXT NOT NULL,
		unit TEXT NOT NULL,
		PRIMARY KEY (name, provider)
	);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT NOT NULL,
		category_name TEXT NOT NULL,
		category_provider TEXT NOT NULL,
		price_per_unit TEXT NOT NULL,
		free_to_use BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (id, category_name, category_provider, version)
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		pi TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS project_members (
		username TEXT NOT NULL,
		project_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (username, project_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STREAMED LOADS (accounting.Persistence)
// =============================================================================

// LoadWallets streams wallet rows in increasing id order.
func (s *Store) LoadWallets(ctx context.Context, fn func(accounting.WalletRow) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, owner, category_name, category_provider, charge_policy,
		       product_type, charge_type, unit
		FROM wallets
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var w accounting.WalletRow
		if err := rows.Scan(
			&w.ID, &w.Owner, &w.Category.Name, &w.Category.Provider,
			&w.ChargePolicy, &w.ProductType, &w.ChargeType, &w.Unit,
		); err != nil {
			return fmt.Errorf("failed to scan wallet: %w", err)
		}
		if err := fn(w); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LoadAllocations streams allocation rows in increasing id order.
func (s *Store) LoadAllocations(ctx context.Context, fn func(accounting.AllocationRow) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, wallet_id, parent_id, path, not_before, not_after,
		       initial_balance, current_balance, local_balance, granted_in,
		       can_allocate, allow_sub_allocations
		FROM allocations
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a accounting.AllocationRow
		var parent, notAfter, grantedIn sql.NullInt64
		if err := rows.Scan(
			&a.ID, &a.Wallet, &parent, &a.Path, &a.NotBefore, &notAfter,
			&a.InitialBalance, &a.CurrentBalance, &a.LocalBalance, &grantedIn,
			&a.CanAllocate, &a.AllowSubAllocations,
		); err != nil {
			return fmt.Errorf("failed to scan allocation: %w", err)
		}
		a.Parent = accounting.NoParent
		if parent.Valid {
			a.Parent = accounting.AllocID(parent.Int64)
		}
		a.NotAfter = accounting.NoExpiration
		if notAfter.Valid {
			a.NotAfter = notAfter.Int64
		}
		if grantedIn.Valid {
			a.GrantedIn = grantedIn.Int64
		}
		if err := fn(a); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LedgerSums returns the summed signed change per allocation across the
// whole transaction log.
func (s *Store) LedgerSums(ctx context.Context) (map[accounting.AllocID]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT affected_allocation, SUM(change) FROM transactions GROUP BY affected_allocation")
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger sums: %w", err)
	}
	defer rows.Close()

	sums := make(map[accounting.AllocID]int64)
	for rows.Next() {
		var id accounting.AllocID
		var sum int64
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan ledger sum: %w", err)
		}
		sums[id] = sum
	}
	return sums, rows.Err()
}

// PendingGrantDeposits returns approved-but-unsynchronized grants.
func (s *Store) PendingGrantDeposits(ctx context.Context) ([]accounting.GrantDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT grant_id, recipient, recipient_is_project, source_allocation,
		       amount, not_before, not_after
		FROM grant_deposits
		WHERE synchronized = FALSE
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query grant deposits: %w", err)
	}
	defer rows.Close()

	var grants []accounting.GrantDeposit
	for rows.Next() {
		var g accounting.GrantDeposit
		var notAfter sql.NullInt64
		if err := rows.Scan(
			&g.GrantID, &g.Recipient, &g.RecipientProject, &g.SourceAllocation,
			&g.Amount, &g.NotBefore, &notAfter,
		); err != nil {
			return nil, fmt.Errorf("failed to scan grant deposit: %w", err)
		}
		g.NotAfter = accounting.NoExpiration
		if notAfter.Valid {
			g.NotAfter = notAfter.Int64
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// PendingGiftClaims returns claimed-but-unsynchronized gifts.
func (s *Store) PendingGiftClaims(ctx context.Context) ([]accounting.GiftClaim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT gift_id, username, gifter_owner, category_name, category_provider, amount
		FROM gift_claims
		WHERE synchronized = FALSE
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query gift claims: %w", err)
	}
	defer rows.Close()

	var gifts []accounting.GiftClaim
	for rows.Next() {
		var g accounting.GiftClaim
		if err := rows.Scan(
			&g.GiftID, &g.Username, &g.GifterOwner,
			&g.Category.Name, &g.Category.Provider, &g.Amount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan gift claim: %w", err)
		}
		gifts = append(gifts, g)
	}
	return gifts, rows.Err()
}

// =============================================================================
// FLUSH (accounting.Persistence)
// =============================================================================

// Flush writes one synchronize cycle's batch atomically: wallets first,
// then allocations, then ledger rows, then synchronized flags and the
// notification outbox. All-or-nothing, so a failed flush leaves in-memory
// dirty flags authoritative and re-flushing the same batch is safe.
func (s *Store) Flush(ctx context.Context, batch accounting.FlushBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, w := range batch.Wallets {
		if err := upsertWallet(ctx, tx, w); err != nil {
			return err
		}
	}
	for _, a := range batch.Allocations {
		if err := upsertAllocation(ctx, tx, a); err != nil {
			return err
		}
	}
	for _, row := range batch.Transactions {
		if err := insertTransaction(ctx, tx, row); err != nil {
			return err
		}
	}
	for _, grantID := range batch.SyncedGrants {
		if _, err := tx.ExecContext(ctx,
			"UPDATE grant_deposits SET synchronized = TRUE WHERE grant_id = ?", grantID); err != nil {
			return fmt.Errorf("failed to mark grant %d synchronized: %w", grantID, err)
		}
	}
	for _, giftID := range batch.SyncedGifts {
		if _, err := tx.ExecContext(ctx,
			"UPDATE gift_claims SET synchronized = TRUE WHERE gift_id = ?", giftID); err != nil {
			return fmt.Errorf("failed to mark gift %d synchronized: %w", giftID, err)
		}
	}
	for _, n := range batch.Notifications {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deposit_notifications (owner, category_name, category_provider, balance)
			 VALUES (?, ?, ?, ?)`,
			n.Owner, n.Category.Name, n.Category.Provider, n.Balance); err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
	}

	return tx.Commit()
}

func upsertWallet(ctx context.Context, tx *sql.Tx, w accounting.WalletRow) error {
	query := `
		INSERT INTO wallets (id, owner, category_name, category_provider,
			charge_policy, product_type, charge_type, unit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			charge_policy = excluded.charge_policy
	`

	_, err := tx.ExecContext(ctx, query,
		w.ID, w.Owner, w.Category.Name, w.Category.Provider,
		w.ChargePolicy, w.ProductType, w.ChargeType, w.Unit,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert wallet %d: %w", w.ID, err)
	}
	return nil
}

func upsertAllocation(ctx context.Context, tx *sql.Tx, a accounting.AllocationRow) error {
	query := `
		INSERT INTO allocations (id, wallet_id, parent_id, path, not_before,
			not_after, initial_balance, current_balance, local_balance,
			granted_in, can_allocate, allow_sub_allocations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			not_before = excluded.not_before,
			not_after = excluded.not_after,
			initial_balance = excluded.initial_balance,
			current_balance = excluded.current_balance,
			local_balance = excluded.local_balance,
			granted_in = excluded.granted_in,
			can_allocate = excluded.can_allocate,
			allow_sub_allocations = excluded.allow_sub_allocations
	`

	_, err := tx.ExecContext(ctx, query,
		a.ID, a.Wallet, nullAllocID(a.Parent), a.Path, a.NotBefore,
		nullExpiry(a.NotAfter), a.InitialBalance, a.CurrentBalance,
		a.LocalBalance, nullInt64(a.GrantedIn), a.CanAllocate, a.AllowSubAllocations,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert allocation %d: %w", a.ID, err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, row accounting.Transaction) error {
	query := `
		INSERT OR IGNORE INTO transactions
		(transaction_id, initial_transaction_id, kind, affected_allocation,
		 change, action_performed_by, description, category_name,
		 category_provider, source_allocation, product_id, units, periods,
		 start_date, end_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := tx.ExecContext(ctx, query,
		row.TransactionID, row.InitialTransactionID, row.Kind,
		row.AffectedAllocation, row.Change, row.ActionPerformedBy,
		row.Description, row.Category.Name, row.Category.Provider,
		nullAllocID(row.SourceAllocation), nullString(row.ProductID),
		row.Units, row.Periods, row.StartDate, nullExpiry(row.EndDate),
		row.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", row.TransactionID, err)
	}
	return nil
}

// =============================================================================
// ADMIN WRITES (grants, gifts, catalog seeding)
// =============================================================================

// AddGrantDeposit records an approved grant for the next replay.
func (s *Store) AddGrantDeposit(ctx context.Context, g accounting.GrantDeposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grant_deposits
		(grant_id, recipient, recipient_is_project, source_allocation, amount, not_before, not_after)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.GrantID, g.Recipient, g.RecipientProject, g.SourceAllocation,
		g.Amount, g.NotBefore, nullExpiry(g.NotAfter),
	)
	return err
}

// AddGiftClaim records a claimed gift for the next replay.
func (s *Store) AddGiftClaim(ctx context.Context, g accounting.GiftClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gift_claims (gift_id, username, gifter_owner, category_name, category_provider, amount)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.GiftID, g.Username, g.GifterOwner, g.Category.Name, g.Category.Provider, g.Amount,
	)
	return err
}

// Helper functions

func nullAllocID(id accounting.AllocID) sql.NullInt64 {
	if id == accounting.NoParent {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(id), Valid: true}
}

func nullExpiry(v int64) sql.NullInt64 {
	if v == accounting.NoExpiration {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
