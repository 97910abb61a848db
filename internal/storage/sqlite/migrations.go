package sqlite

import "database/sql"

// schema sets up the ledger tables. It runs on startup to ensure tables exist.
// Partial unique indexes carry the one-live-row invariants: one non-LEFT
// membership per (party, user), one HELD deposit per member, one non-FAILED
// payment per (member, month), one non-archived settlement per (party, month),
// one active account per user.
const schema = `
CREATE TABLE IF NOT EXISTS parties (
    id TEXT PRIMARY KEY,
    leader_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    capacity INTEGER NOT NULL CHECK (capacity >= 2),
    monthly_fee INTEGER NOT NULL CHECK (monthly_fee >= 0),
    deposit_amount INTEGER NOT NULL CHECK (deposit_amount >= 0),
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    closed_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS party_members (
    id TEXT PRIMARY KEY,
    party_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    role TEXT NOT NULL,
    status TEXT NOT NULL,
    joined_at INTEGER NOT NULL,
    activated_at INTEGER NOT NULL DEFAULT 0,
    left_at INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (party_id) REFERENCES parties(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS deposits (
    id TEXT PRIMARY KEY,
    party_id TEXT NOT NULL,
    party_member_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    amount INTEGER NOT NULL CHECK (amount > 0),
    status TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    payment_key TEXT NOT NULL DEFAULT '',
    order_id TEXT NOT NULL DEFAULT '',
    payment_method TEXT NOT NULL DEFAULT '',
    refund_attempts INTEGER NOT NULL DEFAULT 0,
    next_refund_at INTEGER NOT NULL DEFAULT 0,
    refund_paid INTEGER NOT NULL DEFAULT 0,
    refund_stuck INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    resolved_at INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (party_id) REFERENCES parties(id),
    FOREIGN KEY (party_member_id) REFERENCES party_members(id)
);

CREATE TABLE IF NOT EXISTS payments (
    id TEXT PRIMARY KEY,
    party_id TEXT NOT NULL,
    party_member_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    target_month TEXT NOT NULL,
    amount INTEGER NOT NULL CHECK (amount > 0),
    status TEXT NOT NULL,
    order_id TEXT NOT NULL UNIQUE,
    payment_key TEXT NOT NULL DEFAULT '',
    payment_method TEXT NOT NULL DEFAULT '',
    fail_reason TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (party_id) REFERENCES parties(id),
    FOREIGN KEY (party_member_id) REFERENCES party_members(id)
);

CREATE TABLE IF NOT EXISTS settlements (
    id TEXT PRIMARY KEY,
    party_id TEXT NOT NULL,
    leader_id TEXT NOT NULL,
    target_month TEXT NOT NULL,
    gross_amount INTEGER NOT NULL CHECK (gross_amount >= 0),
    fee_amount INTEGER NOT NULL CHECK (fee_amount >= 0),
    net_amount INTEGER NOT NULL,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt_at INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    halted INTEGER NOT NULL DEFAULT 0,
    archived INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    completed_at INTEGER NOT NULL DEFAULT 0,
    CHECK (net_amount = gross_amount - fee_amount),
    FOREIGN KEY (party_id) REFERENCES parties(id)
);

CREATE TABLE IF NOT EXISTS settlement_details (
    id TEXT PRIMARY KEY,
    settlement_id TEXT NOT NULL,
    payment_id TEXT NOT NULL,
    party_member_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    amount INTEGER NOT NULL,
    UNIQUE (settlement_id, payment_id),
    FOREIGN KEY (settlement_id) REFERENCES settlements(id),
    FOREIGN KEY (payment_id) REFERENCES payments(id)
);

CREATE TABLE IF NOT EXISTS account_verifications (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    bank_code TEXT NOT NULL,
    account_num TEXT NOT NULL,
    holder_name TEXT NOT NULL,
    verify_code_hash TEXT NOT NULL,
    bank_tran_id TEXT NOT NULL UNIQUE,
    fintech_use_num TEXT NOT NULL DEFAULT '',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL,
    status TEXT NOT NULL,
    expires_at INTEGER NOT NULL,
    verified_at INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    bank_code TEXT NOT NULL,
    account_num_masked TEXT NOT NULL,
    holder_name TEXT NOT NULL,
    fintech_use_num TEXT NOT NULL DEFAULT '',
    verification_id TEXT NOT NULL,
    active INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    deactivated_at INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (verification_id) REFERENCES account_verifications(id)
);

CREATE TABLE IF NOT EXISTS transfer_transactions (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    reference_id TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    bank_tran_id TEXT NOT NULL UNIQUE,
    bank_code TEXT NOT NULL,
    fintech_use_num TEXT NOT NULL,
    amount INTEGER NOT NULL CHECK (amount > 0),
    memo TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    response_code TEXT NOT NULL DEFAULT '',
    response_message TEXT NOT NULL DEFAULT '',
    failure_class TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (kind, reference_id, attempt)
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_party_members_live ON party_members(party_id, user_id) WHERE status != 'LEFT';
CREATE UNIQUE INDEX IF NOT EXISTS ux_deposits_held ON deposits(party_id, party_member_id) WHERE status = 'HELD';
CREATE UNIQUE INDEX IF NOT EXISTS ux_payments_member_month ON payments(party_member_id, target_month) WHERE status != 'FAILED';
CREATE UNIQUE INDEX IF NOT EXISTS ux_settlements_party_month ON settlements(party_id, target_month) WHERE archived = 0;
CREATE UNIQUE INDEX IF NOT EXISTS ux_accounts_active ON accounts(user_id) WHERE active = 1;

CREATE INDEX IF NOT EXISTS idx_party_members_party_id ON party_members(party_id);
CREATE INDEX IF NOT EXISTS idx_payments_party_month ON payments(party_id, target_month, status);
CREATE INDEX IF NOT EXISTS idx_settlements_due ON settlements(status, halted, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_settlement_details_settlement_id ON settlement_details(settlement_id);
CREATE INDEX IF NOT EXISTS idx_verifications_pending ON account_verifications(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_transfers_pending ON transfer_transactions(status, created_at);

CREATE TRIGGER IF NOT EXISTS trg_transfer_final BEFORE UPDATE ON transfer_transactions
WHEN OLD.status != 'PENDING'
BEGIN
    SELECT RAISE(ABORT, 'transfer is final');
END;

CREATE TRIGGER IF NOT EXISTS trg_transfer_no_delete BEFORE DELETE ON transfer_transactions
BEGIN
    SELECT RAISE(ABORT, 'transfers are never deleted');
END;

CREATE TRIGGER IF NOT EXISTS trg_settlement_details_immutable BEFORE UPDATE ON settlement_details
BEGIN
    SELECT RAISE(ABORT, 'settlement details are immutable');
END;

CREATE TRIGGER IF NOT EXISTS trg_settlement_details_no_delete BEFORE DELETE ON settlement_details
BEGIN
    SELECT RAISE(ABORT, 'settlement details are immutable');
END;
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
