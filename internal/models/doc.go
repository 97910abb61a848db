// Package models defines the domain records of the party financial lifecycle.
//
// # Records
//
//   - Party, PartyMember: the shared-subscription group and its memberships
//   - Deposit: the leader's escrowed guarantee
//   - Payment: one member's monthly due
//   - Settlement, SettlementDetail: the monthly payout and its line items
//   - AccountVerification, Account: micro-deposit ownership proof and the
//     resulting payout destination
//   - TransferTransaction: ledger entry for one outbound bank transfer
//   - Event: notification emitted on money movements
//
// # Conventions
//
//  1. Amounts are int64 in the smallest currency unit (won). No floats touch money.
//  2. Timestamps are Unix seconds, zero meaning "not set".
//  3. Relationships are ID strings, never pointers.
//  4. Statuses are plain string tags; display text lives in StatusLabel and
//     nothing in the state machines reads it.
package models
