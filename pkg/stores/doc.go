// Package stores persists service events, hosts, per-instance notification
// status and the transition log.
//
// Two backends share one SQL implementation: SQLite (modernc.org/sqlite,
// no cgo) and PostgreSQL (pgx stdlib). Both migrate with golang-migrate from
// embedded, per-dialect migrations. Transactions returned by BeginTx hold an
// exclusive lock on the event they load with LockForUpdate until Commit or
// Rollback: SELECT ... FOR UPDATE on PostgreSQL, BEGIN IMMEDIATE on SQLite.
package stores
