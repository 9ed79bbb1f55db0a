// Package idempotency records which billing event ids have been seen so a
// redelivered event is acknowledged without being applied twice.
//
// Three ledgers share the Ledger interface: RedisLedger (SET NX with a TTL),
// PgLedger (billing_events_seen table, pruned periodically) and MemoryLedger
// for tests and local development. Entries expire after the retention window,
// which must cover the providers' redelivery windows.
package idempotency
