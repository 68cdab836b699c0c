// Package stores holds the Redis-backed shared key-value stores of the
// identity engine: the token revocation set, the login throttle table and
// the MFA challenge table.
//
// Each record is a versioned binary value with a TTL. Read-modify-write
// sequences (throttle check, failure recording, challenge attempt counting)
// run inside WATCH/MULTI transactions and retry on contention, so two
// concurrent requests can never both pass a check that the first should
// have tripped.
//
// The stores never read the wall clock for decisions; callers pass now.
package stores
