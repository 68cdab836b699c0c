// Package password hashes and verifies login passwords with Argon2id.
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Password policy (minimum length, reuse) belongs to the identity engine; this
// package only hashes, verifies and reports when stored parameters are stale.
package password
