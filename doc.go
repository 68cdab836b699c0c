// Package identity is the authentication and authorization core of the
// Crop-AI platform: password login with layered lockouts, MFA challenges,
// signed access and refresh tokens with revocation, role-based permissions,
// trusted devices and a login audit trail.
//
// The package is designed for concurrent server workloads: Engine methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// identity is the public surface. It exposes [Engine], [Builder], [Config]
// and value types (LoginResult, TokenPair, SetupResult, etc.). Persistent
// entities go through a [store.Store]; the revocation set, throttle
// records, MFA challenges and reset codes live in Redis so every instance
// sees the same state. Each read-modify-write on those records is atomic
// per key.
//
// # What this package must NOT do
//
//   - Hold process-wide state. Every collaborator is passed to the Builder.
//   - Tell an unknown identifier apart from a wrong password in its result.
//   - Return a denial without writing its audit entry first.
//   - Log codes, secrets or tokens.
//
// # Time
//
// All expiry decisions use the injected [Clock]. Tests drive lockouts and
// challenge expiry by advancing it.
package identity
