// Package middleware exposes net/http adapters for access-token
// authorization on top of identity.Engine.
//
// # Guards
//
//   - [Guard] verifies the bearer token through Engine.Authorize and injects
//     the claims with identity.WithClaims.
//   - [RequirePermission] checks one permission on the injected claims.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does NOT
// implement authentication logic itself; all decisions are delegated to
// Engine.Authorize and Engine.RequirePermission.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to Engine).
//   - Access Redis (Engine handles I/O).
//   - Make authorization decisions beyond pass/reject from Engine.
package middleware
