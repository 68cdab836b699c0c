// Package mfa holds the primitives behind multi-factor challenges: TOTP
// enrollment and validation, random numeric codes for SMS and email
// delivery, single-use backup codes, and the sealer that encrypts secrets
// and codes before they reach any store.
package mfa
