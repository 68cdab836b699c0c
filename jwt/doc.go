// Package jwt issues and verifies the compact HMAC-signed tokens used by the
// identity engine: short-lived access tokens, long-lived refresh tokens and
// device-trust tokens. Each token kind is signed with its own key and carries
// a type discriminator that is checked on decode.
package jwt
