// Package session implements the token's session engine: the PKCS#11
// operation lifecycle (encrypt, decrypt, sign, verify, digest) over
// objects held in the token and session object pools, with key
// generation in software or delegated to a hardware key backend.
//
// A Session owns one context per operation kind. Callers drive each
// context through Init, zero or more Updates, and a Final (or a single
// SinglePart call). Output-producing steps follow the PKCS#11
// short-buffer protocol: when the caller's capacity is too small the
// step reports the required length with CKR_BUFFER_TOO_SMALL and keeps
// the computed output for exactly one subsequent retrieval.
//
// A Session is not safe for concurrent use; its methods are expected to
// be called serially by one logical caller. The object pools and the
// hardware backend may be shared across sessions and synchronize
// internally.
package session
