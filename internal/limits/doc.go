// Package limits loads operator-tunable limiter overrides at startup.
//
// An SSM parameter names the current overrides document in S3. The
// document is a small JSON map of per-limiter settings (max attempts,
// window, lockout) that take precedence over compiled-in defaults.
// An optional KMS-backed verifier authenticates the document against a
// detached signature stored alongside it.
//
// Overrides are best effort: a missing parameter or object leaves the
// defaults in place.
package limits
