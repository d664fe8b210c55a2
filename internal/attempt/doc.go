// Package attempt tracks failed attempts per identity (client IP or
// normalized email) and enforces temporary lockouts once a failure
// threshold is reached within a rolling window.
//
// The read path (Check) and the write path (RecordFailure/RecordSuccess)
// are deliberately separate: gating a request never increments counters,
// so a single login attempt that is checked more than once is not
// double-counted. The window is measured from the first failure after a
// reset, not from a calendar boundary. An active lockout always blocks,
// even after the counting window has expired.
//
// State is in-memory and per-process. Horizontally scaled deployments
// rate-limit independently per instance; there is no cross-process
// coordination.
package attempt
