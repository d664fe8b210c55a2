// Package ratelimit provides per-IP request-flood limiting with
// background eviction of idle entries.
//
// This is a single-instance, in-memory token-bucket limiter for basic
// abuse prevention in front of the public submission endpoint. It does
// not protect against distributed attacks; upstream WAF/CDN filtering
// handles those. Failure-count lockouts are a separate concern, handled
// by the attempt package.
package ratelimit
