// Package couponhttp implements the public HTTP surface: tenant login
// and the coupon submission endpoint.
//
// Login is guarded by two independent failure limiters, one keyed by
// client IP and one by normalized email, so an attacker rotating
// addresses still locks the targeted account and an attacker rotating
// accounts still locks the source address. Submission is guarded by a
// request-flood limiter plus a per-IP failure limiter for invalid
// payloads.
package couponhttp
