// Package cryptoutil holds small crypto helpers: digest utilities and a
// KMS-backed signature verifier used to authenticate the limit-overrides
// document fetched from S3.
package cryptoutil
