// Package errors provides the unified runtime error type used across capdir.
//
// AppError carries a machine-readable code, an HTTP status hint and a
// retryable flag. It represents the unmodeled failure channel of remote
// directory calls; modeled discovery errors live in the capabilities package.
// A timeout is distinguished by ErrCodeTimeout and detected with IsTimeout.
package errors
