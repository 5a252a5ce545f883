// Package server is the admin HTTP server: a Gin engine served over
// HTTP/1.1 and h2c.
//
// Every request passes Recovery, RequestID, RequestLogger, Metrics and
// BodySizeLimit, in that order. RegisterDefaultEndpoints adds /health,
// /ready, /alive, /info, /version and /debug/runtime; those paths are
// neither logged nor measured.
package server
