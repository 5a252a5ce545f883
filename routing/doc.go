// Package routing holds the message router pieces the capabilities
// directory talks to: a participant routing table with reference counts and
// the provider of this node's own global transport address.
package routing
