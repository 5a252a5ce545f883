package memory

import (
	"context"
	"time"

	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/capabilities/remote"
)

// Client talks to a Backend on behalf of one cluster controller. Callbacks
// run on the calling goroutine.
type Client struct {
	backend *Backend
	owner   string
}

var _ remote.Client = (*Client)(nil)

// NewClient returns a client acting as clusterControllerID.
func NewClient(backend *Backend, clusterControllerID string) *Client {
	return &Client{backend: backend, owner: clusterControllerID}
}

func (c *Client) Add(cb capabilities.Callback[struct{}], entry capabilities.GlobalDiscoveryEntry, _ time.Duration, gbids []string) {
	cb(result(struct{}{}, c.backend.Add(c.owner, entry, gbids)))
}

func (c *Client) Remove(cb capabilities.Callback[struct{}], participantID string, gbids []string) {
	cb(result(struct{}{}, c.backend.Remove(participantID, gbids)))
}

func (c *Client) Lookup(cb capabilities.Callback[capabilities.GlobalDiscoveryEntry], participantID string, _ time.Duration, gbids []string) {
	cb(result(c.backend.Lookup(participantID, gbids)))
}

func (c *Client) LookupDomains(cb capabilities.Callback[[]capabilities.GlobalDiscoveryEntry], domains []string, interfaceName string,
	_ time.Duration, gbids []string) {
	cb(result(c.backend.LookupDomains(domains, interfaceName, gbids)))
}

func (c *Client) Touch(cb capabilities.Callback[struct{}], participantIDs []string, gbid string) {
	cb(result(struct{}{}, c.backend.Touch(c.owner, participantIDs, gbid)))
}

func (c *Client) RemoveStale(cb capabilities.Callback[struct{}], maxLastSeenDateMs int64, gbid string) {
	_, derr := c.backend.RemoveStale(c.owner, maxLastSeenDateMs, gbid)
	cb(result(struct{}{}, derr))
}

// Ping always succeeds.
func (c *Client) Ping(context.Context) error { return nil }

// Close is a no-op.
func (c *Client) Close() error { return nil }

func result[T any](v T, derr capabilities.DiscoveryError) capabilities.Result[T] {
	if derr != "" {
		return capabilities.Modeled[T](derr)
	}
	return capabilities.Success(v)
}
