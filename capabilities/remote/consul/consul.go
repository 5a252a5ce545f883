// Package consul implements the global capabilities directory on top of the
// Consul KV store. Records live under <key_prefix>/<gbid>/<participant id>
// as msgpack-encoded values carrying the entry and its owning cluster
// controller.
package consul

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/consul/api"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/capabilities/remote"
	"github.com/kbukum/capdir/errors"
	"github.com/kbukum/capdir/logger"
	"github.com/kbukum/capdir/resilience"
)

const serviceName = "global capabilities directory"

func init() {
	remote.RegisterProviderFactory(remote.ProviderConsul, func(cfg remote.Config, providerCfg any, log *logger.Logger) (remote.Client, error) {
		var consulCfg Config
		switch c := providerCfg.(type) {
		case *Config:
			if c != nil {
				consulCfg = *c
			}
		case Config:
			consulCfg = c
		case nil:
		default:
			return nil, fmt.Errorf("consul: unexpected provider config %T", providerCfg)
		}
		return NewClient(cfg, consulCfg, log)
	})
}

// record is the KV value of one registration.
type record struct {
	Entry               capabilities.GlobalDiscoveryEntry `msgpack:"entry"`
	ClusterControllerID string                            `msgpack:"cc_id"`
}

// Client is a remote.Client backed by Consul KV. Every call runs on its
// own goroutine through a circuit breaker; modeled errors do not count as
// backend failures.
type Client struct {
	kv      *api.KV
	status  *api.Status
	cfg     Config
	remote  remote.Config
	breaker *resilience.CircuitBreaker
	clock   clock.Clock
	log     *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ remote.Client = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithClock sets the clock for call timeouts, touch dates and the breaker.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// NewClient creates a Client from the given configs.
func NewClient(remoteCfg remote.Config, cfg Config, log *logger.Logger, opts ...Option) (*Client, error) {
	remoteCfg.ApplyDefaults()
	if err := remoteCfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("consul config: %w", err)
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address
	apiCfg.Scheme = cfg.Scheme
	apiCfg.Datacenter = cfg.Datacenter
	apiCfg.Token = cfg.Token
	apiCfg.Namespace = cfg.Namespace
	apiCfg.Partition = cfg.Partition
	if cfg.TLS != nil && cfg.TLS.Enabled {
		apiCfg.TLSConfig = api.TLSConfig{
			Address:            cfg.TLS.ServerName,
			CAFile:             cfg.TLS.CACert,
			CAPath:             cfg.TLS.CAPath,
			CertFile:           cfg.TLS.ClientCert,
			KeyFile:            cfg.TLS.ClientKey,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		}
	}
	if apiCfg.Transport != nil {
		apiCfg.Transport.MaxIdleConns = cfg.Pool.MaxIdleConns
		apiCfg.Transport.MaxIdleConnsPerHost = cfg.Pool.MaxIdleConnsPerHost
		apiCfg.Transport.MaxConnsPerHost = cfg.Pool.MaxConnsPerHost
		apiCfg.Transport.IdleConnTimeout = cfg.Pool.IdleConnTimeout
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}

	c := &Client{
		kv:     client.KV(),
		status: client.Status(),
		cfg:    cfg,
		remote: remoteCfg,
		clock:  clock.New(),
		log:    log,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "consul-gcd",
		MaxFailures: remoteCfg.Breaker.MaxFailures,
		Timeout:     remoteCfg.Breaker.OpenTimeout,
		Clock:       c.clock,
		IsFailure: func(err error) bool {
			var modeled *capabilities.ModeledError
			return err != nil && !stderrors.As(err, &modeled)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			c.log.Warn("circuit breaker state changed", logger.Fields("breaker", name, "from", from.String(), "to", to.String()))
		},
	})
	return c, nil
}

func (c *Client) Add(cb capabilities.Callback[struct{}], entry capabilities.GlobalDiscoveryEntry, ttl time.Duration, gbids []string) {
	if derr := remote.CheckGbids(gbids, c.remote.KnownGbids); derr != "" {
		cb(capabilities.Modeled[struct{}](derr))
		return
	}
	value, err := msgpack.Marshal(record{Entry: entry, ClusterControllerID: c.remote.ClusterControllerID})
	if err != nil {
		cb(capabilities.Failed[struct{}](errors.Internal(err)))
		return
	}
	c.call("add", ttl, func(ctx context.Context) error {
		for _, gbid := range gbids {
			pair := &api.KVPair{Key: c.key(gbid, entry.ParticipantID), Value: value}
			if _, err := c.kv.Put(pair, write(ctx)); err != nil {
				return err
			}
		}
		c.log.Debug("record written", logger.Fields(logger.FieldParticipantID, entry.ParticipantID, logger.FieldGBIDs, gbids))
		return nil
	}, func(err error) { cb(remote.ResultOf(struct{}{}, err)) })
}

func (c *Client) Remove(cb capabilities.Callback[struct{}], participantID string, gbids []string) {
	if derr := remote.CheckGbids(gbids, c.remote.KnownGbids); derr != "" {
		cb(capabilities.Modeled[struct{}](derr))
		return
	}
	c.call("remove", c.remote.RequestTimeout, func(ctx context.Context) error {
		removed := false
		for _, gbid := range gbids {
			key := c.key(gbid, participantID)
			pair, _, err := c.kv.Get(key, query(ctx))
			if err != nil {
				return err
			}
			if pair == nil {
				continue
			}
			if _, err := c.kv.Delete(key, write(ctx)); err != nil {
				return err
			}
			removed = true
		}
		if !removed {
			return c.missing(ctx, participantID, gbids)
		}
		return nil
	}, func(err error) { cb(remote.ResultOf(struct{}{}, err)) })
}

func (c *Client) Lookup(cb capabilities.Callback[capabilities.GlobalDiscoveryEntry], participantID string, ttl time.Duration, gbids []string) {
	if derr := remote.CheckGbids(gbids, c.remote.KnownGbids); derr != "" {
		cb(capabilities.Modeled[capabilities.GlobalDiscoveryEntry](derr))
		return
	}
	var found capabilities.GlobalDiscoveryEntry
	c.call("lookup", ttl, func(ctx context.Context) error {
		for _, gbid := range gbids {
			rec, _, err := c.get(ctx, c.key(gbid, participantID))
			if err != nil {
				return err
			}
			if rec != nil {
				found = rec.Entry
				return nil
			}
		}
		return c.missing(ctx, participantID, gbids)
	}, func(err error) { cb(remote.ResultOf(found, err)) })
}

func (c *Client) LookupDomains(cb capabilities.Callback[[]capabilities.GlobalDiscoveryEntry], domains []string, interfaceName string,
	ttl time.Duration, gbids []string) {
	if derr := remote.CheckGbids(gbids, c.remote.KnownGbids); derr != "" {
		cb(capabilities.Modeled[[]capabilities.GlobalDiscoveryEntry](derr))
		return
	}
	wanted := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		wanted[d] = struct{}{}
	}

	var found []capabilities.GlobalDiscoveryEntry
	c.call("lookup_domains", ttl, func(ctx context.Context) error {
		seen := make(map[string]struct{})
		for _, gbid := range gbids {
			pairs, _, err := c.kv.List(c.folder(gbid), query(ctx))
			if err != nil {
				return err
			}
			for _, pair := range pairs {
				rec, err := decode(pair)
				if err != nil {
					c.log.Warn("skipping undecodable record", logger.MergeWithError(logger.Fields("key", pair.Key), err))
					continue
				}
				e := rec.Entry
				if _, ok := wanted[e.Domain]; !ok || e.InterfaceName != interfaceName {
					continue
				}
				if _, dup := seen[e.ParticipantID]; dup {
					continue
				}
				seen[e.ParticipantID] = struct{}{}
				found = append(found, e)
			}
		}
		sort.Slice(found, func(i, j int) bool { return found[i].ParticipantID < found[j].ParticipantID })
		return nil
	}, func(err error) { cb(remote.ResultOf(found, err)) })
}

// Touch refreshes the last-seen date of this node's records in gbid. Each
// record is updated with check-and-set so concurrent writers are not
// overwritten.
func (c *Client) Touch(cb capabilities.Callback[struct{}], participantIDs []string, gbid string) {
	if derr := remote.CheckGbids([]string{gbid}, c.remote.KnownGbids); derr != "" {
		cb(capabilities.Modeled[struct{}](derr))
		return
	}
	c.call("touch", c.remote.RequestTimeout, func(ctx context.Context) error {
		nowMs := c.clock.Now().UnixMilli()
		for _, id := range participantIDs {
			if err := c.touchOne(ctx, c.key(gbid, id), nowMs); err != nil {
				return err
			}
		}
		return nil
	}, func(err error) { cb(remote.ResultOf(struct{}{}, err)) })
}

func (c *Client) touchOne(ctx context.Context, key string, nowMs int64) error {
	return resilience.RetryFunc(ctx, resilience.RetryConfig{
		MaxAttempts:    c.cfg.TouchAttempts,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		Clock:          c.clock,
		RetryIf:        func(err error) bool { return errors.HasCode(err, errors.ErrCodeConflict) },
	}, func() error {
		rec, pair, err := c.get(ctx, key)
		if err != nil || rec == nil || rec.ClusterControllerID != c.remote.ClusterControllerID {
			return err
		}
		rec.Entry.LastSeenDateMs = nowMs
		value, err := msgpack.Marshal(rec)
		if err != nil {
			return errors.Internal(err)
		}
		ok, _, err := c.kv.CAS(&api.KVPair{Key: key, Value: value, ModifyIndex: pair.ModifyIndex}, write(ctx))
		if err != nil {
			return err
		}
		if !ok {
			return errors.Conflict("record " + key + " changed during touch")
		}
		return nil
	})
}

// RemoveStale deletes this node's records in gbid last seen before
// maxLastSeenDateMs.
func (c *Client) RemoveStale(cb capabilities.Callback[struct{}], maxLastSeenDateMs int64, gbid string) {
	if derr := remote.CheckGbids([]string{gbid}, c.remote.KnownGbids); derr != "" {
		cb(capabilities.Modeled[struct{}](derr))
		return
	}
	c.call("remove_stale", c.remote.RequestTimeout, func(ctx context.Context) error {
		pairs, _, err := c.kv.List(c.folder(gbid), query(ctx))
		if err != nil {
			return err
		}
		removed := 0
		for _, pair := range pairs {
			rec, err := decode(pair)
			if err != nil || rec.ClusterControllerID != c.remote.ClusterControllerID || rec.Entry.LastSeenDateMs >= maxLastSeenDateMs {
				continue
			}
			// a record touched since the listing keeps its place
			ok, _, err := c.kv.DeleteCAS(pair, write(ctx))
			if err != nil {
				return err
			}
			if ok {
				removed++
			}
		}
		c.log.Info("stale records removed", logger.Fields(logger.FieldGBID, gbid, "removed", removed))
		return nil
	}, func(err error) { cb(remote.ResultOf(struct{}{}, err)) })
}

// Ping asks Consul for its raft leader.
func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.status.Leader(); err != nil {
		return errors.ConnectionFailed("consul").WithCause(err)
	}
	return nil
}

// Close fails calls still in flight and waits for them to report.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

// State exposes the circuit breaker state.
func (c *Client) State() resilience.State {
	return c.breaker.State()
}

// call runs fn on a new goroutine bounded by timeout and hands the mapped
// error to done.
func (c *Client) call(op string, timeout time.Duration, fn func(ctx context.Context) error, done func(error)) {
	if timeout <= 0 {
		timeout = c.remote.RequestTimeout
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := c.clock.WithTimeout(c.ctx, timeout)
		defer cancel()

		err := c.breaker.Execute(func() error { return fn(ctx) })
		if err = c.mapError(ctx, op, err); err != nil {
			c.log.Debug("consul call failed", logger.MergeWithError(logger.Fields(logger.FieldOperation, op), err))
		}
		done(err)
	}()
}

func (c *Client) mapError(ctx context.Context, op string, err error) error {
	var modeled *capabilities.ModeledError
	switch {
	case err == nil:
		return nil
	case stderrors.As(err, &modeled):
		return err
	case stderrors.Is(err, resilience.ErrCircuitOpen):
		return errors.ServiceUnavailable(serviceName).WithCause(err)
	case stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		return errors.Timeout(op).WithCause(err)
	case c.ctx.Err() != nil:
		return errors.MessageNotSent("consul client closed").WithCause(err)
	}
	if _, ok := errors.AsAppError(err); ok {
		return err
	}
	return errors.ConnectionFailed("consul").WithCause(err)
}

// missing tells NO_ENTRY_FOR_SELECTED_BACKENDS apart from
// NO_ENTRY_FOR_PARTICIPANT by checking the GBIDs that were not requested.
func (c *Client) missing(ctx context.Context, participantID string, requested []string) error {
	asked := capabilities.GbidSet(requested)
	for _, gbid := range c.remote.KnownGbids {
		if _, ok := asked[gbid]; ok {
			continue
		}
		pair, _, err := c.kv.Get(c.key(gbid, participantID), query(ctx))
		if err != nil {
			return err
		}
		if pair != nil {
			return remote.Modeled(capabilities.ErrNoEntryForSelectedBackends)
		}
	}
	return remote.Modeled(capabilities.ErrNoEntryForParticipant)
}

func (c *Client) get(ctx context.Context, key string) (*record, *api.KVPair, error) {
	pair, _, err := c.kv.Get(key, query(ctx))
	if err != nil || pair == nil {
		return nil, nil, err
	}
	rec, err := decode(pair)
	if err != nil {
		return nil, nil, err
	}
	return rec, pair, nil
}

func (c *Client) folder(gbid string) string {
	return c.cfg.KeyPrefix + "/" + gbid + "/"
}

func (c *Client) key(gbid, participantID string) string {
	return c.folder(gbid) + participantID
}

func decode(pair *api.KVPair) (*record, error) {
	var rec record
	if err := msgpack.Unmarshal(pair.Value, &rec); err != nil {
		return nil, errors.InvalidFormat(pair.Key, "msgpack record").WithCause(err)
	}
	return &rec, nil
}

func query(ctx context.Context) *api.QueryOptions {
	return (&api.QueryOptions{}).WithContext(ctx)
}

func write(ctx context.Context) *api.WriteOptions {
	return (&api.WriteOptions{}).WithContext(ctx)
}
