// Package directory implements the local capabilities directory of a cluster
// controller: the registry of providers reachable on this node together with
// a cache of globally registered providers, reconciled with the global
// capabilities directory through a strictly sequential task pipeline.
package directory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/capabilities/store"
	"github.com/kbukum/capdir/errors"
	"github.com/kbukum/capdir/logger"
	"github.com/kbukum/capdir/observability"
	"github.com/kbukum/capdir/validation"
)

// Directory is the local capabilities directory.
type Directory struct {
	cfg     capabilities.Config
	log     *logger.Logger
	clock   clock.Clock
	metrics *metrics
	tracer  trace.Tracer

	local     capabilities.DiscoveryEntryStore[capabilities.DiscoveryEntry]
	cache     capabilities.DiscoveryEntryStore[capabilities.GlobalDiscoveryEntry]
	client    capabilities.GlobalDirectoryClient
	routing   capabilities.RoutingTable
	addresses capabilities.GlobalAddressProvider

	// cacheMu guards the global cache and gbidsByParticipant for whole
	// check-then-mutate sequences.
	cacheMu            sync.Mutex
	gbidsByParticipant map[string][]string

	// addrMu guards globalAddress and queued. ADD tasks are submitted with it
	// held so that queued and fresh registrations keep their order.
	addrMu             sync.Mutex
	globalAddress      capabilities.Address
	queued             []queuedEntry
	listenerRegistered bool

	seq       *sequencer
	startedAt time.Time

	lifecycleMu sync.Mutex
	running     bool
	stopped     bool
	jobsCtx     context.Context
	cancelJobs  context.CancelFunc
	jobs        sync.WaitGroup
}

// queuedEntry is a global registration waiting for the transport address.
// Awaited registrations carry their deadline from the time of Add and a
// timer that fails them if the transport is still down when it passes.
type queuedEntry struct {
	entry    capabilities.DiscoveryEntry
	gbids    []string
	result   *capabilities.Future[struct{}]
	await    bool
	deadline time.Time
	timer    *clock.Timer
}

var _ capabilities.TransportReadyListener = (*Directory)(nil)

type options struct {
	clock  clock.Clock
	log    *logger.Logger
	meter  metric.Meter
	tracer trace.Tracer
	local  capabilities.DiscoveryEntryStore[capabilities.DiscoveryEntry]
	cache  capabilities.DiscoveryEntryStore[capabilities.GlobalDiscoveryEntry]
}

// Option configures a Directory.
type Option func(*options)

// WithClock sets the clock driving timestamps, deadlines and periodic jobs.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMeter sets the meter instruments are created on.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithTracer sets the tracer used for remote lookups.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithLocalStore replaces the store of local entries.
func WithLocalStore(s capabilities.DiscoveryEntryStore[capabilities.DiscoveryEntry]) Option {
	return func(o *options) { o.local = s }
}

// WithGlobalCache replaces the global cache.
func WithGlobalCache(s capabilities.DiscoveryEntryStore[capabilities.GlobalDiscoveryEntry]) Option {
	return func(o *options) { o.cache = s }
}

// New creates a directory. It does not talk to the global directory until
// Start is called.
func New(cfg capabilities.Config, client capabilities.GlobalDirectoryClient, routing capabilities.RoutingTable,
	addresses capabilities.GlobalAddressProvider, opts ...Option) (*Directory, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil || routing == nil || addresses == nil {
		return nil, fmt.Errorf("capabilities directory: client, routing table and address provider are required")
	}

	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.GetGlobalLogger()
	}
	if o.meter == nil {
		o.meter = observability.Meter(meterName)
	}
	if o.tracer == nil {
		o.tracer = observability.Tracer(meterName)
	}
	log := o.log.WithComponent("capabilities.directory")

	if o.local == nil {
		local, err := store.New[capabilities.DiscoveryEntry](store.WithClock(o.clock))
		if err != nil {
			return nil, fmt.Errorf("capabilities directory: local store: %w", err)
		}
		o.local = local
	}
	if o.cache == nil {
		cache, err := store.New[capabilities.GlobalDiscoveryEntry](
			store.WithClock(o.clock),
			store.WithCapacity(cfg.GlobalCacheCapacity),
			store.WithEvictionHook(func(participantID string) {
				log.Debug("evicted global cache entry", logger.Fields(logger.FieldParticipantID, participantID))
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("capabilities directory: global cache: %w", err)
		}
		o.cache = cache
	}

	m, err := newMetrics(o.meter)
	if err != nil {
		return nil, fmt.Errorf("capabilities directory: %w", err)
	}

	jobsCtx, cancel := context.WithCancel(context.Background())
	d := &Directory{
		cfg:                cfg,
		log:                log,
		clock:              o.clock,
		metrics:            m,
		tracer:             o.tracer,
		local:              o.local,
		cache:              o.cache,
		client:             client,
		routing:            routing,
		addresses:          addresses,
		gbidsByParticipant: make(map[string][]string),
		startedAt:          o.clock.Now(),
		jobsCtx:            jobsCtx,
		cancelJobs:         cancel,
	}
	d.seq = newSequencer(d, o.clock, cfg.DefaultTTL, o.log.WithComponent("capabilities.sequencer"), m)

	if err := d.loadProvisionedEntries(); err != nil {
		cancel()
		return nil, err
	}
	return d, nil
}

func (d *Directory) loadProvisionedEntries() error {
	nowMs := d.nowMs()
	for _, p := range d.cfg.ProvisionedEntries {
		entry, err := p.GlobalDiscoveryEntry(nowMs)
		if err != nil {
			return fmt.Errorf("capabilities directory: provisioned entry %s: %w", p.ParticipantID, err)
		}
		d.cache.Add(entry)

		gbids := d.cfg.KnownGbids
		if entry.InterfaceName != capabilities.GlobalCapabilitiesDirectoryInterface {
			address, err := entry.DecodedAddress()
			if err != nil {
				return fmt.Errorf("capabilities directory: provisioned entry %s: %w", p.ParticipantID, err)
			}
			gbids = capabilities.GbidsForAddress(address, d.cfg.KnownGbids)
		}
		d.mapGbidsLocked(entry.ParticipantID, gbids)
		d.log.Debug("provisioned global entry", logger.Fields(
			logger.FieldParticipantID, entry.ParticipantID, logger.FieldInterface, entry.InterfaceName, logger.FieldGBIDs, gbids))
	}
	return nil
}

// Start launches the task sequencer and the periodic jobs and, if
// configured, the stale-provider cleanup.
func (d *Directory) Start(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if d.stopped {
		return errors.ServiceUnavailable("capabilities directory")
	}
	if d.running {
		return nil
	}
	d.running = true

	d.seq.start()
	d.runEvery(d.cfg.FreshnessUpdateInterval, d.touchAll)
	d.runEvery(d.cfg.ReAddInterval, d.TriggerReAdd)
	d.runEvery(d.cfg.CleanupInterval, d.removeExpired)
	if *d.cfg.RemoveStaleOnStart {
		d.RemoveStaleProvidersOfClusterController()
	}

	d.log.Info("capabilities directory started", logger.Fields(
		logger.FieldGBIDs, d.cfg.KnownGbids,
		"freshness_interval", d.cfg.FreshnessUpdateInterval.String(),
		"readd_interval", d.cfg.ReAddInterval.String(),
	))
	return nil
}

// Add registers entry. Requested GBIDs are validated synchronously; an
// empty list means every known GBID. For GLOBAL-scope entries the returned
// future resolves with the outcome of the global registration when
// awaitGlobalRegistration is set, and immediately otherwise.
func (d *Directory) Add(entry capabilities.DiscoveryEntry, awaitGlobalRegistration bool, gbids ...string) *capabilities.Future[struct{}] {
	if err := validation.Validate(entry); err != nil {
		return capabilities.Resolved(capabilities.Failed[struct{}](errors.Validation(err.Error())))
	}
	if derr := capabilities.ValidateGbids(gbids, d.cfg.KnownGbids); derr != "" {
		d.log.Warn("add rejected", logger.Fields(logger.FieldParticipantID, entry.ParticipantID, logger.FieldGBIDs, gbids, logger.FieldError, string(derr)))
		d.metrics.recordAdd(entry.Qos.Scope, string(derr))
		return capabilities.Resolved(capabilities.Modeled[struct{}](derr))
	}
	if len(gbids) == 0 {
		gbids = d.cfg.KnownGbids
	}
	gbids = slices.Clone(gbids)

	entry.LastSeenDateMs = d.nowMs()
	fields := entryFields(entry)

	d.cacheMu.Lock()
	if !entry.IsGlobal() && d.local.HasDiscoveryEntry(entry) {
		d.cacheMu.Unlock()
		d.log.Debug("local provider already registered", fields)
		d.metrics.recordAdd(entry.Qos.Scope, "unchanged")
		return capabilities.Resolved(capabilities.Success(struct{}{}))
	}
	if cached, ok := d.cache.Lookup(entry.ParticipantID, capabilities.NoMaxAge); ok {
		d.log.Warn("add replaces cached global entry with the same participant id", logger.Fields(
			logger.FieldParticipantID, entry.ParticipantID, "cached", cached.String()))
		d.cache.Remove(entry.ParticipantID)
	}
	if entry.IsGlobal() {
		d.mapGbidsLocked(entry.ParticipantID, gbids)
	}
	d.local.Add(entry)
	d.cacheMu.Unlock()

	if !entry.IsGlobal() {
		d.log.Info("local provider registered", fields)
		d.metrics.recordAdd(entry.Qos.Scope, "registered")
		return capabilities.Resolved(capabilities.Success(struct{}{}))
	}

	result := capabilities.NewFuture[struct{}]()
	registration := result
	if !awaitGlobalRegistration {
		registration = capabilities.NewFuture[struct{}]()
		result.Resolve(capabilities.Success(struct{}{}))
	}
	d.registerGlobal(entry, gbids, registration, awaitGlobalRegistration)
	return result
}

// AddToAll registers entry in every known GBID.
func (d *Directory) AddToAll(entry capabilities.DiscoveryEntry, awaitGlobalRegistration bool) *capabilities.Future[struct{}] {
	return d.Add(entry, awaitGlobalRegistration, d.cfg.KnownGbids...)
}

func (d *Directory) registerGlobal(entry capabilities.DiscoveryEntry, gbids []string, result *capabilities.Future[struct{}], await bool) {
	d.addrMu.Lock()
	if address, ok := d.addresses.Get(); ok {
		d.globalAddress = address
	} else {
		d.globalAddress = nil
	}
	if d.globalAddress != nil {
		d.submitAddLocked(entry, gbids, result, await, d.globalAddress, time.Time{})
		d.addrMu.Unlock()
		return
	}
	q := queuedEntry{entry: entry, gbids: gbids, result: result, await: await}
	if await {
		q.deadline = d.clock.Now().Add(d.cfg.DefaultTTL)
		q.timer = d.clock.AfterFunc(d.cfg.DefaultTTL, func() { d.expireQueuedRegistration(result) })
	}
	d.queued = append(d.queued, q)
	register := !d.listenerRegistered
	d.listenerRegistered = true
	d.addrMu.Unlock()

	d.log.Info("global registration queued until transport is ready", entryFields(entry))
	if register {
		d.addresses.RegisterGlobalAddressesReadyListener(d)
	}
	// the address may have become ready before the listener was in place
	if address, ok := d.addresses.Get(); ok {
		d.TransportReady(address)
	}
}

// TransportReady releases queued global registrations in the order they
// were made.
func (d *Directory) TransportReady(address capabilities.Address) {
	d.addrMu.Lock()
	defer d.addrMu.Unlock()
	d.globalAddress = address
	if address == nil || len(d.queued) == 0 {
		return
	}
	queued := d.queued
	d.queued = nil
	d.log.Info("transport ready, submitting queued global registrations", logger.Fields("count", len(queued)))
	for _, q := range queued {
		if q.timer != nil {
			q.timer.Stop()
		}
		d.submitAddLocked(q.entry, q.gbids, q.result, q.await, address, q.deadline)
	}
}

// expireQueuedRegistration fails an awaited registration that is still
// waiting for the transport once its deadline has passed.
func (d *Directory) expireQueuedRegistration(result *capabilities.Future[struct{}]) {
	d.addrMu.Lock()
	i := slices.IndexFunc(d.queued, func(q queuedEntry) bool { return q.result == result })
	if i < 0 {
		d.addrMu.Unlock()
		return
	}
	q := d.queued[i]
	d.queued = slices.Delete(d.queued, i, i+1)
	d.addrMu.Unlock()

	d.log.Warn("global registration expired waiting for transport", entryFields(q.entry))
	d.failRegistration(q.entry.ParticipantID, true, result, capabilities.Failed[struct{}](errRegistrationExpired()))
}

func (d *Directory) submitAddLocked(entry capabilities.DiscoveryEntry, gbids []string, result *capabilities.Future[struct{}],
	await bool, address capabilities.Address, deadline time.Time) {
	global, err := capabilities.NewGlobalDiscoveryEntry(entry, address)
	if err != nil {
		d.log.Error("cannot build global entry", logger.MergeWithError(entryFields(entry), err))
		d.failRegistration(entry.ParticipantID, await, result, capabilities.Failed[struct{}](err))
		return
	}

	doRetry := !await
	if !doRetry && deadline.IsZero() {
		deadline = d.clock.Now().Add(d.cfg.DefaultTTL)
	}
	task := newAddTask(global, gbids, deadline, doRetry, d.onAddResult(global.DiscoveryEntry, await, doRetry, result))
	if !d.seq.add(task) {
		d.failRegistration(entry.ParticipantID, await, result,
			capabilities.Failed[struct{}](errors.ServiceUnavailable("capabilities directory")))
		return
	}
	d.log.Debug("global registration scheduled", logger.Fields(
		logger.FieldTaskID, task.id, logger.FieldParticipantID, entry.ParticipantID,
		logger.FieldGBIDs, gbids, "await", await))
}

func (d *Directory) onAddResult(entry capabilities.DiscoveryEntry, await, doRetry bool,
	result *capabilities.Future[struct{}]) func(capabilities.Result[struct{}]) taskOutcome {
	return func(r capabilities.Result[struct{}]) taskOutcome {
		fields := entryFields(entry)
		if r.Succeeded() {
			d.log.Info("global provider registration succeeded", fields)
			d.metrics.recordAdd(capabilities.ScopeGlobal, "registered")
			result.Resolve(r)
			return outcomeFinished
		}
		if r.Failure != nil && doRetry && errors.IsTimeout(r.Failure) {
			d.log.Warn("global provider registration timed out, retrying", logger.MergeWithError(fields, r.Failure))
			return outcomeRetry
		}
		d.log.Error("global provider registration failed", logger.MergeWithError(fields, r.AsError()))
		d.failRegistration(entry.ParticipantID, await, result, r)
		return outcomeFinished
	}
}

func (d *Directory) failRegistration(participantID string, await bool, result *capabilities.Future[struct{}], r capabilities.Result[struct{}]) {
	if await {
		d.forget(participantID)
	}
	d.metrics.recordAdd(capabilities.ScopeGlobal, "failed")
	result.Resolve(r)
}

// Remove unregisters participantID. LOCAL-scope providers are dropped at
// once; everything else is removed from the global directory first. The
// returned future resolves immediately.
func (d *Directory) Remove(participantID string) *capabilities.Future[struct{}] {
	scope := capabilities.ScopeGlobal
	if entry, ok := d.local.Lookup(participantID, capabilities.NoMaxAge); ok {
		scope = entry.Qos.Scope
	}
	d.removeInternal(participantID, scope)
	return capabilities.Resolved(capabilities.Success(struct{}{}))
}

func (d *Directory) removeInternal(participantID string, scope capabilities.ProviderScope) {
	if scope == capabilities.ScopeLocal {
		// an earlier GLOBAL registration may have left GBIDs behind
		d.forget(participantID)
		d.log.Info("removed locally registered provider", logger.Fields(logger.FieldParticipantID, participantID))
		return
	}
	task := newRemoveTask(participantID, d.onRemoveResult(participantID))
	if d.seq.add(task) {
		d.log.Debug("global remove scheduled", logger.Fields(logger.FieldTaskID, task.id, logger.FieldParticipantID, participantID))
	}
}

func (d *Directory) onRemoveResult(participantID string) func(capabilities.Result[struct{}]) taskOutcome {
	return func(r capabilities.Result[struct{}]) taskOutcome {
		fields := logger.Fields(logger.FieldParticipantID, participantID)
		switch {
		case r.Succeeded():
			d.forget(participantID)
			d.log.Info("removed globally registered provider", fields)
		case r.DiscoveryError == capabilities.ErrNoEntryForParticipant, r.DiscoveryError == capabilities.ErrNoEntryForSelectedBackends:
			d.forget(participantID)
			d.log.Warn("provider already absent from global directory, removed local entry", logger.MergeWithError(fields, r.AsError()))
		case r.DiscoveryError != "":
			d.log.Warn("failed to remove provider", logger.MergeWithError(fields, r.AsError()))
		case errors.IsTimeout(r.Failure):
			d.log.Warn("remove timed out, retrying", logger.MergeWithError(fields, r.Failure))
			return outcomeRetry
		default:
			d.log.Warn("failed to remove provider", logger.MergeWithError(fields, r.Failure))
		}
		return outcomeFinished
	}
}

// forget drops participantID from the local store and the GBID map.
func (d *Directory) forget(participantID string) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	delete(d.gbidsByParticipant, participantID)
	d.local.Remove(participantID)
}

// ListLocalCapabilities returns every locally registered entry.
func (d *Directory) ListLocalCapabilities() []capabilities.DiscoveryEntry {
	return d.local.AllDiscoveryEntries()
}

// GbidsOf returns the backends participantID is registered in.
func (d *Directory) GbidsOf(participantID string) []string {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	return slices.Clone(d.gbidsByParticipant[participantID])
}

// KnownGbids returns the configured backends, default first.
func (d *Directory) KnownGbids() []string {
	return slices.Clone(d.cfg.KnownGbids)
}

// TransportAddress returns the global address registrations are made with.
func (d *Directory) TransportAddress() (capabilities.Address, bool) {
	d.addrMu.Lock()
	defer d.addrMu.Unlock()
	return d.globalAddress, d.globalAddress != nil
}

// Pending returns the number of registrations waiting for the transport and
// the number of tasks queued for the global directory.
func (d *Directory) Pending() (queued, tasks int) {
	d.addrMu.Lock()
	queued = len(d.queued)
	d.addrMu.Unlock()
	return queued, d.seq.queueLen()
}

// Shutdown stops the sequencer and the periodic jobs. With unregisterAll it
// fires one remote remove per globally registered local provider without
// waiting for the results.
func (d *Directory) Shutdown(ctx context.Context, unregisterAll bool) error {
	d.lifecycleMu.Lock()
	if d.stopped {
		d.lifecycleMu.Unlock()
		return nil
	}
	d.stopped = true
	d.running = false
	d.lifecycleMu.Unlock()

	d.seq.stop()
	d.cancelJobs()
	if unregisterAll {
		d.unregisterAll()
	}

	err := multierr.Append(d.seq.wait(ctx), waitGroup(ctx, &d.jobs))
	d.log.Info("capabilities directory stopped", logger.Fields("unregister_all", unregisterAll))
	return err
}

func (d *Directory) unregisterAll() {
	for _, entry := range d.local.AllGlobalEntries() {
		gbids := d.GbidsOf(entry.ParticipantID)
		if len(gbids) == 0 {
			continue
		}
		participantID := entry.ParticipantID
		d.client.Remove(func(r capabilities.Result[struct{}]) {
			if !r.Succeeded() {
				d.log.Debug("unregister on shutdown failed", logger.MergeWithError(
					logger.Fields(logger.FieldParticipantID, participantID), r.AsError()))
			}
		}, participantID, gbids)
	}
}

// mapGbidsLocked records gbids for participantID, keeping previously known
// GBIDs after the new ones.
func (d *Directory) mapGbidsLocked(participantID string, gbids []string) {
	merged := slices.Clone(gbids)
	for _, old := range d.gbidsByParticipant[participantID] {
		if !slices.Contains(merged, old) {
			merged = append(merged, old)
		}
	}
	d.gbidsByParticipant[participantID] = merged
}

func (d *Directory) nowMs() int64 {
	return d.clock.Now().UnixMilli()
}

func entryFields(e capabilities.DiscoveryEntry) map[string]interface{} {
	return logger.Fields(
		logger.FieldParticipantID, e.ParticipantID,
		logger.FieldDomain, e.Domain,
		logger.FieldInterface, e.InterfaceName,
		logger.FieldScope, string(e.Qos.Scope),
	)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
