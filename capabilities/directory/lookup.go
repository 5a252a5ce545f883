package directory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/errors"
	"github.com/kbukum/capdir/logger"
	"github.com/kbukum/capdir/observability"
)

type lookupResult = capabilities.Result[[]capabilities.DiscoveryEntryWithMetaInfo]

// Lookup returns the providers of interfaceName in any of domains, combining
// local entries, the global cache and the global directory as selected by
// qos.DiscoveryScope. An empty gbids list means every known GBID.
func (d *Directory) Lookup(domains []string, interfaceName string, qos capabilities.DiscoveryQos,
	gbids ...string) *capabilities.Future[[]capabilities.DiscoveryEntryWithMetaInfo] {
	if len(domains) == 0 || slices.Contains(domains, "") {
		return capabilities.Resolved(capabilities.Failed[[]capabilities.DiscoveryEntryWithMetaInfo](
			errors.InvalidInput("domains", "at least one non-empty domain is required")))
	}
	if interfaceName == "" {
		return capabilities.Resolved(capabilities.Failed[[]capabilities.DiscoveryEntryWithMetaInfo](
			errors.InvalidInput("interface_name", "interface name is required")))
	}
	qos, gbids, res, ok := d.prepareLookup(qos, gbids)
	if !ok {
		return capabilities.Resolved(lookupResult{DiscoveryError: res.DiscoveryError, Failure: res.Failure})
	}

	fut := capabilities.NewFuture[[]capabilities.DiscoveryEntryWithMetaInfo]()
	local := d.localEntries(qos, gbids, domains, interfaceName)
	switch qos.DiscoveryScope {
	case capabilities.LocalOnly:
		d.incrementReferences(local)
		d.metrics.recordLookup(qos.DiscoveryScope, sourceLocal)
		fut.Resolve(capabilities.Success(sortEntries(local)))
	case capabilities.LocalThenGlobal:
		d.lookupLocalThenGlobal(domains, interfaceName, qos, gbids, local, fut)
	case capabilities.LocalAndGlobal:
		d.lookupLocalAndGlobal(domains, interfaceName, qos, gbids, local, fut)
	case capabilities.GlobalOnly:
		d.lookupGlobalOnly(domains, interfaceName, qos, gbids, local, fut)
	}
	return fut
}

func (d *Directory) lookupLocalThenGlobal(domains []string, interfaceName string, qos capabilities.DiscoveryQos, gbids []string,
	local []capabilities.DiscoveryEntryWithMetaInfo, fut *capabilities.Future[[]capabilities.DiscoveryEntryWithMetaInfo]) {
	missing := newDomainSet(domains)
	result := slices.Clone(local)
	for _, e := range local {
		missing.remove(e.Domain)
	}

	var cached []capabilities.GlobalDiscoveryEntry
	if missing.len() > 0 {
		cached = d.cachedEntries(gbids, domains, interfaceName, qos.CacheMaxAge)
		for _, e := range cached {
			result = append(result, capabilities.WithMetaInfo(false, e.DiscoveryEntry))
			missing.remove(e.Domain)
		}
	}

	if missing.len() == 0 {
		d.incrementReferences(local)
		d.routeAll(cached)
		source := sourceLocal
		if len(cached) > 0 {
			source = sourceCache
		}
		d.metrics.recordLookup(qos.DiscoveryScope, source)
		fut.Resolve(capabilities.Success(sortEntries(result)))
		return
	}
	d.lookupRemote(missing.ordered(domains), interfaceName, qos, gbids, result, fut)
}

func (d *Directory) lookupLocalAndGlobal(domains []string, interfaceName string, qos capabilities.DiscoveryQos, gbids []string,
	local []capabilities.DiscoveryEntryWithMetaInfo, fut *capabilities.Future[[]capabilities.DiscoveryEntryWithMetaInfo]) {
	missing := newDomainSet(domains)
	cached := d.cachedEntries(gbids, domains, interfaceName, qos.CacheMaxAge)
	// participant ids are unique across the local store and the cache
	result := slices.Clone(local)
	for _, e := range cached {
		result = append(result, capabilities.WithMetaInfo(false, e.DiscoveryEntry))
		missing.remove(e.Domain)
	}

	if missing.len() == 0 {
		d.incrementReferences(local)
		d.routeAll(cached)
		d.metrics.recordLookup(qos.DiscoveryScope, sourceCache)
		fut.Resolve(capabilities.Success(sortEntries(result)))
		return
	}
	d.lookupRemote(domains, interfaceName, qos, gbids, result, fut)
}

func (d *Directory) lookupGlobalOnly(domains []string, interfaceName string, qos capabilities.DiscoveryQos, gbids []string,
	local []capabilities.DiscoveryEntryWithMetaInfo, fut *capabilities.Future[[]capabilities.DiscoveryEntryWithMetaInfo]) {
	missing := newDomainSet(domains)
	cached := d.cachedEntries(gbids, domains, interfaceName, qos.CacheMaxAge)
	result := slices.Clone(local)
	for _, e := range cached {
		result = append(result, capabilities.WithMetaInfo(false, e.DiscoveryEntry))
	}
	for _, e := range result {
		missing.remove(e.Domain)
	}

	if missing.len() == 0 {
		d.incrementReferences(local)
		d.routeAll(cached)
		d.metrics.recordLookup(qos.DiscoveryScope, sourceCache)
		fut.Resolve(capabilities.Success(sortEntries(result)))
		return
	}
	d.lookupRemote(domains, interfaceName, qos, gbids, result, fut)
}

// lookupRemote queries the global directory and merges the answer with the
// entries collected so far. A participant present in the local store is
// always returned as the local entry.
func (d *Directory) lookupRemote(domains []string, interfaceName string, qos capabilities.DiscoveryQos, gbids []string,
	collected []capabilities.DiscoveryEntryWithMetaInfo, fut *capabilities.Future[[]capabilities.DiscoveryEntryWithMetaInfo]) {
	spanCtx, span := d.tracer.Start(context.Background(), "capabilities.lookup.remote", trace.WithAttributes(
		attribute.String(observability.AttrInterfaceName, interfaceName),
		attribute.String(observability.AttrDomains, strings.Join(domains, ",")),
		attribute.String(observability.AttrDiscoveryScope, string(qos.DiscoveryScope)),
		attribute.StringSlice(observability.AttrGbids, gbids),
	))
	fields := logger.Fields(logger.FieldDomains, domains, logger.FieldInterface, interfaceName, logger.FieldGBIDs, gbids)

	d.client.LookupDomains(func(r capabilities.Result[[]capabilities.GlobalDiscoveryEntry]) {
		defer span.End()
		if !r.Succeeded() {
			span.SetStatus(codes.Error, r.AsError().Error())
			observability.SetSpanError(spanCtx, r.AsError())
			span.SetAttributes(attribute.String(observability.AttrDiscoveryError, string(r.DiscoveryError)))
			d.log.Debug("global lookup failed", logger.MergeWithError(fields, r.AsError()))
			d.metrics.recordLookup(qos.DiscoveryScope, sourceError)
			fut.Resolve(lookupResult{DiscoveryError: r.DiscoveryError, Failure: r.Failure})
			return
		}
		merged := d.mergeRemote(r.Value, domains, interfaceName, qos.DiscoveryScope, collected)
		span.SetAttributes(attribute.Int("capabilities.results", len(merged)))
		d.metrics.recordLookup(qos.DiscoveryScope, sourceRemote)
		fut.Resolve(capabilities.Success(merged))
	}, domains, interfaceName, qos.DiscoveryTimeout, gbids)
}

func (d *Directory) mergeRemote(remote []capabilities.GlobalDiscoveryEntry, domains []string, interfaceName string,
	scope capabilities.DiscoveryScope, collected []capabilities.DiscoveryEntryWithMetaInfo) []capabilities.DiscoveryEntryWithMetaInfo {
	requested := newDomainSet(domains)
	added := make(map[string]struct{}, len(remote))
	out := make([]capabilities.DiscoveryEntryWithMetaInfo, 0, len(remote)+len(collected))

	d.cacheMu.Lock()
	for _, e := range remote {
		if local, ok := d.local.Lookup(e.ParticipantID, capabilities.NoMaxAge); ok {
			returnLocal := scope != capabilities.GlobalOnly || local.IsGlobal()
			if returnLocal && local.InterfaceName == interfaceName && requested.has(local.Domain) {
				added[e.ParticipantID] = struct{}{}
				out = append(out, capabilities.WithMetaInfo(true, local))
				d.incrementReference(local.ParticipantID)
			}
			continue
		}
		d.addToRoutingTable(e)
		d.cache.Add(e)
		added[e.ParticipantID] = struct{}{}
		out = append(out, capabilities.WithMetaInfo(false, e.DiscoveryEntry))
	}
	d.cacheMu.Unlock()

	for _, e := range collected {
		if _, dup := added[e.ParticipantID]; dup {
			continue
		}
		if e.IsLocal {
			d.incrementReference(e.ParticipantID)
		} else {
			cached, ok := d.cache.Lookup(e.ParticipantID, capabilities.NoMaxAge)
			if !ok {
				continue
			}
			d.addToRoutingTable(cached)
		}
		out = append(out, e)
	}
	return sortEntries(out)
}

// LookupParticipant resolves a single provider. Use
// capabilities.DefaultParticipantDiscoveryQos for the defaults.
func (d *Directory) LookupParticipant(participantID string, qos capabilities.DiscoveryQos,
	gbids ...string) *capabilities.Future[capabilities.DiscoveryEntryWithMetaInfo] {
	if participantID == "" {
		return capabilities.Resolved(capabilities.Failed[capabilities.DiscoveryEntryWithMetaInfo](
			errors.InvalidInput("participant_id", "participant id is required")))
	}
	qos, gbids, res, ok := d.prepareLookup(qos, gbids)
	if !ok {
		return capabilities.Resolved(capabilities.Result[capabilities.DiscoveryEntryWithMetaInfo]{
			DiscoveryError: res.DiscoveryError, Failure: res.Failure})
	}

	fut := capabilities.NewFuture[capabilities.DiscoveryEntryWithMetaInfo]()
	local, found := d.local.Lookup(participantID, capabilities.NoMaxAge)
	fields := logger.Fields(logger.FieldParticipantID, participantID, logger.FieldScope, string(qos.DiscoveryScope))

	switch qos.DiscoveryScope {
	case capabilities.LocalOnly:
		if !found {
			d.log.Debug("participant lookup failed", logger.Fields(logger.FieldParticipantID, participantID,
				logger.FieldError, string(capabilities.ErrNoEntryForParticipant)))
			d.metrics.recordLookup(qos.DiscoveryScope, sourceError)
			fut.Resolve(capabilities.Modeled[capabilities.DiscoveryEntryWithMetaInfo](capabilities.ErrNoEntryForParticipant))
			return fut
		}
		d.resolveLocal(local, qos.DiscoveryScope, fut)

	case capabilities.LocalThenGlobal, capabilities.LocalAndGlobal:
		if found {
			d.resolveLocal(local, qos.DiscoveryScope, fut)
			return fut
		}
		d.lookupGlobalParticipant(participantID, qos, gbids, fut)

	case capabilities.GlobalOnly:
		if !found {
			d.lookupGlobalParticipant(participantID, qos, gbids, fut)
			return fut
		}
		switch {
		case !local.IsGlobal():
			d.log.Warn("GLOBAL_ONLY lookup found a LOCAL provider", fields)
			d.metrics.recordLookup(qos.DiscoveryScope, sourceError)
			fut.Resolve(capabilities.Modeled[capabilities.DiscoveryEntryWithMetaInfo](capabilities.ErrNoEntryForParticipant))
		case d.registeredIn(participantID, capabilities.GbidSet(gbids)):
			d.resolveLocal(local, qos.DiscoveryScope, fut)
		default:
			d.metrics.recordLookup(qos.DiscoveryScope, sourceError)
			fut.Resolve(capabilities.Modeled[capabilities.DiscoveryEntryWithMetaInfo](capabilities.ErrNoEntryForSelectedBackends))
		}
	}
	return fut
}

func (d *Directory) resolveLocal(entry capabilities.DiscoveryEntry, scope capabilities.DiscoveryScope,
	fut *capabilities.Future[capabilities.DiscoveryEntryWithMetaInfo]) {
	d.incrementReference(entry.ParticipantID)
	d.metrics.recordLookup(scope, sourceLocal)
	fut.Resolve(capabilities.Success(capabilities.WithMetaInfo(true, entry)))
}

func (d *Directory) lookupGlobalParticipant(participantID string, qos capabilities.DiscoveryQos, gbids []string,
	fut *capabilities.Future[capabilities.DiscoveryEntryWithMetaInfo]) {
	if cached, ok := d.cache.Lookup(participantID, qos.CacheMaxAge); ok && capabilities.EntryInGbids(cached, capabilities.GbidSet(gbids)) {
		d.addToRoutingTable(cached)
		d.metrics.recordLookup(qos.DiscoveryScope, sourceCache)
		fut.Resolve(capabilities.Success(capabilities.WithMetaInfo(false, cached.DiscoveryEntry)))
		return
	}

	spanCtx, span := d.tracer.Start(context.Background(), "capabilities.lookup_participant.remote", trace.WithAttributes(
		attribute.String(observability.AttrParticipantID, participantID),
		attribute.String(observability.AttrDiscoveryScope, string(qos.DiscoveryScope)),
	))
	d.client.Lookup(func(r capabilities.Result[capabilities.GlobalDiscoveryEntry]) {
		defer span.End()
		if !r.Succeeded() {
			span.SetStatus(codes.Error, r.AsError().Error())
			observability.SetSpanError(spanCtx, r.AsError())
			span.SetAttributes(attribute.String(observability.AttrDiscoveryError, string(r.DiscoveryError)))
			d.log.Debug("global participant lookup failed", logger.MergeWithError(
				logger.Fields(logger.FieldParticipantID, participantID, logger.FieldGBIDs, gbids), r.AsError()))
			d.metrics.recordLookup(qos.DiscoveryScope, sourceError)
			fut.Resolve(capabilities.Result[capabilities.DiscoveryEntryWithMetaInfo]{DiscoveryError: r.DiscoveryError, Failure: r.Failure})
			return
		}

		entry := r.Value
		d.cacheMu.Lock()
		if local, ok := d.local.Lookup(participantID, capabilities.NoMaxAge); ok {
			d.cacheMu.Unlock()
			d.resolveLocal(local, qos.DiscoveryScope, fut)
			return
		}
		d.cache.Add(entry)
		d.cacheMu.Unlock()

		d.addToRoutingTable(entry)
		d.metrics.recordLookup(qos.DiscoveryScope, sourceRemote)
		fut.Resolve(capabilities.Success(capabilities.WithMetaInfo(false, entry.DiscoveryEntry)))
	}, participantID, qos.DiscoveryTimeout, gbids)
}

// prepareLookup validates scope and GBIDs and fills defaults.
func (d *Directory) prepareLookup(qos capabilities.DiscoveryQos, gbids []string) (capabilities.DiscoveryQos, []string, capabilities.Result[struct{}], bool) {
	if !qos.DiscoveryScope.Valid() {
		return qos, nil, capabilities.Failed[struct{}](errors.InvalidInput("discovery_scope",
			"unknown discovery scope "+string(qos.DiscoveryScope))), false
	}
	if derr := capabilities.ValidateGbids(gbids, d.cfg.KnownGbids); derr != "" {
		return qos, nil, capabilities.Modeled[struct{}](derr), false
	}
	if len(gbids) == 0 {
		gbids = d.cfg.KnownGbids
	}
	if qos.DiscoveryTimeout <= 0 {
		qos.DiscoveryTimeout = capabilities.DefaultDiscoveryTimeout
	}
	return qos, slices.Clone(gbids), capabilities.Result[struct{}]{}, true
}

// localEntries returns every matching local entry for scopes that include
// local providers. For GLOBAL_ONLY only globally registered providers in
// one of gbids are considered, and only when the caller accepts cached
// results at all.
func (d *Directory) localEntries(qos capabilities.DiscoveryQos, gbids, domains []string, interfaceName string) []capabilities.DiscoveryEntryWithMetaInfo {
	var entries []capabilities.DiscoveryEntry
	switch {
	case qos.DiscoveryScope != capabilities.GlobalOnly:
		entries = d.local.LookupDomains(domains, interfaceName, capabilities.NoMaxAge)
	case qos.CacheMaxAge > 0:
		set := capabilities.GbidSet(gbids)
		for _, e := range d.local.LookupGlobalEntries(domains, interfaceName) {
			if d.registeredIn(e.ParticipantID, set) {
				entries = append(entries, e)
			}
		}
	}
	out := make([]capabilities.DiscoveryEntryWithMetaInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, capabilities.WithMetaInfo(true, e))
	}
	return out
}

func (d *Directory) cachedEntries(gbids, domains []string, interfaceName string, maxAge time.Duration) []capabilities.GlobalDiscoveryEntry {
	set := capabilities.GbidSet(gbids)
	var out []capabilities.GlobalDiscoveryEntry
	for _, e := range d.cache.LookupDomains(domains, interfaceName, maxAge) {
		if capabilities.EntryInGbids(e, set) {
			out = append(out, e)
		}
	}
	return out
}

func (d *Directory) registeredIn(participantID string, gbids map[string]struct{}) bool {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	return capabilities.ContainsAny(gbids, d.gbidsByParticipant[participantID])
}

func (d *Directory) addToRoutingTable(e capabilities.GlobalDiscoveryEntry) {
	address, err := e.DecodedAddress()
	if err != nil {
		d.log.Warn("cannot route global entry", logger.MergeWithError(logger.Fields(logger.FieldParticipantID, e.ParticipantID), err))
		return
	}
	d.routing.Put(e.ParticipantID, address, e.IsGlobal(), capabilities.NoExpiry)
}

func (d *Directory) routeAll(entries []capabilities.GlobalDiscoveryEntry) {
	for _, e := range entries {
		d.addToRoutingTable(e)
	}
}

func (d *Directory) incrementReference(participantID string) {
	if err := d.routing.IncrementReferenceCount(participantID); err != nil {
		d.log.Debug("increment reference count failed", logger.MergeWithError(logger.Fields(logger.FieldParticipantID, participantID), err))
	}
}

func (d *Directory) incrementReferences(entries []capabilities.DiscoveryEntryWithMetaInfo) {
	for _, e := range entries {
		d.incrementReference(e.ParticipantID)
	}
}

func sortEntries(entries []capabilities.DiscoveryEntryWithMetaInfo) []capabilities.DiscoveryEntryWithMetaInfo {
	slices.SortFunc(entries, func(a, b capabilities.DiscoveryEntryWithMetaInfo) int {
		return cmp.Compare(a.ParticipantID, b.ParticipantID)
	})
	return entries
}

type domainSet map[string]struct{}

func newDomainSet(domains []string) domainSet {
	s := make(domainSet, len(domains))
	for _, domain := range domains {
		s[domain] = struct{}{}
	}
	return s
}

func (s domainSet) remove(domain string) { delete(s, domain) }

func (s domainSet) has(domain string) bool {
	_, ok := s[domain]
	return ok
}

func (s domainSet) len() int { return len(s) }

// ordered returns the members of s in the order they appear in domains.
func (s domainSet) ordered(domains []string) []string {
	out := make([]string, 0, len(s))
	for _, domain := range domains {
		if s.has(domain) && !slices.Contains(out, domain) {
			out = append(out, domain)
		}
	}
	return out
}
