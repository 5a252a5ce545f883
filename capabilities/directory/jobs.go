package directory

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/errors"
	"github.com/kbukum/capdir/logger"
	"github.com/kbukum/capdir/resilience"
)

// runEvery calls job at a fixed rate until the directory shuts down.
func (d *Directory) runEvery(interval time.Duration, job func()) {
	ticker := d.clock.Ticker(interval)
	d.jobs.Add(1)
	go func() {
		defer d.jobs.Done()
		defer ticker.Stop()
		for {
			select {
			case <-d.jobsCtx.Done():
				return
			case <-ticker.C:
				job()
			}
		}
	}()
}

// touchAll refreshes every local entry and tells the global directory that
// the globally registered ones are still alive, one call per GBID.
func (d *Directory) touchAll() {
	lastSeen := d.clock.Now()
	lastSeenMs := lastSeen.UnixMilli()
	expiryMs := lastSeen.Add(d.cfg.ProviderExpiryInterval).UnixMilli()

	participantIDs := d.local.TouchDiscoveryEntries(lastSeenMs, expiryMs)
	d.cache.TouchParticipants(participantIDs, lastSeenMs, expiryMs)
	if len(participantIDs) == 0 {
		d.log.Debug("touch skipped, no global providers")
		return
	}

	byGbid := make(map[string][]string, len(d.cfg.KnownGbids))
	known := capabilities.GbidSet(d.cfg.KnownGbids)
	d.cacheMu.Lock()
	for _, id := range participantIDs {
		gbids := d.gbidsByParticipant[id]
		if len(gbids) == 0 {
			d.log.Warn("touch skipped for provider without GBID", logger.Fields(logger.FieldParticipantID, id))
			continue
		}
		gbid := gbids[0]
		if _, ok := known[gbid]; !ok {
			d.log.Error("touch skipped for provider with unknown GBID", logger.Fields(logger.FieldParticipantID, id, logger.FieldGBID, gbid))
			continue
		}
		byGbid[gbid] = append(byGbid[gbid], id)
	}
	d.cacheMu.Unlock()

	for _, gbid := range d.cfg.KnownGbids {
		ids := byGbid[gbid]
		if len(ids) == 0 {
			continue
		}
		d.client.Touch(func(r capabilities.Result[struct{}]) {
			fields := logger.Fields(logger.FieldGBID, gbid, logger.FieldParticipantIDs, ids)
			if r.Succeeded() {
				d.log.Debug("touch succeeded", fields)
				return
			}
			d.log.Error("touch failed", logger.MergeWithError(fields, r.AsError()))
		}, ids, gbid)
	}
}

// TriggerReAdd queues a re-registration of every globally registered local
// provider.
func (d *Directory) TriggerReAdd() {
	d.log.Debug("re-add scheduled")
	d.seq.add(newReAddTask())
}

// reAddAll runs on the sequencer goroutine.
func (d *Directory) reAddAll(ctx context.Context) {
	entries := d.local.AllGlobalEntries()
	if len(entries) == 0 {
		d.log.Debug("re-add: no globally registered providers")
		return
	}
	address, ok := d.TransportAddress()
	if !ok {
		d.log.Warn("re-add skipped, transport not ready", logger.Fields("count", len(entries)))
		return
	}
	d.log.Info("re-add started", logger.Fields("count", len(entries)))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	if d.cfg.ReAddParallelism > 0 {
		g.SetLimit(d.cfg.ReAddParallelism)
	}
	for _, entry := range entries {
		gbids := d.GbidsOf(entry.ParticipantID)
		if len(gbids) == 0 {
			d.log.Warn("re-add: no GBIDs found", logger.Fields(logger.FieldParticipantID, entry.ParticipantID))
			continue
		}
		global, err := capabilities.NewGlobalDiscoveryEntry(entry, address)
		if err != nil {
			mu.Lock()
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", entry.ParticipantID, err))
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			f := capabilities.NewFuture[struct{}]()
			d.client.Add(f.Callback(), global, d.cfg.DefaultTTL, gbids)
			_, err := f.Get(ctx)
			fields := logger.Fields(logger.FieldParticipantID, global.ParticipantID, logger.FieldGBIDs, gbids)
			if err != nil {
				d.log.Error("re-add failed", logger.MergeWithError(fields, err))
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", global.ParticipantID, err))
				mu.Unlock()
				return nil
			}
			d.log.Debug("re-add succeeded", fields)
			return nil
		})
	}
	_ = g.Wait()

	if errs != nil {
		d.log.Error("re-add completed with failures", logger.MergeWithError(
			logger.Fields("failed", len(multierr.Errors(errs))), errs))
		return
	}
	d.log.Info("re-add completed")
}

// removeExpired drops expired entries from both stores. Expired globally
// registered local providers are also removed from the global directory.
func (d *Directory) removeExpired() {
	nowMs := d.nowMs()
	d.cacheMu.Lock()
	expiredCache := d.cache.RemoveExpired(nowMs)
	d.cacheMu.Unlock()
	expiredLocal := d.local.RemoveExpired(nowMs)

	for _, entry := range expiredLocal {
		d.removeInternal(entry.ParticipantID, entry.Qos.Scope)
	}
	if len(expiredLocal)+len(expiredCache) > 0 {
		d.log.Info("removed expired entries", logger.Fields("local", len(expiredLocal), "cached", len(expiredCache)))
	}
}

// RemoveStaleProvidersOfClusterController asks the global directory, per
// known GBID, to drop providers of this node last seen before it started.
// Failures are retried in the background until the call succeeds, the
// backend cannot be reached with this node's address type, the retry window
// has elapsed or the directory shuts down.
func (d *Directory) RemoveStaleProvidersOfClusterController() {
	maxLastSeenDateMs := d.startedAt.UnixMilli()
	gbids := d.KnownGbids()

	d.jobs.Add(1)
	go func() {
		defer d.jobs.Done()
		var g errgroup.Group
		for _, gbid := range gbids {
			g.Go(func() error {
				return d.removeStale(d.jobsCtx, gbid, maxLastSeenDateMs)
			})
		}
		_ = g.Wait()
	}()
}

func (d *Directory) removeStale(ctx context.Context, gbid string, maxLastSeenDateMs int64) error {
	fields := logger.Fields(logger.FieldGBID, gbid, "max_last_seen_ms", maxLastSeenDateMs)
	cfg := resilience.RetryConfig{
		MaxAttempts:    resilience.UnlimitedAttempts,
		MaxElapsed:     d.cfg.RemoveStaleRetryWindow,
		Since:          d.startedAt,
		InitialBackoff: d.cfg.RemoveStaleMinBackoff,
		MaxBackoff:     d.cfg.RemoveStaleMaxBackoff,
		BackoffFactor:  2.0,
		Jitter:         0.1,
		Clock:          d.clock,
		RetryIf: func(err error) bool {
			var modeled *capabilities.ModeledError
			if ctx.Err() != nil || stderrors.As(err, &modeled) {
				return false
			}
			return !errors.HasCode(err, errors.ErrCodeAddressNotSupported)
		},
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			d.log.Error("remove stale failed, retrying", logger.MergeWithError(
				logger.Fields(logger.FieldGBID, gbid, "attempt", attempt, "backoff", backoff.String()), err))
		},
	}

	_, err := resilience.Retry(ctx, cfg, func() (struct{}, error) {
		f := capabilities.NewFuture[struct{}]()
		d.client.RemoveStale(f.Callback(), maxLastSeenDateMs, gbid)
		return f.Get(ctx)
	})
	if err != nil {
		d.log.Error("remove stale gave up", logger.MergeWithError(fields, err))
		return err
	}
	d.log.Info("remove stale succeeded", fields)
	return nil
}
