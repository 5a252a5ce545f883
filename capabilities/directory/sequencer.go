package directory

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/logger"
)

// taskHandler performs the remote calls for the sequencer.
type taskHandler interface {
	// addGlobal registers t.entry remotely and reports through done.
	addGlobal(t *gcdTask, ttl time.Duration, done capabilities.Callback[struct{}])
	// reAddAll re-registers every globally scoped local entry and returns
	// once all calls reported back or ctx ends.
	reAddAll(ctx context.Context)
	// removeGlobal unregisters t.participantID remotely and reports through
	// done. It returns false when nothing was sent.
	removeGlobal(t *gcdTask, done capabilities.Callback[struct{}]) bool
}

// sequencer runs global directory tasks one at a time in FIFO order. A task
// whose callback asks for a retry stays held and is dispatched again before
// anything queued behind it.
//
// Two signals drive the loop. workerSlot carries a single token: whoever
// owns it may talk to the global directory, and the token's value says
// whether the held task is done. queueSignal is armed while the queue is
// non-empty.
type sequencer struct {
	handler    taskHandler
	clock      clock.Clock
	defaultTTL time.Duration
	log        *logger.Logger
	metrics    *metrics

	mu      sync.Mutex
	queue   []*gcdTask
	stopped bool

	queueSignal chan struct{}
	workerSlot  chan taskOutcome
	stopCh      chan struct{}
	stopOnce    sync.Once
	startOnce   sync.Once
	done        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc

	// held is owned by the loop goroutine.
	held *gcdTask
}

func newSequencer(handler taskHandler, clk clock.Clock, defaultTTL time.Duration, log *logger.Logger, m *metrics) *sequencer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &sequencer{
		handler:     handler,
		clock:       clk,
		defaultTTL:  defaultTTL,
		log:         log,
		metrics:     m,
		queueSignal: make(chan struct{}, 1),
		workerSlot:  make(chan taskOutcome, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.workerSlot <- outcomeFinished
	return s
}

func (s *sequencer) start() {
	s.startOnce.Do(func() { go s.run() })
}

// add enqueues t. It reports false once the sequencer is stopped.
func (s *sequencer) add(t *gcdTask) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.log.Debug("sequencer stopped, dropping task", logger.Fields(
			logger.FieldTaskID, t.id, logger.FieldTaskType, t.kind.String(), logger.FieldParticipantID, t.subject()))
		return false
	}
	t.enqueuedAt = s.clock.Now()
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	s.metrics.queueChanged(1)
	s.armQueueSignal()
	return true
}

// stop discards the queue and ends the loop. Callbacks of discarded tasks
// are not invoked.
func (s *sequencer) stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		discarded := len(s.queue)
		s.queue = nil
		s.mu.Unlock()

		s.metrics.queueChanged(-int64(discarded))
		s.cancel()
		close(s.stopCh)
		// never started: nothing will close done
		s.startOnce.Do(func() { close(s.done) })
	})
}

// wait blocks until the loop has exited or ctx ends.
func (s *sequencer) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sequencer) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *sequencer) armQueueSignal() {
	select {
	case s.queueSignal <- struct{}{}:
	default:
	}
}

func (s *sequencer) run() {
	defer close(s.done)
	for {
		wait := s.expireQueued()

		timer := s.clock.Timer(wait)
		var outcome taskOutcome
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case outcome = <-s.workerSlot:
			timer.Stop()
		case <-timer.C:
			continue
		}

		if outcome == outcomeFinished {
			s.held = nil
		}
		if s.held == nil {
			select {
			case <-s.stopCh:
				return
			case <-s.queueSignal:
			}
			s.held = s.dequeue()
			if s.held == nil {
				s.workerSlot <- outcomeFinished
				continue
			}
		}
		s.dispatch(s.held)
	}
}

func (s *sequencer) dequeue() *gcdTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	t := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	if len(s.queue) > 0 {
		s.armQueueSignal()
	}
	s.metrics.queueChanged(-1)
	return t
}

// expireQueued fails queued ADD tasks whose deadline has passed and returns
// how long the loop may wait before the next deadline, at most defaultTTL.
func (s *sequencer) expireQueued() time.Duration {
	now := s.clock.Now()
	wait := s.defaultTTL

	var expired []*gcdTask
	s.mu.Lock()
	kept := s.queue[:0]
	for _, t := range s.queue {
		if t.expired(now) {
			expired = append(expired, t)
			continue
		}
		kept = append(kept, t)
		if t.kind == taskAdd && !t.deadline.IsZero() {
			if d := t.deadline.Sub(now); d < wait {
				wait = d
			}
		}
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
	s.mu.Unlock()

	for _, t := range expired {
		s.metrics.queueChanged(-1)
		s.metrics.recordTask(t.kind, "expired", now.Sub(t.enqueuedAt))
		s.log.Warn("global registration expired in queue", logger.Fields(
			logger.FieldTaskID, t.id, logger.FieldParticipantID, t.subject()))
		t.onResult(capabilities.Failed[struct{}](errRegistrationExpired()))
	}
	return wait
}

func (s *sequencer) dispatch(t *gcdTask) {
	t.attempts++
	fields := logger.Fields(logger.FieldTaskID, t.id, logger.FieldTaskType, t.kind.String(),
		logger.FieldParticipantID, t.subject(), "attempt", t.attempts)

	switch t.kind {
	case taskAdd:
		ttl := s.defaultTTL
		if !t.doRetry {
			now := s.clock.Now()
			if !now.Before(t.deadline) {
				s.log.Warn("global registration expired before dispatch", fields)
				s.metrics.recordTask(t.kind, "expired", now.Sub(t.enqueuedAt))
				t.onResult(capabilities.Failed[struct{}](errRegistrationExpired()))
				s.workerSlot <- outcomeFinished
				return
			}
			ttl = t.deadline.Sub(now)
		}
		s.log.Debug("global registration started", fields)
		s.handler.addGlobal(t, ttl, s.completion(t))

	case taskReAdd:
		start := s.clock.Now()
		ctx, cancel := s.clock.WithTimeout(s.ctx, s.defaultTTL)
		s.handler.reAddAll(ctx)
		cancel()
		s.metrics.recordTask(t.kind, outcomeFinished.String(), s.clock.Since(start))
		s.workerSlot <- outcomeFinished

	case taskRemove:
		if !s.handler.removeGlobal(t, s.completion(t)) {
			s.metrics.recordTask(t.kind, "skipped", 0)
			s.workerSlot <- outcomeFinished
		}

	default:
		s.log.Error("unknown task type", fields)
		s.workerSlot <- outcomeFinished
	}
}

// completion wraps t.onResult so that the first result hands the worker
// token back to the loop. Later results are ignored.
func (s *sequencer) completion(t *gcdTask) capabilities.Callback[struct{}] {
	var once sync.Once
	start := s.clock.Now()
	return func(r capabilities.Result[struct{}]) {
		once.Do(func() {
			outcome := t.onResult(r)
			s.metrics.recordTask(t.kind, outcome.String(), s.clock.Since(start))
			s.workerSlot <- outcome
		})
	}
}
