package directory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/logger"
)

const waitTimeout = 2 * time.Second

var ccAddress = capabilities.MqttAddress{BrokerURI: "gbid1", Topic: "cc/replyto"}

type clientCall struct {
	op             string
	entry          capabilities.GlobalDiscoveryEntry
	ttl            time.Duration
	participantID  string
	participantIDs []string
	domains        []string
	interfaceName  string
	gbids          []string
	maxLastSeenMs  int64

	done     capabilities.Callback[struct{}]
	found    capabilities.Callback[capabilities.GlobalDiscoveryEntry]
	foundAll capabilities.Callback[[]capabilities.GlobalDiscoveryEntry]
}

// fakeClient records every call. Calls without a responder stay open until
// the test answers them through the recorded callback.
type fakeClient struct {
	calls chan clientCall

	mu        sync.Mutex
	responder map[string]func(clientCall)
}

var _ capabilities.GlobalDirectoryClient = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{calls: make(chan clientCall, 256), responder: make(map[string]func(clientCall))}
}

func (f *fakeClient) on(op string, fn func(clientCall)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responder[op] = fn
}

func (f *fakeClient) handle(c clientCall) {
	f.mu.Lock()
	fn := f.responder[c.op]
	f.mu.Unlock()
	f.calls <- c
	if fn != nil {
		fn(c)
	}
}

func (f *fakeClient) Add(cb capabilities.Callback[struct{}], entry capabilities.GlobalDiscoveryEntry, ttl time.Duration, gbids []string) {
	f.handle(clientCall{op: "add", entry: entry, ttl: ttl, gbids: gbids, done: cb})
}

func (f *fakeClient) Remove(cb capabilities.Callback[struct{}], participantID string, gbids []string) {
	f.handle(clientCall{op: "remove", participantID: participantID, gbids: gbids, done: cb})
}

func (f *fakeClient) Lookup(cb capabilities.Callback[capabilities.GlobalDiscoveryEntry], participantID string, ttl time.Duration, gbids []string) {
	f.handle(clientCall{op: "lookup", participantID: participantID, ttl: ttl, gbids: gbids, found: cb})
}

func (f *fakeClient) LookupDomains(cb capabilities.Callback[[]capabilities.GlobalDiscoveryEntry], domains []string, interfaceName string,
	ttl time.Duration, gbids []string) {
	f.handle(clientCall{op: "lookupDomains", domains: domains, interfaceName: interfaceName, ttl: ttl, gbids: gbids, foundAll: cb})
}

func (f *fakeClient) Touch(cb capabilities.Callback[struct{}], participantIDs []string, gbid string) {
	f.handle(clientCall{op: "touch", participantIDs: participantIDs, gbids: []string{gbid}, done: cb})
}

func (f *fakeClient) RemoveStale(cb capabilities.Callback[struct{}], maxLastSeenDateMs int64, gbid string) {
	f.handle(clientCall{op: "removeStale", maxLastSeenMs: maxLastSeenDateMs, gbids: []string{gbid}, done: cb})
}

func (f *fakeClient) next(t *testing.T, op string) clientCall {
	t.Helper()
	select {
	case c := <-f.calls:
		if c.op != op {
			t.Fatalf("expected %s call, got %s", op, c.op)
		}
		return c
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s call", op)
	}
	return clientCall{}
}

func (f *fakeClient) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected %s call %+v", c.op, c)
	case <-time.After(within):
	}
}

type fakeRouting struct {
	mu   sync.Mutex
	puts map[string]capabilities.Address
	refs map[string]int
}

func newFakeRouting() *fakeRouting {
	return &fakeRouting{puts: make(map[string]capabilities.Address), refs: make(map[string]int)}
}

func (f *fakeRouting) Put(participantID string, address capabilities.Address, _ bool, _ int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[participantID] = address
}

func (f *fakeRouting) IncrementReferenceCount(participantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[participantID]++
	return nil
}

func (f *fakeRouting) routed(participantID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.puts[participantID]
	return ok
}

func (f *fakeRouting) refCount(participantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[participantID]
}

type fakeAddresses struct {
	mu        sync.Mutex
	address   capabilities.Address
	listeners []capabilities.TransportReadyListener
}

func (f *fakeAddresses) Get() (capabilities.Address, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.address, f.address != nil
}

func (f *fakeAddresses) RegisterGlobalAddressesReadyListener(l capabilities.TransportReadyListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

func (f *fakeAddresses) set(address capabilities.Address) {
	f.mu.Lock()
	f.address = address
	listeners := append([]capabilities.TransportReadyListener(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range listeners {
		l.TransportReady(address)
	}
}

func (f *fakeAddresses) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.address = nil
}

type harness struct {
	dir       *Directory
	client    *fakeClient
	routing   *fakeRouting
	addresses *fakeAddresses
	clock     *clock.Mock
}

type harnessConfig struct {
	cfg     capabilities.Config
	address capabilities.Address
	opts    []Option
}

func newHarness(t *testing.T, mutate ...func(*harnessConfig)) *harness {
	t.Helper()
	disabled := false
	hc := harnessConfig{
		cfg: capabilities.Config{
			KnownGbids:         []string{"gbid1", "gbid2", "gbid3"},
			RemoveStaleOnStart: &disabled,
		},
		address: ccAddress,
	}
	for _, m := range mutate {
		m(&hc)
	}

	h := &harness{
		client:    newFakeClient(),
		routing:   newFakeRouting(),
		addresses: &fakeAddresses{address: hc.address},
		clock:     clock.NewMock(),
	}
	opts := append([]Option{WithClock(h.clock), WithLogger(logger.NewNop())}, hc.opts...)
	d, err := New(hc.cfg, h.client, h.routing, h.addresses, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := d.Shutdown(ctx, false); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	h.dir = d
	return h
}

func await[T any](t *testing.T, f *capabilities.Future[T]) capabilities.Result[T] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	r, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("future not resolved: %v", err)
	}
	return r
}

func pending[T any](t *testing.T, f *capabilities.Future[T]) {
	t.Helper()
	select {
	case <-f.Done():
		t.Fatal("future resolved too early")
	case <-time.After(50 * time.Millisecond):
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func providerEntry(id, domain string, scope capabilities.ProviderScope) capabilities.DiscoveryEntry {
	return capabilities.DiscoveryEntry{
		ProviderVersion: capabilities.Version{Major: 1},
		Domain:          domain,
		InterfaceName:   "vehicle/Radio",
		ParticipantID:   id,
		Qos:             capabilities.ProviderQos{Scope: scope},
		ExpiryDateMs:    capabilities.NoExpiry,
	}
}

func globalEntry(t *testing.T, id, domain, gbid string) capabilities.GlobalDiscoveryEntry {
	t.Helper()
	e, err := capabilities.NewGlobalDiscoveryEntry(providerEntry(id, domain, capabilities.ScopeGlobal),
		capabilities.MqttAddress{BrokerURI: gbid, Topic: id})
	if err != nil {
		t.Fatalf("NewGlobalDiscoveryEntry: %v", err)
	}
	return e
}

func success() capabilities.Result[struct{}] { return capabilities.Success(struct{}{}) }
