package consul

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/capabilities/remote"
	"github.com/kbukum/capdir/errors"
	"github.com/kbukum/capdir/logger"
	"github.com/kbukum/capdir/resilience"
)

var known = []string{"gbid1", "gbid2"}

// fakeKV serves the subset of the Consul HTTP API the client uses.
type fakeKV struct {
	mu    sync.Mutex
	pairs map[string]*api.KVPair
	index uint64
	fail  atomic.Bool
	// beforeCAS runs once before the next check-and-set is applied.
	beforeCAS func(kv *fakeKV)
}

func newFakeKV() *fakeKV {
	return &fakeKV{pairs: make(map[string]*api.KVPair)}
}

func (f *fakeKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.fail.Load() {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Consul-Index", "1")
	w.Header().Set("X-Consul-Knownleader", "true")
	w.Header().Set("X-Consul-Lastcontact", "0")

	if r.URL.Path == "/v1/status/leader" {
		_ = json.NewEncoder(w).Encode("127.0.0.1:8300")
		return
	}
	key, ok := strings.CutPrefix(r.URL.Path, "/v1/kv/")
	if !ok {
		http.NotFound(w, r)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	q := r.URL.Query()
	switch r.Method {
	case http.MethodGet:
		var out []*api.KVPair
		if _, recurse := q["recurse"]; recurse {
			for k, p := range f.pairs {
				if strings.HasPrefix(k, key) {
					out = append(out, p)
				}
			}
			sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
		} else if p, ok := f.pairs[key]; ok {
			out = append(out, p)
		}
		if len(out) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if cas := q.Get("cas"); cas != "" {
			if f.beforeCAS != nil {
				hook := f.beforeCAS
				f.beforeCAS = nil
				hook(f)
			}
			if !f.casMatchesLocked(key, cas) {
				_, _ = io.WriteString(w, "false")
				return
			}
		}
		f.putLocked(key, body)
		_, _ = io.WriteString(w, "true")
	case http.MethodDelete:
		if cas := q.Get("cas"); cas != "" && !f.casMatchesLocked(key, cas) {
			_, _ = io.WriteString(w, "false")
			return
		}
		delete(f.pairs, key)
		_, _ = io.WriteString(w, "true")
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeKV) casMatchesLocked(key, cas string) bool {
	want, _ := strconv.ParseUint(cas, 10, 64)
	p, ok := f.pairs[key]
	if want == 0 {
		return !ok
	}
	return ok && p.ModifyIndex == want
}

func (f *fakeKV) putLocked(key string, value []byte) {
	f.index++
	f.pairs[key] = &api.KVPair{Key: key, Value: value, CreateIndex: f.index, ModifyIndex: f.index}
}

func (f *fakeKV) put(t *testing.T, key string, rec record) {
	t.Helper()
	value, err := msgpack.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(key, value)
}

func (f *fakeKV) record(t *testing.T, key string) (record, bool) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pairs[key]
	if !ok {
		return record{}, false
	}
	var rec record
	if err := msgpack.Unmarshal(p.Value, &rec); err != nil {
		t.Fatalf("unmarshal %s: %v", key, err)
	}
	return rec, true
}

func newTestClient(t *testing.T, kv *fakeKV, ccID string) *Client {
	t.Helper()
	srv := httptest.NewServer(kv)
	t.Cleanup(srv.Close)

	c, err := NewClient(remote.Config{
		Provider:            remote.ProviderConsul,
		ClusterControllerID: ccID,
		KnownGbids:          known,
		RequestTimeout:      2 * time.Second,
		Breaker:             remote.BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute},
	}, Config{Address: strings.TrimPrefix(srv.URL, "http://")}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func entry(t *testing.T, id, domain string, lastSeen int64) capabilities.GlobalDiscoveryEntry {
	t.Helper()
	e, err := capabilities.NewGlobalDiscoveryEntry(capabilities.DiscoveryEntry{
		Domain:         domain,
		InterfaceName:  "vehicle/Radio",
		ParticipantID:  id,
		Qos:            capabilities.ProviderQos{Scope: capabilities.ScopeGlobal},
		LastSeenDateMs: lastSeen,
		ExpiryDateMs:   capabilities.NoExpiry,
	}, capabilities.MqttAddress{BrokerURI: "gbid1", Topic: id})
	if err != nil {
		t.Fatalf("NewGlobalDiscoveryEntry: %v", err)
	}
	return e
}

// await runs op and waits for its callback.
func await[T any](t *testing.T, op func(cb capabilities.Callback[T])) capabilities.Result[T] {
	t.Helper()
	ch := make(chan capabilities.Result[T], 1)
	op(func(r capabilities.Result[T]) { ch <- r })
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked")
		return capabilities.Result[T]{}
	}
}

func TestClient_AddLookupRemove(t *testing.T) {
	kv := newFakeKV()
	c := newTestClient(t, kv, "cc1")
	e := entry(t, "p1", "d1", 100)

	r := await(t, func(cb capabilities.Callback[struct{}]) { c.Add(cb, e, time.Second, []string{"gbid1"}) })
	if !r.Succeeded() {
		t.Fatalf("Add: %+v", r)
	}
	rec, ok := kv.record(t, "capdir/gcd/gbid1/p1")
	if !ok || rec.ClusterControllerID != "cc1" || rec.Entry.ParticipantID != "p1" {
		t.Fatalf("unexpected record %+v (found=%v)", rec, ok)
	}

	got := await(t, func(cb capabilities.Callback[capabilities.GlobalDiscoveryEntry]) { c.Lookup(cb, "p1", time.Second, known) })
	if !got.Succeeded() || got.Value.Address != e.Address {
		t.Fatalf("Lookup = %+v", got)
	}

	tests := []struct {
		name  string
		id    string
		gbids []string
		want  capabilities.DiscoveryError
	}{
		{"other backend only", "p1", []string{"gbid2"}, capabilities.ErrNoEntryForSelectedBackends},
		{"unknown participant", "ghost", known, capabilities.ErrNoEntryForParticipant},
		{"unknown gbid", "p1", []string{"gbid9"}, capabilities.ErrUnknownGbid},
		{"no gbids", "p1", nil, capabilities.ErrInvalidGbid},
	}
	for _, tt := range tests {
		t.Run("lookup "+tt.name, func(t *testing.T) {
			r := await(t, func(cb capabilities.Callback[capabilities.GlobalDiscoveryEntry]) { c.Lookup(cb, tt.id, time.Second, tt.gbids) })
			if r.DiscoveryError != tt.want {
				t.Errorf("Lookup error = %q, want %q", r.DiscoveryError, tt.want)
			}
		})
		t.Run("remove "+tt.name, func(t *testing.T) {
			r := await(t, func(cb capabilities.Callback[struct{}]) { c.Remove(cb, tt.id, tt.gbids) })
			if r.DiscoveryError != tt.want {
				t.Errorf("Remove error = %q, want %q", r.DiscoveryError, tt.want)
			}
		})
	}

	r = await(t, func(cb capabilities.Callback[struct{}]) { c.Remove(cb, "p1", known) })
	if !r.Succeeded() {
		t.Fatalf("Remove: %+v", r)
	}
	if _, ok := kv.record(t, "capdir/gcd/gbid1/p1"); ok {
		t.Error("record still present after remove")
	}
}

func TestClient_LookupDomains(t *testing.T) {
	kv := newFakeKV()
	c := newTestClient(t, kv, "cc1")
	for _, gbid := range known {
		kv.put(t, "capdir/gcd/"+gbid+"/b", record{Entry: entry(t, "b", "d1", 0), ClusterControllerID: "cc1"})
	}
	kv.put(t, "capdir/gcd/gbid1/a", record{Entry: entry(t, "a", "d2", 0), ClusterControllerID: "cc2"})
	kv.put(t, "capdir/gcd/gbid1/c", record{Entry: entry(t, "c", "d3", 0), ClusterControllerID: "cc1"})
	other := entry(t, "x", "d1", 0)
	other.InterfaceName = "vehicle/Seat"
	kv.put(t, "capdir/gcd/gbid1/x", record{Entry: other, ClusterControllerID: "cc1"})

	r := await(t, func(cb capabilities.Callback[[]capabilities.GlobalDiscoveryEntry]) {
		c.LookupDomains(cb, []string{"d1", "d2"}, "vehicle/Radio", time.Second, known)
	})
	if !r.Succeeded() {
		t.Fatalf("LookupDomains: %+v", r)
	}
	var got []string
	for _, e := range r.Value {
		got = append(got, e.ParticipantID)
	}
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("LookupDomains = %v, want [a b]", got)
	}
}

func TestClient_TouchOnlyOwnRecords(t *testing.T) {
	kv := newFakeKV()
	c := newTestClient(t, kv, "cc1")
	kv.put(t, "capdir/gcd/gbid1/mine", record{Entry: entry(t, "mine", "d", 1), ClusterControllerID: "cc1"})
	kv.put(t, "capdir/gcd/gbid1/theirs", record{Entry: entry(t, "theirs", "d", 1), ClusterControllerID: "cc2"})

	// a concurrent writer bumps the record once; touch must retry
	kv.beforeCAS = func(f *fakeKV) {
		p := f.pairs["capdir/gcd/gbid1/mine"]
		f.putLocked(p.Key, p.Value)
	}

	r := await(t, func(cb capabilities.Callback[struct{}]) { c.Touch(cb, []string{"mine", "theirs", "ghost"}, "gbid1") })
	if !r.Succeeded() {
		t.Fatalf("Touch: %+v", r)
	}
	if rec, _ := kv.record(t, "capdir/gcd/gbid1/mine"); rec.Entry.LastSeenDateMs <= 1 {
		t.Errorf("own record not touched: %+v", rec.Entry)
	}
	if rec, _ := kv.record(t, "capdir/gcd/gbid1/theirs"); rec.Entry.LastSeenDateMs != 1 {
		t.Errorf("foreign record touched: %+v", rec.Entry)
	}
}

func TestClient_RemoveStale(t *testing.T) {
	kv := newFakeKV()
	c := newTestClient(t, kv, "cc1")
	kv.put(t, "capdir/gcd/gbid1/old", record{Entry: entry(t, "old", "d", 100), ClusterControllerID: "cc1"})
	kv.put(t, "capdir/gcd/gbid1/fresh", record{Entry: entry(t, "fresh", "d", 900), ClusterControllerID: "cc1"})
	kv.put(t, "capdir/gcd/gbid1/foreign", record{Entry: entry(t, "foreign", "d", 100), ClusterControllerID: "cc2"})
	kv.put(t, "capdir/gcd/gbid2/old", record{Entry: entry(t, "old", "d", 100), ClusterControllerID: "cc1"})

	r := await(t, func(cb capabilities.Callback[struct{}]) { c.RemoveStale(cb, 500, "gbid1") })
	if !r.Succeeded() {
		t.Fatalf("RemoveStale: %+v", r)
	}
	for key, want := range map[string]bool{
		"capdir/gcd/gbid1/old":     false,
		"capdir/gcd/gbid1/fresh":   true,
		"capdir/gcd/gbid1/foreign": true,
		"capdir/gcd/gbid2/old":     true,
	} {
		if _, ok := kv.record(t, key); ok != want {
			t.Errorf("%s present = %v, want %v", key, ok, want)
		}
	}
}

func TestClient_FailuresOpenBreaker(t *testing.T) {
	kv := newFakeKV()
	c := newTestClient(t, kv, "cc1")

	// modeled errors are answers, not backend failures
	for i := 0; i < 3; i++ {
		r := await(t, func(cb capabilities.Callback[capabilities.GlobalDiscoveryEntry]) { c.Lookup(cb, "ghost", time.Second, known) })
		if r.DiscoveryError != capabilities.ErrNoEntryForParticipant {
			t.Fatalf("Lookup = %+v", r)
		}
	}
	if c.State() != resilience.StateClosed {
		t.Fatalf("breaker opened on modeled errors: %s", c.State())
	}

	kv.fail.Store(true)
	for i := 0; i < 2; i++ {
		r := await(t, func(cb capabilities.Callback[struct{}]) { c.Remove(cb, "p1", known) })
		if !errors.HasCode(r.Failure, errors.ErrCodeConnectionFailed) {
			t.Fatalf("attempt %d: expected connection failure, got %+v", i, r)
		}
	}
	r := await(t, func(cb capabilities.Callback[struct{}]) { c.Remove(cb, "p1", known) })
	if !errors.HasCode(r.Failure, errors.ErrCodeServiceUnavailable) {
		t.Fatalf("expected service unavailable once open, got %+v", r)
	}
	if c.State() != resilience.StateOpen {
		t.Errorf("breaker state = %s, want open", c.State())
	}
}

func TestClient_Ping(t *testing.T) {
	kv := newFakeKV()
	c := newTestClient(t, kv, "cc1")
	if err := c.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	kv.fail.Store(true)
	if err := c.Ping(t.Context()); !errors.HasCode(err, errors.ErrCodeConnectionFailed) {
		t.Errorf("expected connection failure, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{}, false},
		{"bad scheme", Config{Scheme: "ftp"}, true},
		{"tls over http", Config{Scheme: "http", TLS: &TLSConfig{Enabled: true}}, true},
		{"tls over https", Config{Scheme: "https", TLS: &TLSConfig{Enabled: true}}, false},
		{"negative attempts", Config{TouchAttempts: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.ApplyDefaults()
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	cfg := Config{KeyPrefix: "/a/b/"}
	cfg.ApplyDefaults()
	if cfg.KeyPrefix != "a/b" {
		t.Errorf("KeyPrefix = %q, want a/b", cfg.KeyPrefix)
	}
}

func TestFactoryRegistered(t *testing.T) {
	c, err := remote.New(remote.Config{
		Provider:            remote.ProviderConsul,
		ClusterControllerID: "cc1",
		KnownGbids:          known,
	}, &Config{Address: "127.0.0.1:1"}, logger.NewNop())
	if err != nil {
		t.Fatalf("remote.New: %v", err)
	}
	defer c.Close()
	if _, ok := c.(*Client); !ok {
		t.Errorf("expected *Client, got %T", c)
	}
}
