package routing

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/errors"
)

func TestTable_PutKeepsReferencesAndLatestExpiry(t *testing.T) {
	mock := clock.NewMock()
	table := NewTable(mock)
	a := capabilities.MqttAddress{BrokerURI: "gbid1", Topic: "a"}
	b := capabilities.MqttAddress{BrokerURI: "gbid2", Topic: "b"}

	table.Put("p1", a, true, 5_000)
	if err := table.IncrementReferenceCount("p1"); err != nil {
		t.Fatalf("IncrementReferenceCount: %v", err)
	}
	table.Put("p1", b, true, 1_000)

	routes := table.Routes()
	if len(routes) != 1 {
		t.Fatalf("expected one route, got %d", len(routes))
	}
	r := routes[0]
	if r.Address != capabilities.Address(b) || r.ExpiryDateMs != 5_000 || r.References != 1 {
		t.Errorf("unexpected route %+v", r)
	}
}

func TestTable_IncrementUnknownParticipant(t *testing.T) {
	table := NewTable(nil)
	err := table.IncrementReferenceCount("ghost")
	if !errors.HasCode(err, errors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestTable_ExpiryAndRelease(t *testing.T) {
	mock := clock.NewMock()
	table := NewTable(mock)
	addr := capabilities.UdsAddress{Path: "/run/p.sock"}

	table.Put("held", addr, false, 1_000)
	table.Put("free", addr, false, 1_000)
	table.Put("forever", addr, false, capabilities.NoExpiry)
	_ = table.IncrementReferenceCount("held")

	mock.Add(2 * time.Second)
	if _, ok := table.Lookup("free"); ok {
		t.Error("expired route must not resolve")
	}
	if _, ok := table.Lookup("forever"); !ok {
		t.Error("route without expiry must resolve")
	}
	if n := table.PurgeExpired(); n != 1 {
		t.Errorf("expected one purged route, got %d", n)
	}
	table.Release("held")
	if got := len(table.Routes()); got != 1 {
		t.Errorf("expected only forever left, got %d routes", got)
	}
}

type recordingListener struct {
	addresses []capabilities.Address
}

func (l *recordingListener) TransportReady(address capabilities.Address) {
	l.addresses = append(l.addresses, address)
}

func TestStaticAddressProvider(t *testing.T) {
	p := NewStaticAddressProvider(nil)
	if _, ok := p.Get(); ok {
		t.Fatal("provider without address must not be ready")
	}

	l := &recordingListener{}
	p.RegisterGlobalAddressesReadyListener(l)
	if len(l.addresses) != 0 {
		t.Fatal("registration must not call back")
	}

	addr := capabilities.MqttAddress{BrokerURI: "gbid1", Topic: "cc"}
	p.SetAddress(addr)
	got, ok := p.Get()
	if !ok || got != capabilities.Address(addr) {
		t.Errorf("Get = %v, %v", got, ok)
	}
	if len(l.addresses) != 1 || l.addresses[0] != capabilities.Address(addr) {
		t.Errorf("listener not notified: %v", l.addresses)
	}

	p.SetAddress(addr)
	if len(l.addresses) != 2 {
		t.Errorf("listeners stay registered, got %d notifications", len(l.addresses))
	}
}
