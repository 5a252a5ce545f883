package routing

import (
	"sync"

	"github.com/kbukum/capdir/capabilities"
)

// StaticAddressProvider hands out a global address that is set once the
// transport is connected.
type StaticAddressProvider struct {
	mu        sync.Mutex
	address   capabilities.Address
	listeners []capabilities.TransportReadyListener
}

var _ capabilities.GlobalAddressProvider = (*StaticAddressProvider)(nil)

// NewStaticAddressProvider returns a provider. A nil address means the
// transport is not ready yet.
func NewStaticAddressProvider(address capabilities.Address) *StaticAddressProvider {
	return &StaticAddressProvider{address: address}
}

// Get returns the address, or false while it is unset.
func (p *StaticAddressProvider) Get() (capabilities.Address, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.address, p.address != nil
}

// RegisterGlobalAddressesReadyListener adds listener for later SetAddress
// calls. It never calls back synchronously; callers check Get afterwards.
func (p *StaticAddressProvider) RegisterGlobalAddressesReadyListener(listener capabilities.TransportReadyListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, listener)
}

// SetAddress publishes address and notifies every listener on the calling
// goroutine.
func (p *StaticAddressProvider) SetAddress(address capabilities.Address) {
	p.mu.Lock()
	p.address = address
	listeners := make([]capabilities.TransportReadyListener, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	if address == nil {
		return
	}
	for _, l := range listeners {
		l.TransportReady(address)
	}
}
