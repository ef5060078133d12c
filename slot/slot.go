// Package slot implements the per-slot and per-endpoint state machines
// that sit behind the xHCI command and transfer engines.
package slot

import (
	"sync"

	"github.com/ardnew/xhci/xhcictx"
)

// MaxSlots bounds the number of device slots the controller exposes.
// Slot ids are 1-indexed; slot 0 is reserved.
const MaxSlots = 32

// MaxEndpoints is one past the highest endpoint id: valid ids are 1..31
// (endpoint id 1 is always the control endpoint, EP0).
const MaxEndpoints = 32

// Slot is one device slot's state: its xHCI state machine, its root hub
// port binding, and its endpoint table.
type Slot struct {
	mu sync.RWMutex

	state   xhcictx.SlotState
	port    int // root hub (virtual) port number this slot is bound to
	address uint8

	endpoints [MaxEndpoints]*Endpoint
}

// New creates a Disabled slot.
func New() *Slot {
	return &Slot{state: xhcictx.SlotStateDisabled}
}

// State returns the slot's current state.
func (s *Slot) State() xhcictx.SlotState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState transitions the slot. Callers (CommandEngine) are responsible
// for validating that the transition is legal; Slot only stores it.
func (s *Slot) SetState(st xhcictx.SlotState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// Port returns the root hub port this slot is bound to.
func (s *Slot) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// SetPort binds the slot to a root hub port.
func (s *Slot) SetPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.port = port
}

// Address returns the USB device address assigned to this slot.
func (s *Slot) Address() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// SetAddress sets the USB device address.
func (s *Slot) SetAddress(addr uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = addr
}

// Endpoint returns the endpoint context for epid (1..31), or nil if it has
// not been initialized.
func (s *Slot) Endpoint(epid uint8) *Endpoint {
	if epid < 1 || int(epid) >= MaxEndpoints {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints[epid]
}

// InitEndpoint installs (or replaces) the endpoint context for epid.
func (s *Slot) InitEndpoint(epid uint8, ep *Endpoint) {
	if epid < 1 || int(epid) >= MaxEndpoints {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[epid] = ep
}

// DropEndpoint tears down the endpoint context for epid.
func (s *Slot) DropEndpoint(epid uint8) {
	if epid < 1 || int(epid) >= MaxEndpoints {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[epid] = nil
}

// Reset tears down every endpoint except EP0 and clears the address,
// transitioning logically to Default state (RESET_DEVICE). The caller
// still applies the resulting SlotState.
func (s *Slot) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = 0
	for epid := 2; epid < MaxEndpoints; epid++ {
		s.endpoints[epid] = nil
	}
}

// Teardown clears all endpoints and resets to Disabled (DISABLE_SLOT or
// controller reset).
func (s *Slot) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for epid := range s.endpoints {
		s.endpoints[epid] = nil
	}
	s.state = xhcictx.SlotStateDisabled
	s.port = 0
	s.address = 0
}
