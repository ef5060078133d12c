package xhci

import (
	"context"

	"github.com/ardnew/xhci/xhcilog"
)

// vbdpAction is queued through the semaphore-gated poller and applied to
// the port mapper by runVBDP.
type vbdpAction uint8

const (
	vbdpActionDrop vbdpAction = iota
	vbdpActionRestore
)

// vbdpSemaphore decouples an external VBus drop/restore trigger (a signal
// handler, an admin command, a test) from the goroutine that applies it, so
// the trigger never blocks on controller state.
// newVBDPSemaphore is platform-specific: Linux backs it with an eventfd
// (vbdp_linux.go); other platforms fall back to a buffered channel
// (vbdp_other.go).
type vbdpSemaphore interface {
	// Wait blocks until a post is pending. Returns a non-nil error once the
	// semaphore has been closed.
	Wait() error
	// Post wakes one pending Wait.
	Post() error
	Close() error
}

// SimulateVBusDrop schedules a VBus drop administratively: every
// Emulated/Connected port's device assignment is cached and demoted to
// Assigned, as if the host controller's power rail had browned out. This is
// the same outcome a guest write to USBCMD.CSS applies directly; this entry
// point exists for hosts or tests that want to drive the condition without
// going through the register file.
func (c *Controller) SimulateVBusDrop() {
	c.queueVBDP(vbdpActionDrop)
}

// SimulateVBusRestore schedules a VBus restore administratively: cached
// assignments are replayed onto the corresponding vports as their devices
// reappear, the same outcome a guest write to USBCMD.CRS applies directly.
func (c *Controller) SimulateVBusRestore() {
	c.queueVBDP(vbdpActionRestore)
}

func (c *Controller) queueVBDP(action vbdpAction) {
	if c.vbdpSem == nil {
		c.applyVBDP(action)
		return
	}
	c.mu.Lock()
	c.vbdpPending = append(c.vbdpPending, action)
	c.mu.Unlock()
	if err := c.vbdpSem.Post(); err != nil {
		xhcilog.Warn(xhcilog.ComponentPort, "vbdp semaphore post failed", "err", err)
	}
}

func (c *Controller) applyVBDP(action vbdpAction) {
	switch action {
	case vbdpActionDrop:
		c.mapper.BeginSave()
	case vbdpActionRestore:
		c.mapper.BeginRestore()
		c.mapper.EndRestore()
	}
}

// runVBDP is the semaphore-gated poller: it blocks on vbdpSem.Wait and, on
// each wake, applies every queued action in order, until ctx is cancelled
// (observed on the next wake; Stop posts one) or the semaphore is closed.
func (c *Controller) runVBDP(ctx context.Context) error {
	for {
		if err := c.vbdpSem.Wait(); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		for {
			c.mu.Lock()
			if len(c.vbdpPending) == 0 {
				c.mu.Unlock()
				break
			}
			action := c.vbdpPending[0]
			c.vbdpPending = c.vbdpPending[1:]
			c.mu.Unlock()

			c.applyVBDP(action)
		}
	}
}
