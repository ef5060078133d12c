// Package xhci wires together the command engine, transfer engine, event
// ring, port table/mapper, and MMIO register file into a single xHCI host
// controller instance, and runs the HostEventLoop that applies backend
// transfer completions back onto the command/transfer state under the
// controller lock.
package xhci

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/xhci/cmdengine"
	"github.com/ardnew/xhci/event"
	"github.com/ardnew/xhci/mmio"
	"github.com/ardnew/xhci/port"
	"github.com/ardnew/xhci/slot"
	"github.com/ardnew/xhci/trb"
	"github.com/ardnew/xhci/xfer"
	"github.com/ardnew/xhci/xhcictx"
	"github.com/ardnew/xhci/xhcierr"
	"github.com/ardnew/xhci/xhcilog"
	"github.com/ardnew/xhci/xhcimem"
	"github.com/ardnew/xhci/xhciusb"
)

// completionQueueDepth bounds the backlog of backend completions awaiting
// application to the ring/event state. A real deployment drains this far
// faster than any single USB transfer completes; the bound exists so a
// runaway guest can't grow it unbounded.
const completionQueueDepth = 64

// completionMsg carries one backend call's outcome from the goroutine that
// made it to the HostEventLoop that applies it.
type completionMsg struct {
	batch  *xfer.Batch
	status xhcierr.BackendStatus
}

// Controller is one emulated xHCI host controller: one BAR0 register file,
// one command ring, one event ring/interrupter, one port table, and the
// slot table threaded through the command and transfer engines.
//
// mu is the controller-wide lock: command processing and batch
// assembly/completion run under it; the blocking UsbDevice.Request/Data
// call runs in its own goroutine with the lock released and the
// endpoint's own lock held instead.
type Controller struct {
	mu sync.Mutex

	rawMem xhcimem.GuestMem
	mem    *xhcimem.View
	pci    xhcimem.PciBus

	ports  *port.Table
	mapper *port.Mapper

	events *event.Ring
	intr   *event.Interrupter
	regs   *mmio.RegFile

	cmd     *cmdengine.Engine
	xferEng *xfer.Engine
	dcbaa   *xhcictx.DCBAA

	// backends is indexed by virtual root hub port, 1-indexed like
	// port.Table; index 0 is unused.
	backends [port.MaxPorts + 1]xhciusb.Device

	// openers resolves a host device path to a constructor for the backend
	// that should be attached once that path actually connects. Populated
	// by AttachPassthrough.
	openers map[port.Path]func() (xhciusb.Device, error)

	completions chan completionMsg

	vbdpSem     vbdpSemaphore
	vbdpPending []vbdpAction

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a Controller over the given guest memory and PCI interrupt
// delivery capability, in its post-reset state.
func New(mem xhcimem.GuestMem, pci xhcimem.PciBus) *Controller {
	view := xhcimem.NewView(mem)
	ports := port.NewTable()
	mapper := port.NewMapper(ports)
	events := event.NewRing(view)
	intr := event.NewInterrupter(events)
	regs := mmio.New(ports, intr)
	cmd := cmdengine.New(view, nil, events, intr, pci)
	xferEng := xfer.New(view, events, intr, pci)

	c := &Controller{
		rawMem: mem, mem: view, pci: pci,
		ports: ports, mapper: mapper,
		events: events, intr: intr, regs: regs,
		cmd: cmd, xferEng: xferEng,
		openers:     make(map[port.Path]func() (xhciusb.Device, error)),
		completions: make(chan completionMsg, completionQueueDepth),
	}

	regs.OnDoorbell = c.onDoorbell
	regs.OnReset = c.onReset
	regs.OnRunStateChange = c.onRunStateChange
	regs.OnCRCRWrite = c.onCRCRWrite
	regs.OnDCBAAPWrite = c.onDCBAAPWrite
	regs.OnSaveState = c.onSaveState
	regs.OnRestoreState = c.onRestoreState
	mapper.OnPortStatusChange = c.onPortStatusChange

	cmd.BackendForPort = c.backendForPort
	cmd.MarkPortEmulated = mapper.MarkEmulated
	xferEng.SlotAt = c.slotAt
	xferEng.BackendForPort = c.backendForPort

	if sem, err := newVBDPSemaphore(); err != nil {
		xhcilog.Warn(xhcilog.ComponentPort, "vbdp semaphore unavailable, applying VBDP actions inline", "err", err)
	} else {
		c.vbdpSem = sem
	}

	return c
}

// Start launches the HostEventLoop that drains backend completions. The
// controller accepts doorbell writes before Start is called, but transfer
// batches submitted to a backend will never complete until it runs.
func (c *Controller) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	var groupCtx context.Context
	c.group, groupCtx = errgroup.WithContext(c.ctx)
	c.group.Go(func() error { return c.runCompletions(groupCtx) })
	if c.vbdpSem != nil {
		c.group.Go(func() error { return c.runVBDP(groupCtx) })
	}
}

// Stop cancels the HostEventLoop and waits for any goroutines it spawned
// (including in-flight backend calls) to return.
func (c *Controller) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.vbdpSem != nil {
		// Wake a runVBDP blocked in Wait so it sees the cancellation; closing
		// the eventfd alone does not interrupt a read already in progress.
		_ = c.vbdpSem.Post()
		if err := c.vbdpSem.Close(); err != nil {
			xhcilog.Warn(xhcilog.ComponentPort, "vbdp semaphore close failed", "err", err)
		}
	}
	if c.group != nil {
		return c.group.Wait()
	}
	return nil
}

// Close stops the HostEventLoop and releases every attached backend.
func (c *Controller) Close() error {
	err := c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for vport, dev := range c.backends {
		if dev == nil {
			continue
		}
		if derr := dev.Deinit(); derr != nil {
			xhcilog.Warn(xhcilog.ComponentBackend, "backend deinit failed", "vport", vport, "err", derr)
		}
		c.backends[vport] = nil
	}
	return err
}

// ReadMMIO services a guest BAR0 read of the given byte width at offset.
func (c *Controller) ReadMMIO(offset uint32, size int) (uint64, error) {
	return c.regs.Read(offset, size)
}

// WriteMMIO services a guest BAR0 write of the given byte width at offset.
func (c *Controller) WriteMMIO(offset uint32, size int, value uint64) error {
	return c.regs.Write(offset, size, value)
}

// Ports returns the root hub port table, for tests and host-side tooling
// that need to drive or observe PORTSC state directly.
func (c *Controller) Ports() *port.Table { return c.ports }

// Mapper returns the port mapper, so a host device discovery layer (e.g.
// xhciusb/linux's HotplugMonitor) can be wired to it as a port.PortBackend.
func (c *Controller) Mapper() *port.Mapper { return c.mapper }

// GuestMem returns the raw guest memory capability, for backends (e.g.
// Passthrough) that resolve buffer GPAs themselves.
func (c *Controller) GuestMem() xhcimem.GuestMem { return c.rawMem }

// AttachSynthetic binds dev directly to vport and marks the port connected,
// for backends that have no real host-side discovery event of their own
// (the synthetic tablet).
func (c *Controller) AttachSynthetic(vport int, dev xhciusb.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if vport < 1 || vport > port.MaxPorts {
		return xhcierr.ErrNoFreePort
	}
	if c.backends[vport] != nil {
		return xhcierr.ErrBusy
	}

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := dev.Init(ctx); err != nil {
		return err
	}
	c.backends[vport] = dev

	speed := uint8(port.SpeedHigh)
	if dev.Info(xhciusb.InfoVersion) >= 0x0300 {
		speed = port.SpeedSuper
	}
	if p := c.ports.Port(vport); p != nil {
		p.Connect(speed)
	}
	c.emitPortStatusChangeLocked(vport)
	return nil
}

// AttachPassthrough administratively assigns path so that, once the host
// reports a real device at that location (via the PortMapper's OnConnect),
// the controller opens a backend for it using opener.
func (c *Controller) AttachPassthrough(path port.Path, opener func() (xhciusb.Device, error)) error {
	if err := c.mapper.Assign(path); err != nil {
		return err
	}
	c.mu.Lock()
	c.openers[path] = opener
	c.mu.Unlock()
	return nil
}

// slotAt resolves a slot by id for the transfer engine. Callers must
// already hold the controller lock.
func (c *Controller) slotAt(id uint8) *slot.Slot {
	if id < 1 || int(id) > slot.MaxSlots {
		return nil
	}
	return c.cmd.Slots[id]
}

// backendForPort resolves the backend bound to vport. Callers must already
// hold the controller lock.
func (c *Controller) backendForPort(vport int) xhciusb.Device {
	if vport < 1 || vport > port.MaxPorts {
		return nil
	}
	return c.backends[vport]
}

// onDoorbell implements mmio.RegFile.OnDoorbell: target 0 drives the
// command engine synchronously; target>0 assembles a transfer batch and
// hands it off for asynchronous backend submission.
func (c *Controller) onDoorbell(target uint32, value uint32) {
	if target == 0 {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.cmd.Doorbell(c.regs.Running(), c.regs.InterruptsEnabled()); err != nil {
			xhcilog.Warn(xhcilog.ComponentCommand, "command doorbell failed", "err", err)
		}
		return
	}

	slotID := uint8(target)
	epid := uint8(value)
	streamID := uint16(value >> 16)

	c.mu.Lock()
	s := c.slotAt(slotID)
	if s == nil {
		c.mu.Unlock()
		return
	}
	batch, err := c.xferEng.Assemble(slotID, epid, streamID)
	if err != nil {
		c.mu.Unlock()
		xhcilog.Warn(xhcilog.ComponentTransfer, "batch assembly failed", "slot", slotID, "epid", epid, "err", err)
		return
	}
	if batch == nil {
		c.mu.Unlock()
		return
	}
	if batch.Malformed {
		c.xferEng.Complete(batch, xhcierr.NormalCompletion, c.regs.Running(), c.regs.InterruptsEnabled())
		c.mu.Unlock()
		return
	}
	ep := s.Endpoint(epid)
	dev := c.xferEng.BackendFor(s)
	c.mu.Unlock()

	if ep == nil {
		return
	}
	c.submitBatch(dev, ep, batch)
}

// submitBatch hands batch to dev off the controller lock, holding only
// ep.Mu across the blocking call, and pushes the outcome onto the
// completion queue for the HostEventLoop to apply. The batch crosses
// goroutines exactly once, via this channel, never via a shared mutable
// cursor.
func (c *Controller) submitBatch(dev xhciusb.Device, ep *slot.Endpoint, batch *xfer.Batch) {
	if dev == nil {
		c.completions <- completionMsg{batch: batch, status: xhcierr.NotStarted}
		return
	}

	run := func() {
		ep.Mu.Lock()
		defer ep.Mu.Unlock()

		buffers := batch.DataBuffers()
		var status xhcierr.BackendStatus
		if batch.IsControl {
			status = dev.Request(batch.Setup, buffers)
		} else {
			number, in := batch.EndpointAddress()
			dir := xhciusb.DirOut
			if in {
				dir = xhciusb.DirIn
			}
			status = dev.Data(dir, number, buffers)
		}
		batch.ApplyBuffers(buffers)

		msg := completionMsg{batch: batch, status: status}
		if c.ctx == nil {
			c.completions <- msg
			return
		}
		select {
		case c.completions <- msg:
		case <-c.ctx.Done():
		}
	}

	if c.group == nil {
		run()
		return
	}
	c.group.Go(func() error { run(); return nil })
}

// runCompletions is the HostEventLoop body: it applies every backend
// completion to the ring/event state under the controller lock, one at a
// time, until ctx is cancelled.
func (c *Controller) runCompletions(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-c.completions:
			if !ok {
				return nil
			}
			c.mu.Lock()
			c.xferEng.Complete(m.batch, m.status, c.regs.Running(), c.regs.InterruptsEnabled())
			c.mu.Unlock()
		}
	}
}

// onReset implements mmio.RegFile.OnReset: USBCMD.HCRST tears down every
// slot, the event ring, and the port table.
func (c *Controller) onReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmd.Reset()
	c.intr.Reset()
	c.ports.Reset()
	c.dcbaa = nil
	c.cmd.DCBAA = nil
}

// onRunStateChange implements mmio.RegFile.OnRunStateChange.
func (c *Controller) onRunStateChange(running bool) {
	xhcilog.Info(xhcilog.ComponentMMIO, "run state changed", "running", running)
}

// onCRCRWrite implements mmio.RegFile.OnCRCRWrite.
func (c *Controller) onCRCRWrite(ptr uint64, rcs bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmd.Start(ptr)
}

// onDCBAAPWrite implements mmio.RegFile.OnDCBAAPWrite.
func (c *Controller) onDCBAAPWrite(ptr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dcbaa = xhcictx.NewDCBAA(c.mem, ptr)
	c.cmd.DCBAA = c.dcbaa
}

// onSaveState implements mmio.RegFile.OnSaveState: the guest setting
// USBCMD.CSS applies a VBus drop immediately and synchronously, the same
// outcome SimulateVBusDrop schedules administratively.
func (c *Controller) onSaveState() {
	c.applyVBDP(vbdpActionDrop)
}

// onRestoreState implements mmio.RegFile.OnRestoreState: the guest setting
// USBCMD.CRS applies a VBus restore immediately and synchronously, the same
// outcome SimulateVBusRestore schedules administratively.
func (c *Controller) onRestoreState() {
	c.applyVBDP(vbdpActionRestore)
}

// onPortStatusChange implements port.Mapper's OnPortStatusChange hook: it
// resolves or releases the backend bound to vport, then posts a
// PORT_STATUS_CHANGE event.
func (c *Controller) onPortStatusChange(vport int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolveBackendLocked(vport)
	c.emitPortStatusChangeLocked(vport)
}

// resolveBackendLocked opens or releases the backend for vport to match
// the port's current connect status. Caller must hold mu.
func (c *Controller) resolveBackendLocked(vport int) {
	p := c.ports.Port(vport)
	if p == nil {
		return
	}

	if !p.Read().CCS {
		if dev := c.backends[vport]; dev != nil {
			if err := dev.Deinit(); err != nil {
				xhcilog.Warn(xhcilog.ComponentBackend, "backend deinit failed", "vport", vport, "err", err)
			}
			c.backends[vport] = nil
		}
		return
	}

	if c.backends[vport] != nil {
		return
	}
	path, ok := c.mapper.PathForPort(vport)
	if !ok {
		return
	}
	opener, ok := c.openers[path]
	if !ok {
		return
	}
	dev, err := opener()
	if err != nil {
		xhcilog.Warn(xhcilog.ComponentBackend, "backend open failed", "vport", vport, "err", err)
		return
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := dev.Init(ctx); err != nil {
		xhcilog.Warn(xhcilog.ComponentBackend, "backend init failed", "vport", vport, "err", err)
		return
	}
	c.backends[vport] = dev
}

// emitPortStatusChangeLocked posts a PORT_STATUS_CHANGE event for vport.
// Caller must hold mu.
func (c *Controller) emitPortStatusChangeLocked(vport int) {
	evt := trb.TRB{Parameter: uint64(vport) << 24}.
		WithType(trb.TypePortStatusChangeEvent).
		WithCompletionCode(uint8(xhcierr.CCSuccess))
	if err := c.events.Insert(evt); err != nil {
		xhcilog.Warn(xhcilog.ComponentEvent, "event ring insert failed", "err", err)
		return
	}
	c.intr.Signal(c.pci, true, c.regs.Running(), c.regs.InterruptsEnabled())
}
