package port

import "sync"

// AssignState is the lifecycle state of an assigned-table entry. A port
// is in exactly one of {Free, Assigned, Connected, Emulated} at a time.
type AssignState uint8

const (
	StateFree AssignState = iota
	StateAssigned
	StateConnected
	StateEmulated
)

type assignEntry struct {
	path  Path
	state AssignState
	vport int
}

// vbdpPhase tracks the save/resume ("VBus Drop / Power Suspend-Resume")
// cache lifecycle.
type vbdpPhase uint8

const (
	vbdpIdle vbdpPhase = iota
	vbdpSaved
	vbdpRestoring
)

// Mapper maps host USB device paths to virtual root hub ports, tracks
// connect/disconnect events, and caches port assignments across a
// guest-initiated suspend/resume cycle.
type Mapper struct {
	mu sync.Mutex

	ports *Table

	assigned map[Path]*assignEntry
	byVPort  [MaxPorts + 1]*assignEntry // 1-indexed

	vbdpDevs    map[Path]int
	phase       vbdpPhase
	deferred    []DevInfo

	// OnPortStatusChange is invoked (with the controller lock NOT held by
	// the mapper) whenever a port's PORTSC state changes in a way that
	// must surface a PORT_STATUS_CHANGE event. The controller wires this
	// to its event ring + interrupter.
	OnPortStatusChange func(vport int)
}

// NewMapper creates a port mapper over the given port table.
func NewMapper(ports *Table) *Mapper {
	return &Mapper{
		ports:    ports,
		assigned: make(map[Path]*assignEntry),
		vbdpDevs: make(map[Path]int),
	}
}

// Assign binds a host device path to the assigned table, ahead of any
// physical connection (administrative action, e.g. from a CLI device
// configuration string). The vport half is chosen later, by the device's
// BCD version, when OnConnect reports the device.
func (m *Mapper) Assign(path Path) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assigned[path]; ok {
		return ErrAlreadyAssigned
	}
	m.assigned[path] = &assignEntry{path: path, state: StateAssigned}
	return nil
}

// OnConnect implements PortBackend: it locates the assigned entry for
// info.Path, chooses a free vport matching the device's speed class, marks
// it Connected, and fires a PORT_STATUS_CHANGE notification.
func (m *Mapper) OnConnect(info DevInfo) {
	m.mu.Lock()

	if m.phase == vbdpRestoring {
		if _, wasCached := m.vbdpDevs[info.Path]; wasCached {
			m.deferred = append(m.deferred, info)
			m.mu.Unlock()
			return
		}
	}

	entry, ok := m.assigned[info.Path]
	if !ok {
		m.mu.Unlock()
		return
	}

	vport, cached := m.vbdpDevs[info.Path]
	if !cached {
		vport, ok = m.allocatePort(info.IsSuperSpeedCapable())
		if !ok {
			m.mu.Unlock()
			return
		}
	}
	delete(m.vbdpDevs, info.Path)

	entry.state = StateConnected
	entry.vport = vport
	m.byVPort[vport] = entry
	cb := m.OnPortStatusChange
	m.mu.Unlock()

	speed := uint8(SpeedHigh)
	if info.IsSuperSpeedCapable() {
		speed = SpeedSuper
	}
	if p := m.ports.Port(vport); p != nil {
		p.Connect(speed)
	}
	if cb != nil {
		cb(vport)
	}

	if info.Type == TypeExtHub {
		m.assignHubChildren(info)
	}
}

// OnDisconnect implements PortBackend: it clears PORTSC CCS and raises
// CSC+PLS(RxDetect), but does NOT free slot resources — DISABLE_SLOT does
// that.
func (m *Mapper) OnDisconnect(info DevInfo) {
	m.mu.Lock()
	entry, ok := m.assigned[info.Path]
	if !ok || entry.state == StateFree {
		m.mu.Unlock()
		return
	}
	vport := entry.vport
	entry.state = StateAssigned
	m.byVPort[vport] = nil
	cb := m.OnPortStatusChange
	m.mu.Unlock()

	if p := m.ports.Port(vport); p != nil {
		p.Disconnect()
	}
	if cb != nil {
		cb(vport)
	}
}

// MarkEmulated transitions a connected port to Emulated state, called by
// the command engine when the guest issues ADDRESS_DEVICE against it.
func (m *Mapper) MarkEmulated(vport int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.byVPort[vport]; e != nil {
		e.state = StateEmulated
	}
}

// PathForPort returns the host device path bound to vport, if any.
func (m *Mapper) PathForPort(vport int) (Path, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.byVPort[vport]; e != nil {
		return e.path, true
	}
	return Path{}, false
}

// StateOf returns the assign-state of the path, or StateFree if unknown.
func (m *Mapper) StateOf(path Path) AssignState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.assigned[path]; ok {
		return e.state
	}
	return StateFree
}

// allocatePort finds a free vport in the USB3 range (1..NumUSB3Ports) or
// USB2 range (NumUSB3Ports+1..MaxPorts), selecting the range by the
// device's reported BCD. Caller must hold mu.
func (m *Mapper) allocatePort(superSpeed bool) (int, bool) {
	lo, hi := NumUSB3Ports+1, MaxPorts
	if superSpeed {
		lo, hi = 1, NumUSB3Ports
	}
	for v := lo; v <= hi; v++ {
		if m.byVPort[v] == nil {
			return v, true
		}
	}
	return 0, false
}

// assignHubChildren synthesizes per-child device paths under an external
// hub and marks each Assigned. Caller must NOT hold mu.
func (m *Mapper) assignHubChildren(hub DevInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < int(hub.MaxChild); i++ {
		childPath := hub.Path.Child(i + 1)
		if _, ok := m.assigned[childPath]; !ok {
			m.assigned[childPath] = &assignEntry{path: childPath, state: StateAssigned}
		}
	}
}

// BeginSave snapshots every Emulated or Connected port's (path, vport) into
// the VBDP cache and demotes it to Assigned, in response to a guest
// USBCMD.CSS write.
func (m *Mapper) BeginSave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.assigned {
		if e.state == StateEmulated || e.state == StateConnected {
			m.vbdpDevs[e.path] = e.vport
			m.byVPort[e.vport] = nil
			e.state = StateAssigned
			e.vport = 0
		}
	}
	m.phase = vbdpSaved
}

// BeginRestore marks the mapper as resuming: incoming connects for a path
// present in the VBDP cache are deferred rather than immediately
// reassigned a (possibly different) free vport.
func (m *Mapper) BeginRestore() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = vbdpRestoring
}

// EndRestore transitions the VBDP state machine to "End" and replays any
// connects that arrived mid-restore, now that the cache is authoritative
// again, reassigning each to its cached vport.
func (m *Mapper) EndRestore() {
	m.mu.Lock()
	m.phase = vbdpIdle
	pending := m.deferred
	m.deferred = nil
	m.mu.Unlock()

	for _, info := range pending {
		m.OnConnect(info)
	}
}

// ErrAlreadyAssigned is returned by Assign for a path already bound.
var ErrAlreadyAssigned = mapperError("path already assigned")

type mapperError string

func (e mapperError) Error() string { return string(e) }
