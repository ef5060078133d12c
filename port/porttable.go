package port

import "sync"

// Link states (PLS field of PORTSC), xHCI Table 5-23 (subset used here).
const (
	PLSU0           = 0
	PLSU3           = 3
	PLSDisabled     = 4
	PLSRxDetect     = 5
	PLSInactive     = 6
	PLSPolling      = 7
	PLSRecovery     = 8
	PLSHotReset     = 9
	PLSResume       = 15
)

// Speed identifiers carried in PORTSC's speed field.
const (
	SpeedFull  = 1
	SpeedLow   = 2
	SpeedHigh  = 3
	SpeedSuper = 4
)

// MaxPorts is the number of emulated root hub ports: 4 USB2 + 4 USB3.
const MaxPorts = 8

// NumUSB3Ports / NumUSB2Ports split MaxPorts between protocols. USB3 ports
// occupy the first half of the port space, USB2 the second half, matching
// the xECP Supported Protocol capabilities.
const (
	NumUSB3Ports = 4
	NumUSB2Ports = 4
)

// Port is one root hub port's PORTSC-equivalent state.
type Port struct {
	mu sync.Mutex

	ccs   bool // current connect status
	ped   bool // port enabled/disabled
	pr    bool // port reset in progress
	pp    bool // port power
	pls   uint8
	speed uint8

	csc bool // connect status change
	pec bool // port enabled/disabled change
	wrc bool // warm reset change
	occ bool // over-current change
	prc bool // port reset change
	plc bool // port link state change
	cec bool // config error change
}

// NewPort creates a powered, disconnected port (PP=1, PLS=RxDetect), the
// state a freshly reset controller presents.
func NewPort() *Port {
	return &Port{pp: true, pls: PLSRxDetect}
}

// Reset returns the port to its post-controller-reset state.
func (p *Port) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	*p = Port{pp: true, pls: PLSRxDetect}
}

// Snapshot is a read-only copy of a port's fields, used for MMIO reads and
// tests.
type Snapshot struct {
	CCS, PED, PR, PP          bool
	PLS, Speed                uint8
	CSC, PEC, WRC, OCC, PRC, PLC, CEC bool
}

// Read returns a snapshot of the port's current state.
func (p *Port) Read() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		CCS: p.ccs, PED: p.ped, PR: p.pr, PP: p.pp,
		PLS: p.pls, Speed: p.speed,
		CSC: p.csc, PEC: p.pec, WRC: p.wrc, OCC: p.occ, PRC: p.prc, PLC: p.plc, CEC: p.cec,
	}
}

// Connect marks the port connected at the given speed and raises CSC.
func (p *Port) Connect(speed uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ccs = true
	p.ped = true
	p.speed = speed
	p.pls = PLSU0
	p.csc = true
	p.plc = true
}

// Disconnect clears CCS/PED and sets PLS to RxDetect, raising CSC.
func (p *Port) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ccs = false
	p.ped = false
	p.pls = PLSRxDetect
	p.csc = true
}

// BeginReset starts a port reset by setting PR, if a device is connected;
// PED and PLS are left unchanged. Completion is signaled by EndReset.
func (p *Port) BeginReset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ccs {
		return
	}
	p.pr = true
}

// EndReset completes a port reset: clears PR, sets PED, raises PRC, and
// moves PLS to U0.
func (p *Port) EndReset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pr = false
	p.ped = true
	p.pls = PLSU0
	p.prc = true
}

// WriteClearChangeBits clears the sticky change bits named by mask
// (write-1-to-clear semantics). Bit positions match
// the PORTSC layout: CSC=1<<17, PEC=1<<18, WRC=1<<19, OCC=1<<20, PRC=1<<21,
// PLC=1<<22, CEC=1<<23.
func (p *Port) WriteClearChangeBits(mask uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mask&(1<<17) != 0 {
		p.csc = false
	}
	if mask&(1<<18) != 0 {
		p.pec = false
	}
	if mask&(1<<19) != 0 {
		p.wrc = false
	}
	if mask&(1<<20) != 0 {
		p.occ = false
	}
	if mask&(1<<21) != 0 {
		p.prc = false
	}
	if mask&(1<<22) != 0 {
		p.plc = false
	}
	if mask&(1<<23) != 0 {
		p.cec = false
	}
}

// SetPower sets or clears port power (PP).
func (p *Port) SetPower(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pp = on
}

// Table holds all root hub ports, 1-indexed.
type Table struct {
	Ports [MaxPorts]*Port
}

// NewTable creates a fully powered, disconnected port table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.Ports {
		t.Ports[i] = NewPort()
	}
	return t
}

// Port returns the 1-indexed port, or nil if out of range.
func (t *Table) Port(n int) *Port {
	if n < 1 || n > MaxPorts {
		return nil
	}
	return t.Ports[n-1]
}

// Reset reinitializes every port (controller reset).
func (t *Table) Reset() {
	for _, p := range t.Ports {
		p.Reset()
	}
}
