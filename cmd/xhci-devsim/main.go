// Command xhci-devsim wires up a standalone xHCI host controller against a
// flat guest-memory arena and the device-configuration string CLI option,
// for exercising the controller outside of a real hypervisor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ardnew/xhci/xhci"
	"github.com/ardnew/xhci/xhcicfg"
	"github.com/ardnew/xhci/xhcilog"
	"github.com/ardnew/xhci/xhcimem"
)

const componentMain xhcilog.Component = "main"

const guestMemSize = 64 << 20 // 64 MiB flat arena, offsets double as GPAs

var (
	devices  = flag.String("s", "tablet", "device-configuration string: comma-separated \"tablet\" or \"<bus>-<port>\" tokens")
	usbVer   = flag.Int("ue_usbver", 3, "USB protocol version (2 or 3) new devices are assigned to")
	verbose  = flag.Bool("v", false, "enable debug logging")
	jsonLogs = flag.Bool("json", false, "emit logs as JSON")
)

func main() {
	flag.Parse()

	if *verbose {
		xhcilog.SetLogLevel(slog.LevelDebug)
	}
	if *jsonLogs {
		xhcilog.SetLogFormat(xhcilog.FormatJSON)
	}

	if err := run(); err != nil {
		xhcilog.Error(componentMain, "exiting", "err", err)
		os.Exit(1)
	}
}

func run() error {
	tokens, err := xhcicfg.Parse(*devices)
	if err != nil {
		return fmt.Errorf("parsing device configuration: %w", err)
	}

	mem := xhcimem.NewFakeMem(guestMemSize)
	pci := &logOnlyPciBus{}
	ctrl := xhci.New(mem, pci)

	if err := xhcicfg.Configure(ctrl, tokens, *usbVer); err != nil {
		return fmt.Errorf("configuring devices: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl.Start(ctx)
	xhcilog.Info(componentMain, "controller running", "devices", len(tokens))

	<-ctx.Done()
	xhcilog.Info(componentMain, "shutting down")
	return ctrl.Close()
}

// logOnlyPciBus is a minimal xhcimem.PciBus that reports interrupt and
// config-space activity through the component logger instead of driving
// any real PCI device model.
type logOnlyPciBus struct{}

func (p *logOnlyPciBus) RaiseMSI()     { xhcilog.Debug(componentMain, "MSI raised") }
func (p *logOnlyPciBus) AssertIntr()   { xhcilog.Debug(componentMain, "INTx asserted") }
func (p *logOnlyPciBus) DeassertIntr() { xhcilog.Debug(componentMain, "INTx deasserted") }

func (p *logOnlyPciBus) SetCfgByte(offset int, v uint8) {
	xhcilog.Debug(componentMain, "cfg write", "offset", offset, "size", 1, "value", v)
}

func (p *logOnlyPciBus) SetCfgWord(offset int, v uint16) {
	xhcilog.Debug(componentMain, "cfg write", "offset", offset, "size", 2, "value", v)
}

func (p *logOnlyPciBus) SetCfgDword(offset int, v uint32) {
	xhcilog.Debug(componentMain, "cfg write", "offset", offset, "size", 4, "value", v)
}
