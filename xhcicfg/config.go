// Package xhcicfg parses the xHCI CLI device-configuration string: a
// comma-separated list of "tablet" and "<bus>-<port>" tokens describing
// which synthetic or real USB devices the controller should attach to its
// root hub.
package xhcicfg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ardnew/xhci/port"
)

// TokenKind distinguishes a synthetic device request from a physical
// passthrough device request.
type TokenKind uint8

const (
	TokenTablet TokenKind = iota
	TokenPassthrough
)

// Token is one parsed device-configuration-string entry.
type Token struct {
	Kind TokenKind

	// Bus/Port identify the physical location for TokenPassthrough, named
	// after the directory Linux reports it under in
	// /sys/bus/usb/devices/<bus>-<port>.
	Bus  int
	Port int
}

// BusPort formats a TokenPassthrough back into Linux's sysfs device
// directory naming convention, for resolving its devnode.
func (t Token) BusPort() string {
	return strconv.Itoa(t.Bus) + "-" + strconv.Itoa(t.Port)
}

// Parse splits s on commas and classifies each token. It does not enforce
// the 4-devices-per-range cap: that requires knowing how many devices
// precede each token in its assigned range, which is Configure's job, not
// the tokenizer's.
func Parse(s string) ([]Token, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var tokens []Token
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tok, err := parseToken(part)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

func parseToken(s string) (Token, error) {
	if s == "tablet" {
		return Token{Kind: TokenTablet}, nil
	}
	bus, p, ok := strings.Cut(s, "-")
	if !ok {
		return Token{}, fmt.Errorf("xhcicfg: unrecognized device token %q", s)
	}
	busNum, err := strconv.Atoi(bus)
	if err != nil {
		return Token{}, fmt.Errorf("xhcicfg: invalid bus in token %q: %w", s, err)
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		return Token{}, fmt.Errorf("xhcicfg: invalid port in token %q: %w", s, err)
	}
	return Token{Kind: TokenPassthrough, Bus: busNum, Port: portNum}, nil
}

// AssignRange returns the vport range (lo, hi), 1-indexed per port.Table,
// that a device-configuration string's tokens are assigned into in order,
// selected by ueUsbVer: the USB2 range when ueUsbVer==2, else the USB3
// range.
func AssignRange(ueUsbVer int) (lo, hi int) {
	if ueUsbVer == 2 {
		return port.NumUSB3Ports + 1, port.MaxPorts
	}
	return 1, port.NumUSB3Ports
}
