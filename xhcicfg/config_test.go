package xhcicfg

import (
	"testing"

	"github.com/ardnew/xhci/port"
)

func TestParseMixedTokens(t *testing.T) {
	tokens, err := Parse("tablet, 1-3,2-1 ,tablet")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []Token{
		{Kind: TokenTablet},
		{Kind: TokenPassthrough, Bus: 1, Port: 3},
		{Kind: TokenPassthrough, Bus: 2, Port: 1},
		{Kind: TokenTablet},
	}
	if len(tokens) != len(want) {
		t.Fatalf("got %d tokens, want %d", len(tokens), len(want))
	}
	for i, tok := range tokens {
		if tok != want[i] {
			t.Fatalf("token %d = %+v, want %+v", i, tok, want[i])
		}
	}
}

func TestParseEmpty(t *testing.T) {
	tokens, err := Parse("")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tokens != nil {
		t.Fatalf("got %v, want nil", tokens)
	}
}

func TestParseRejectsUnrecognizedToken(t *testing.T) {
	if _, err := Parse("tablet,bogus"); err == nil {
		t.Fatalf("expected error for unrecognized token")
	}
}

func TestParseRejectsMalformedBusPort(t *testing.T) {
	cases := []string{"x-1", "1-y", "1-2-3"}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Fatalf("Parse(%q): expected error", c)
		}
	}
}

func TestBusPortFormatting(t *testing.T) {
	tok := Token{Kind: TokenPassthrough, Bus: 1, Port: 3}
	if got := tok.BusPort(); got != "1-3" {
		t.Fatalf("BusPort() = %q, want %q", got, "1-3")
	}
}

func TestAssignRangeSelectsUSB3ByDefault(t *testing.T) {
	lo, hi := AssignRange(3)
	if lo != 1 || hi != port.NumUSB3Ports {
		t.Fatalf("AssignRange(3) = (%d,%d), want (1,%d)", lo, hi, port.NumUSB3Ports)
	}
}

func TestAssignRangeSelectsUSB2(t *testing.T) {
	lo, hi := AssignRange(2)
	if lo != port.NumUSB3Ports+1 || hi != port.MaxPorts {
		t.Fatalf("AssignRange(2) = (%d,%d), want (%d,%d)", lo, hi, port.NumUSB3Ports+1, port.MaxPorts)
	}
}
