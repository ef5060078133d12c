//go:build linux

package xhciusb

import (
	"testing"

	"github.com/ardnew/xhci/xhcierr"
	"github.com/ardnew/xhci/xhcimem"
)

func TestPassthroughGatherScatterRoundTrip(t *testing.T) {
	mem := xhcimem.NewFakeMem(4096)
	p := &Passthrough{mem: mem}

	copy(mem.Backing[0x100:], []byte{1, 2, 3, 4})
	buffers := []Buffer{{GPA: 0x100, Len: 4}, {GPA: 0x200, Len: 2}}

	data, status := p.gather(buffers)
	if status != xhcierr.NormalCompletion {
		t.Fatalf("gather status = %v", status)
	}
	if len(data) != 6 {
		t.Fatalf("gathered len = %d, want 6", len(data))
	}
	if data[0] != 1 || data[3] != 4 {
		t.Fatalf("gathered data = %v, want first buffer's bytes copied", data)
	}

	resp := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	status = p.scatter(buffers, resp)
	if status != xhcierr.NormalCompletion {
		t.Fatalf("scatter status = %v", status)
	}
	if buffers[0].Done != 4 || buffers[1].Done != 2 {
		t.Fatalf("Done fields = %d, %d", buffers[0].Done, buffers[1].Done)
	}
	if mem.Backing[0x200] != 0xEE || mem.Backing[0x201] != 0xFF {
		t.Fatalf("second buffer not written back: %x %x", mem.Backing[0x200], mem.Backing[0x201])
	}
}

func TestPassthroughScatterShort(t *testing.T) {
	mem := xhcimem.NewFakeMem(4096)
	p := &Passthrough{mem: mem}

	buffers := []Buffer{{GPA: 0x0, Len: 8}}
	status := p.scatter(buffers, []byte{1, 2, 3})
	if status != xhcierr.ShortXfer {
		t.Fatalf("status = %v, want ShortXfer", status)
	}
	if buffers[0].Done != 3 {
		t.Fatalf("Done = %d, want 3", buffers[0].Done)
	}
	if buffers[0].Status != xhcierr.ShortXfer {
		t.Fatalf("buffer status = %v, want ShortXfer", buffers[0].Status)
	}
}

func TestPassthroughGatherOutOfRange(t *testing.T) {
	mem := xhcimem.NewFakeMem(16)
	p := &Passthrough{mem: mem}

	buffers := []Buffer{{GPA: 1000, Len: 4}}
	_, status := p.gather(buffers)
	if status != xhcierr.Inval {
		t.Fatalf("status = %v, want Inval", status)
	}
}

func TestPassthroughInfo(t *testing.T) {
	p := &Passthrough{}
	if v := p.Info(InfoVersion); v != 0x0300 {
		t.Fatalf("InfoVersion = %#x, want 0x0300", v)
	}
	if v := p.Info(InfoSpeed); v != 4 {
		t.Fatalf("InfoSpeed = %d, want 4 (SuperSpeed)", v)
	}
}
