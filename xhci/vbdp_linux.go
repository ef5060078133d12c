//go:build linux

package xhci

import "golang.org/x/sys/unix"

// eventfdSemaphore is the Linux vbdpSemaphore: Post adds 1 to the
// eventfd's 64-bit counter, Wait blocks (a plain blocking read, not
// EFD_SEMAPHORE) until the counter is non-zero and resets it to 0.
// Controller tracks how many actions are actually pending itself
// (vbdpPending), so the counter's value past "non-zero" doesn't matter.
type eventfdSemaphore struct {
	fd int
}

func newVBDPSemaphore() (vbdpSemaphore, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &eventfdSemaphore{fd: fd}, nil
}

func (s *eventfdSemaphore) Post() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(s.fd, buf[:])
	return err
}

func (s *eventfdSemaphore) Wait() error {
	var buf [8]byte
	_, err := unix.Read(s.fd, buf[:])
	return err
}

func (s *eventfdSemaphore) Close() error {
	return unix.Close(s.fd)
}
