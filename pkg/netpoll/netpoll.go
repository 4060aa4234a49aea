// Package netpoll performs single non-blocking reads and writes on a
// socket and waits for readiness with poll(2).
//
// Sockets created by the net package are already in non-blocking mode.
// FD bypasses the runtime netpoller so that EAGAIN reaches the caller,
// which then decides whether and how long to wait.
package netpoll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned when the operation could not make progress.
var ErrWouldBlock = errors.New("operation would block")

// pollSlice bounds each poll(2) call so cancellation is noticed promptly.
const pollSlice = 100 * time.Millisecond

const (
	Readable = unix.POLLIN
	Writable = unix.POLLOUT
)

type FD struct {
	raw syscall.RawConn
}

// New wraps c, typically a *net.TCPConn or *net.TCPListener.
func New(c syscall.Conn) (*FD, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("syscall conn: %w", err)
	}
	return &FD{raw: raw}, nil
}

// Read performs exactly one read(2). A closed peer yields io.EOF.
func (f *FD) Read(p []byte) (int, error) {
	var (
		n   int
		err error
	)
	cerr := f.raw.Read(func(fd uintptr) bool {
		for {
			n, err = unix.Read(int(fd), p)
			if err != unix.EINTR {
				return true
			}
		}
	})
	if cerr != nil {
		return 0, cerr
	}
	switch {
	case err == unix.EAGAIN:
		return 0, ErrWouldBlock
	case err != nil:
		return 0, err
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	}
	return n, nil
}

// Write performs exactly one write(2) and may write fewer bytes than len(p).
func (f *FD) Write(p []byte) (int, error) {
	var (
		n   int
		err error
	)
	cerr := f.raw.Write(func(fd uintptr) bool {
		for {
			n, err = unix.Write(int(fd), p)
			if err != unix.EINTR {
				return true
			}
		}
	})
	if cerr != nil {
		return 0, cerr
	}
	if err == unix.EAGAIN {
		return 0, ErrWouldBlock
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Wait blocks until the socket reports one of events, an error or hangup
// condition, or ctx ends. Error conditions return nil so that the next
// Read or Write surfaces them.
func (f *FD) Wait(ctx context.Context, events int16) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		timeout := pollSlice
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); left < timeout {
				timeout = max(left, time.Millisecond)
			}
		}

		var (
			count   int
			revents int16
			perr    error
		)
		cerr := f.raw.Control(func(fd uintptr) {
			fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
			count, perr = unix.Poll(fds, int(timeout/time.Millisecond))
			revents = fds[0].Revents
		})
		if cerr != nil {
			return cerr
		}
		if perr != nil {
			if perr == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll: %w", perr)
		}
		if count == 0 {
			continue
		}
		if revents&(events|unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return nil
		}
	}
}
