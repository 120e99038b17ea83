//go:build linux

package websocket

import (
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

// setNonblocking puts the socket backing raw into O_NONBLOCK mode and
// records its file descriptor in *fd, so the reactor's epoll poller can
// register it directly (see poller_linux.go).
func setNonblocking(raw syscall.RawConn, fd *int) error {
	var ctrlErr error
	err := raw.Control(func(sysfd uintptr) {
		*fd = int(sysfd)
		ctrlErr = unix.SetNonblock(int(sysfd), true)
	})
	if err != nil {
		return WrapError(KindIO, "accessing raw fd", err)
	}
	if ctrlErr != nil {
		return WrapError(KindIO, "setting O_NONBLOCK", ctrlErr)
	}
	return nil
}

// rawTryRead performs a single non-blocking read(2) against fd via raw,
// translating EAGAIN/EWOULDBLOCK into the (wouldBlock=true) contract
// TryRead promises instead of letting the runtime netpoller park the
// calling goroutine until data arrives.
func rawTryRead(raw syscall.RawConn, p []byte) (n int, wouldBlock bool, err error) {
	ctrlErr := raw.Read(func(sysfd uintptr) bool {
		n, err = unix.Read(int(sysfd), p)
		return true // never ask the runtime poller to wait for us
	})
	if ctrlErr != nil {
		return 0, false, WrapError(KindIO, "read control", ctrlErr)
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK { //nolint:errorlint // raw syscall.Errno comparison
			return 0, true, nil
		}
		return n, false, WrapError(KindIO, "reading stream", err)
	}
	if n == 0 {
		return 0, false, io.EOF
	}
	return n, false, nil
}

// rawTryWrite performs a single non-blocking write(2) against fd via raw.
func rawTryWrite(raw syscall.RawConn, p []byte) (n int, wouldBlock bool, err error) {
	ctrlErr := raw.Write(func(sysfd uintptr) bool {
		n, err = unix.Write(int(sysfd), p)
		return true
	})
	if ctrlErr != nil {
		return 0, false, WrapError(KindIO, "write control", ctrlErr)
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK { //nolint:errorlint // raw syscall.Errno comparison
			return 0, true, nil
		}
		return n, false, WrapError(KindIO, "writing stream", err)
	}
	return n, false, nil
}
