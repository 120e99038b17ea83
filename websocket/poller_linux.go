//go:build linux

package websocket

import (
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// poller wraps a single epoll instance: the readiness multiplexer the
// reactor's Run loop polls once per tick instead of spawning a goroutine
// per connection the way a net.Listener-based server normally would.
type poller struct {
	epfd int
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, WrapError(KindInternal, "epoll_create1", err)
	}
	return &poller{epfd: fd}, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

func epollEventMask(writable bool) uint32 {
	ev := uint32(unix.EPOLLIN)
	if writable {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// add registers fd for read readiness (and write readiness, if writable).
func (p *poller) add(fd int, writable bool) error {
	ev := unix.EpollEvent{Events: epollEventMask(writable), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return WrapError(KindInternal, "epoll_ctl add", err)
	}
	return nil
}

// modify updates fd's registered interest set, used whenever a
// connection's wantsWrite() changes so the poller only wakes for
// EPOLLOUT while there is actually something queued to flush.
func (p *poller) modify(fd int, writable bool) error {
	ev := unix.EpollEvent{Events: epollEventMask(writable), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return WrapError(KindInternal, "epoll_ctl mod", err)
	}
	return nil
}

func (p *poller) remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return WrapError(KindInternal, "epoll_ctl del", err)
	}
	return nil
}

// pollEvent is one fd's readiness, translated out of the raw epoll bitmask.
type pollEvent struct {
	fd       int
	readable bool
	writable bool
	errored  bool
}

// wait blocks for at most timeout for readiness on any registered fd,
// reusing scratch as the raw epoll_wait buffer. An empty result with no
// error means the wait's timeout elapsed with nothing ready, or the call was
// interrupted by a signal — both are normal, and the caller's loop simply
// ticks its timers and continues.
func (p *poller) wait(timeout time.Duration, scratch []unix.EpollEvent) ([]pollEvent, error) {
	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}

	n, err := unix.EpollWait(p.epfd, scratch, ms)
	if err != nil {
		if err == unix.EINTR { //nolint:errorlint // raw syscall.Errno comparison
			return nil, nil
		}
		return nil, WrapError(KindInternal, "epoll_wait", err)
	}

	out := make([]pollEvent, 0, n)
	for i := 0; i < n; i++ {
		e := scratch[i]
		out = append(out, pollEvent{
			fd:       int(e.Fd),
			readable: e.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			writable: e.Events&unix.EPOLLOUT != 0,
			errored:  e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return out, nil
}

// acceptAllRaw drains every pending connection on a non-blocking listening
// socket via raw accept4(2) calls, stopping at the first EAGAIN — the
// accept-side counterpart of rawTryRead/rawTryWrite in stream_unix.go. A
// plain net.Listener.Accept() call would park the reactor's single
// goroutine in Go's runtime netpoller exactly like net.Conn.Read would.
func acceptAllRaw(fd int) ([]net.Conn, error) {
	var conns []net.Conn
	for {
		nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK { //nolint:errorlint // raw syscall.Errno comparison
				return conns, nil
			}
			return conns, WrapError(KindIO, "accept4", err)
		}

		f := os.NewFile(uintptr(nfd), "")
		conn, ferr := net.FileConn(f)
		f.Close()
		if ferr != nil {
			unix.Close(nfd)
			continue
		}
		conns = append(conns, conn)
	}
}
