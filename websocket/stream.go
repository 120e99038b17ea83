package websocket

import (
	"net"
	"syscall"
)

// Stream is a non-blocking byte stream the reactor can register for
// readiness and drive directly, without ever calling a method that can
// block the single I/O goroutine.
//
// The only implementation is plainStream, wrapping a plain TCP or
// Unix-domain socket (tcpStream, unixStream). This package ships no TLS
// implementation and no way to hand the reactor a Stream of another kind;
// the negotiating methods describe the contract a TLS adapter would
// satisfy, modeled on how a non-blocking OpenSSL wrapper reports
// renegotiation in the Rust implementation this design is based on.
type Stream interface {
	// TryRead attempts to read into p without blocking. wouldBlock is true
	// when no data was available yet; err is nil in that case. io.EOF is
	// returned when the peer has closed its write side.
	TryRead(p []byte) (n int, wouldBlock bool, err error)

	// TryWrite attempts to write p without blocking. wouldBlock is true
	// when the socket's send buffer is full; n may be less than len(p)
	// even without wouldBlock, per io.Writer partial-write semantics.
	TryWrite(p []byte) (n int, wouldBlock bool, err error)

	// Evented returns the raw file descriptor the reactor should register
	// with its readiness poller.
	Evented() (fd int, ok bool)

	// IsNegotiating reports whether a TLS handshake/renegotiation is
	// currently blocking application data in the opposite direction: a
	// read that wants to write, or a write that wants to read. Plain TCP
	// and Unix streams are never negotiating.
	IsNegotiating() bool

	// ClearNegotiating resets the negotiating flag. Calling it on a
	// stream that reports IsNegotiating() == false is a KindInternal
	// error.
	ClearNegotiating() error

	// LocalAddr and RemoteAddr mirror net.Conn.
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// Close closes the underlying descriptor.
	Close() error
}

// plainStream implements Stream over any net.Conn that exposes a raw file
// descriptor via SyscallConn — this covers both *net.TCPConn and
// *net.UnixConn, so tcpStream and unixStream share one implementation.
type plainStream struct {
	conn net.Conn
	raw  syscall.RawConn
	fd   int
}

func newPlainStream(conn net.Conn) (*plainStream, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, WrapError(KindInternal, "connection has no raw fd", ErrProtocolError)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, WrapError(KindIO, "obtaining raw fd", err)
	}

	ps := &plainStream{conn: conn, raw: raw}
	if err := setNonblocking(raw, &ps.fd); err != nil {
		return nil, err
	}
	return ps, nil
}

func (s *plainStream) TryRead(p []byte) (n int, wouldBlock bool, err error) {
	return rawTryRead(s.raw, p)
}

func (s *plainStream) TryWrite(p []byte) (n int, wouldBlock bool, err error) {
	return rawTryWrite(s.raw, p)
}

func (s *plainStream) Evented() (int, bool)          { return s.fd, true }
func (s *plainStream) IsNegotiating() bool            { return false }
func (s *plainStream) ClearNegotiating() error {
	return WrapError(KindInternal, "clear negotiating on non-TLS stream", ErrProtocolError)
}
func (s *plainStream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *plainStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
func (s *plainStream) Close() error         { return s.conn.Close() }

// tcpStream wraps a non-blocking TCP connection.
func tcpStream(conn *net.TCPConn) (Stream, error) {
	return newPlainStream(conn)
}

// unixStream wraps a non-blocking Unix-domain-socket connection.
func unixStream(conn *net.UnixConn) (Stream, error) {
	return newPlainStream(conn)
}

// wrapStream picks the right constructor for a freshly accepted or dialed
// net.Conn. Both tcpStream and unixStream currently delegate to
// newPlainStream, but keeping them distinct gives a TLS-over-Unix or
// TLS-over-TCP caller-supplied Stream somewhere to hook in per transport
// without touching this dispatch.
func wrapStream(conn net.Conn) (Stream, error) {
	switch c := conn.(type) {
	case *net.TCPConn:
		return tcpStream(c)
	case *net.UnixConn:
		return unixStream(c)
	default:
		return newPlainStream(conn)
	}
}
