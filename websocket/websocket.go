package websocket

import (
	"context"
	"errors"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// dialTimeout bounds a single candidate address's connect attempt inside
// WebSocket.dial.
const dialTimeout = 10 * time.Second

// WebSocket is the single-threaded reactor: one instance owns a slab of
// connections, a command queue Senders feed from other goroutines, a
// hashed timing wheel, and zero or more listening sockets, all driven from
// the one goroutine that calls Run.
type WebSocket struct {
	factory  Factory
	settings Settings

	poller *poller
	slab   *slab
	queue  *commandQueue
	timers *timerWheel

	listeners map[int]*listenerEntry
	fdToToken map[int]Token

	timerIndex map[Token]map[any]*timerEntry

	shuttingDown bool
	scratch      []unix.EpollEvent
}

type listenerEntry struct {
	ln net.Listener
	fd int
}

// New builds a WebSocket reactor using factory's Handlers' own declared
// Settings (Handler.Settings is consulted per-connection; New only needs a
// Factory to seed the slab's initial capacity and TickDuration from
// DefaultSettings).
func New(factory Factory) (*WebSocket, error) {
	return NewWithSettings(factory, DefaultSettings())
}

// NewWithSettings builds a WebSocket reactor with explicit reactor-level
// Settings, used for the slab size, command queue capacity, tick duration,
// logger, panic switches and interrupt handling. Each connection's buffer,
// fragment, masking and handshake settings come from its own
// Handler.Settings; those never change the reactor-level values.
func NewWithSettings(factory Factory, settings Settings) (*WebSocket, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return &WebSocket{
		factory:    factory,
		settings:   settings,
		poller:     p,
		slab:       newSlab(settings.MaxConnections),
		queue:      newCommandQueue(settings.MaxConnections * settings.QueueSize),
		timers:     newTimerWheel(defaultTimerCapacity),
		listeners:  make(map[int]*listenerEntry),
		fdToToken:  make(map[int]Token),
		timerIndex: make(map[Token]map[any]*timerEntry),
		scratch:    make([]unix.EpollEvent, 128),
	}, nil
}

// Listen accepts TCP connections on addr for the lifetime of the reactor.
func (ws *WebSocket) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapError(KindIO, "listening on "+addr, err)
	}
	return ws.registerListener(ln)
}

// ListenUnix accepts connections on a Unix domain socket at path.
func (ws *WebSocket) ListenUnix(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return WrapError(KindIO, "listening on "+path, err)
	}
	return ws.registerListener(ln)
}


func (ws *WebSocket) registerListener(ln net.Listener) error {
	sc, ok := ln.(syscall.Conn)
	if !ok {
		return WrapError(KindInternal, "listener has no raw fd", ErrProtocolError)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return WrapError(KindIO, "obtaining listener raw fd", err)
	}

	var fd int
	if err := setNonblocking(raw, &fd); err != nil {
		return err
	}
	if err := ws.poller.add(fd, false); err != nil {
		return err
	}

	ws.listeners[fd] = &listenerEntry{ln: ln, fd: fd}
	return nil
}

// Connect dials target in the background and, once established, hands the
// connection to the reactor as a client-role connection. It returns before
// the connection (or failure) is known. Once a dial succeeds the Factory
// builds a Handler, whose OnOpen (or OnError, if the handshake fails)
// reports the outcome. A failure to resolve or dial the target is only
// logged through Settings.Logger; no Handler is built for it and none of its
// callbacks is called.
func (ws *WebSocket) Connect(target string, protocols ...string) error {
	u, err := url.Parse(target)
	if err != nil {
		return WrapError(KindHTTP, "parsing connect target", err)
	}
	go ws.dial(u, protocols, nil)
	return nil
}

// Broadcaster returns a Sender addressing every currently open connection,
// for use outside any connection's own event callbacks.
func (ws *WebSocket) Broadcaster() Sender {
	return newSender(tokenBroadcast, ws.queue, nil)
}

// Shutdown requests that every open connection close and Run return once
// they have all finished.
func (ws *WebSocket) Shutdown() error {
	return ws.Broadcaster().Shutdown()
}

// Close releases the reactor's listening sockets and epoll instance. It
// does not close open connections; call Shutdown and let Run drain first.
func (ws *WebSocket) Close() error {
	for fd, le := range ws.listeners {
		_ = ws.poller.remove(fd)
		_ = le.ln.Close()
	}
	return ws.poller.close()
}

// Run is the reactor's main loop: it blocks the calling goroutine until
// Shutdown has closed every connection, or a listener/poller error makes
// continuing impossible. If Settings.ShutdownOnInterrupt is set, SIGINT/
// SIGTERM trigger the same graceful Shutdown a Sender.Shutdown call would,
// instead of leaving the process to die mid-close-handshake.
func (ws *WebSocket) Run() error {
	tick := ws.settings.TickDuration
	if tick <= 0 {
		tick = timerTick
	}

	if ws.settings.ShutdownOnInterrupt {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			if _, ok := <-sigCh; ok {
				_ = ws.Shutdown()
			}
		}()
	}

	lastTick := time.Now()
	for {
		events, err := ws.poller.wait(tick, ws.scratch)
		if err != nil {
			return err
		}

		for _, ev := range events {
			ws.handleEvent(ev)
		}

		ws.drainCommands()
		// The wheel moves one slot per timerTick of elapsed time, however
		// often readiness events wake the loop.
		for time.Since(lastTick) >= timerTick {
			lastTick = lastTick.Add(timerTick)
			ws.advanceTimers()
		}

		if ws.shuttingDown && ws.slab.len() == 0 {
			ws.factory.OnShutdown()
			return nil
		}
	}
}

func (ws *WebSocket) handleEvent(ev pollEvent) {
	if le, ok := ws.listeners[ev.fd]; ok {
		ws.acceptAll(le)
		return
	}

	tok, ok := ws.fdToToken[ev.fd]
	if !ok {
		return
	}
	conn, err := ws.slab.get(tok)
	if err != nil {
		return
	}

	var opErr error
	switch {
	case ev.errored:
		opErr = WrapError(KindIO, "socket error", ErrClosed)
	case ev.readable:
		opErr = conn.onReadable()
		if opErr == nil && ev.writable {
			opErr = conn.onWritable()
		}
	case ev.writable:
		opErr = conn.onWritable()
	}

	if opErr != nil {
		ws.failConnection(tok, conn, opErr)
		return
	}
	if conn.isTerminal() {
		ws.closeConnection(tok, conn)
		return
	}
	ws.syncInterest(conn)
}

func (ws *WebSocket) acceptAll(le *listenerEntry) {
	conns, err := acceptAllRaw(le.fd)
	if err != nil {
		ws.logf(err, "accepting connections")
	}
	for _, raw := range conns {
		ws.adoptServerConn(raw)
	}
}

func (ws *WebSocket) adoptServerConn(raw net.Conn) {
	stream, err := wrapStream(raw)
	if err != nil {
		_ = raw.Close()
		return
	}

	handler := ws.factory.NewHandler(raw.RemoteAddr().String())
	settings := handler.Settings()

	// wrapStream always produces a plainStream and this package has no TLS
	// Stream, so a Handler that demands encryption has every accepted
	// connection closed here.
	if settings.EncryptServer {
		if _, plain := stream.(*plainStream); plain {
			_ = stream.Close()
			return
		}
	}
	if tc, ok := raw.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(settings.TCPNoDelay)
	}

	conn := newConnection(stream, roleServer, handler, settings, ws.queue)
	ws.admit(conn)
}

// admit inserts conn into the slab and registers its descriptor with the
// poller. Callers must have already built conn with the Stream/Handler it
// will use for its whole lifetime.
func (ws *WebSocket) admit(conn *connection) bool {
	tok, ok := ws.slab.insert(conn)
	if !ok {
		_ = conn.stream.Close()
		return false
	}
	conn.setToken(tok)

	if fd, ok := conn.stream.Evented(); ok {
		ws.fdToToken[fd] = tok
		if err := ws.poller.add(fd, conn.wantsWrite()); err != nil {
			ws.slab.remove(tok)
			delete(ws.fdToToken, fd)
			_ = conn.stream.Close()
			return false
		}
	}
	return true
}

func (ws *WebSocket) syncInterest(conn *connection) {
	fd, ok := conn.stream.Evented()
	if !ok {
		return
	}
	_ = ws.poller.modify(fd, conn.wantsWrite())
}

// failConnection handles any error returned from a connection's I/O or
// command handling. conn.abort attempts a graceful close for Kinds with a
// mapped CloseCode; if it succeeds the connection is now awaiting its close
// handshake rather than terminal, so the fd stays registered and the
// ordinary reactor event loop finishes the close on a later readiness event
// exactly as it would for a Sender.Close-initiated one. Only a connection
// abort left terminal gets its socket torn down here.
func (ws *WebSocket) failConnection(tok Token, conn *connection, err error) {
	if ws.shouldPanic(err) {
		panic(err)
	}
	conn.abort(err)
	if !conn.isTerminal() {
		ws.syncInterest(conn)
		return
	}
	ws.closeConnection(tok, conn)
}

func (ws *WebSocket) shouldPanic(err error) bool {
	var werr *Error
	if !errors.As(err, &werr) {
		return false
	}
	switch werr.Kind {
	case KindInternal:
		return ws.settings.PanicOnInternal
	case KindCapacity:
		return ws.settings.PanicOnCapacity
	case KindProtocol:
		return ws.settings.PanicOnProtocol
	case KindEncoding:
		return ws.settings.PanicOnEncoding
	case KindIO:
		return ws.settings.PanicOnIO
	default:
		return false
	}
}

func (ws *WebSocket) closeConnection(tok Token, conn *connection) {
	if fd, ok := conn.stream.Evented(); ok {
		_ = ws.poller.remove(fd)
		delete(ws.fdToToken, fd)
	}
	_ = conn.stream.Close()
	delete(ws.timerIndex, tok)
	ws.slab.remove(tok)
	ws.factory.ConnectionLost(tok)
}

func (ws *WebSocket) drainCommands() {
	for _, cmd := range ws.queue.drain() {
		switch cmd.Signal.kind {
		case signalAttach:
			ws.handleAttach(cmd.Signal)
		case signalTimeout:
			ws.scheduleTimeout(cmd.Token, cmd.Signal)
		case signalCancel:
			ws.cancelTimeout(cmd.Token, cmd.Signal)
		case signalConnect:
			ws.handleConnectSignal(cmd.Signal)
		default:
			if cmd.Signal.kind == signalShutdown {
				ws.shuttingDown = true
			}
			if cmd.Token == tokenBroadcast {
				ws.broadcastCommand(cmd.Signal)
			} else {
				ws.dispatchToConn(cmd.Token, cmd.Signal)
			}
		}
	}
}

func (ws *WebSocket) dispatchToConn(tok Token, sig Signal) {
	conn, err := ws.slab.get(tok)
	if err != nil {
		return
	}
	if err := conn.handleCommand(sig); err != nil {
		ws.failConnection(tok, conn, err)
		return
	}
	if conn.isTerminal() {
		ws.closeConnection(tok, conn)
		return
	}
	ws.syncInterest(conn)
}

func (ws *WebSocket) broadcastCommand(sig Signal) {
	var toClose []Token
	ws.slab.each(func(tok Token, conn *connection) {
		if err := conn.handleCommand(sig); err != nil {
			ws.failConnection(tok, conn, err)
			return
		}
		if conn.isTerminal() {
			toClose = append(toClose, tok)
			return
		}
		ws.syncInterest(conn)
	})
	for _, tok := range toClose {
		if conn, err := ws.slab.get(tok); err == nil {
			ws.closeConnection(tok, conn)
		}
	}
}

func (ws *WebSocket) handleAttach(sig Signal) {
	stream, err := wrapStream(sig.attachConn)
	if err != nil {
		_ = sig.attachConn.Close()
		return
	}

	handler := ws.factory.NewHandler(sig.attachConn.RemoteAddr().String())
	settings := handler.Settings()
	if tc, ok := sig.attachConn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(settings.TCPNoDelay)
	}
	conn, err := newClientConnection(stream, sig.attachTarget, sig.attachProtocols, sig.attachExtensions, handler, settings, ws.queue)
	if err != nil {
		_ = stream.Close()
		return
	}
	ws.admit(conn)
}

func (ws *WebSocket) handleConnectSignal(sig Signal) {
	u, err := url.Parse(sig.url)
	if err != nil {
		return
	}
	go ws.dial(u, nil, nil)
}

func (ws *WebSocket) scheduleTimeout(tok Token, sig Signal) {
	conn, err := ws.slab.get(tok)
	if err != nil {
		return
	}

	entry, terr := ws.timers.schedule(tok, sig.timeoutToken, time.Duration(sig.timeoutMS)*time.Millisecond)
	if terr != nil {
		ws.failConnection(tok, conn, terr)
		return
	}

	if ws.timerIndex[tok] == nil {
		ws.timerIndex[tok] = make(map[any]*timerEntry)
	}
	ws.timerIndex[tok][sig.timeoutToken] = entry
	conn.handler.OnNewTimeout(conn.makeSender(), sig.timeoutToken)
}

func (ws *WebSocket) cancelTimeout(tok Token, sig Signal) {
	m, ok := ws.timerIndex[tok]
	if !ok {
		return
	}
	if entry, ok := m[sig.cancelToken]; ok {
		ws.timers.cancel(entry)
		delete(m, sig.cancelToken)
	}
}

func (ws *WebSocket) advanceTimers() {
	for _, due := range ws.timers.advance() {
		conn, err := ws.slab.get(due.Conn)
		if err != nil {
			continue
		}
		if m, ok := ws.timerIndex[due.Conn]; ok {
			delete(m, due.Token)
		}

		if err := conn.handler.OnTimeout(conn.makeSender(), due.Token); err != nil {
			ws.failConnection(due.Conn, conn, err)
			continue
		}
		if conn.isTerminal() {
			ws.closeConnection(due.Conn, conn)
			continue
		}
		ws.syncInterest(conn)
	}
}

// dial resolves target's host and tries each candidate address in turn
// until one accepts a connection, attaching the first success to the
// reactor. Any dial error moves on to the next candidate; once every
// candidate has failed it gives up, logging a KindIO error whose cause is
// the last dial error (ErrNoCandidateAddresses only when there is none).
func (ws *WebSocket) dial(target *url.URL, protocols, extensions []string) {
	host := target.Hostname()
	port := target.Port()
	if port == "" {
		if target.Scheme == "wss" {
			port = "443"
		} else {
			port = "80"
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		ws.logf(WrapError(KindIO, "resolving "+host, err), "dial")
		return
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, port), dialTimeout)
		if err != nil {
			lastErr = err
			continue
		}

		_ = ws.queue.push(Command{Token: tokenBroadcast, Signal: Signal{
			kind:             signalAttach,
			attachConn:       conn,
			attachTarget:     target,
			attachProtocols:  protocols,
			attachExtensions: extensions,
		}})
		return
	}

	ws.logf(WrapError(KindIO, "no candidate addresses remain", errOrNoCandidates(lastErr)), "dial")
}

func errOrNoCandidates(err error) error {
	if err != nil {
		return err
	}
	return ErrNoCandidateAddresses
}

func (ws *WebSocket) logf(err error, msg string) {
	if err == nil {
		return
	}
	ws.settings.Logger.Error().Err(err).Msg(msg)
}
