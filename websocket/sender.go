package websocket

import (
	"net"
	"net/url"
)

// signalKind discriminates the variants of Signal, mirroring the Signal
// enum of the Rust implementation this reactor generalizes
// (communication.rs): Message, Close, Ping, Pong, Connect, Shutdown,
// Timeout, Cancel, plus signalAttach, a Go-specific addition the reactor
// uses internally to hand a dialed net.Conn over to the single I/O
// goroutine once a background dial finishes (see WebSocket.dial).
type signalKind int

const (
	signalMessage signalKind = iota
	signalClose
	signalPing
	signalPong
	signalConnect
	signalShutdown
	signalTimeout
	signalCancel
	signalAttach
)

// Signal is one instruction a Sender can queue for the reactor to act on.
// Exactly one of the payload fields is meaningful, selected by kind.
type Signal struct {
	kind signalKind

	message Message
	code    CloseCode
	reason  string
	data    []byte
	url     string

	timeoutMS    uint64
	timeoutToken any
	cancelToken  any

	attachConn       net.Conn
	attachTarget     *url.URL
	attachProtocols  []string
	attachExtensions []string
}

// Command pairs a Signal with the Token of the connection it targets.
// tokenBroadcast is used for Signal values that should be applied to every
// open connection (Sender.Broadcast, Shutdown).
type Command struct {
	Token  Token
	Signal Signal
}

// tokenBroadcast is the sentinel Token Sender.Broadcast and Sender.Shutdown
// address; it never matches a real slab slot (generation 0 is never issued
// by slab.insert, which starts slots at generation 1).
var tokenBroadcast = Token{index: -1, generation: 0}

// Sender is a connection's handle for producing Commands from any
// goroutine — the application's own worker pool, a timer callback, an HTTP
// handler — into the single-threaded reactor. It is the only part of this
// package that is safe to use concurrently with the reactor's Run loop.
type Sender struct {
	token Token
	queue *commandQueue
	addr  net.Addr
}

func newSender(token Token, queue *commandQueue, addr net.Addr) Sender {
	return Sender{token: token, queue: queue, addr: addr}
}

// Token identifies the connection this Sender addresses.
func (s Sender) Token() Token { return s.token }

// RemoteAddr returns the address of the connection's peer, if known.
func (s Sender) RemoteAddr() net.Addr { return s.addr }

// Send queues msg for delivery on this connection.
func (s Sender) Send(msg Message) error {
	return s.queue.push(Command{Token: s.token, Signal: Signal{kind: signalMessage, message: msg}})
}

// Broadcast queues msg for delivery to every open connection on the
// WebSocket this Sender belongs to (not just this one).
func (s Sender) Broadcast(msg Message) error {
	return s.queue.push(Command{Token: tokenBroadcast, Signal: Signal{kind: signalMessage, message: msg}})
}

// Close queues a Close frame with the given code and an empty reason.
func (s Sender) Close(code CloseCode) error {
	return s.CloseWithReason(code, "")
}

// CloseWithReason queues a Close frame with the given code and reason.
func (s Sender) CloseWithReason(code CloseCode, reason string) error {
	return s.queue.push(Command{Token: s.token, Signal: Signal{kind: signalClose, code: code, reason: reason}})
}

// Ping queues a Ping frame carrying data (at most 125 bytes).
func (s Sender) Ping(data []byte) error {
	return s.queue.push(Command{Token: s.token, Signal: Signal{kind: signalPing, data: data}})
}

// Pong queues an unsolicited Pong frame carrying data.
func (s Sender) Pong(data []byte) error {
	return s.queue.push(Command{Token: s.token, Signal: Signal{kind: signalPong, data: data}})
}

// Connect queues a new outbound connection to target on the same
// WebSocket/reactor.
func (s Sender) Connect(target string) error {
	return s.queue.push(Command{Token: s.token, Signal: Signal{kind: signalConnect, url: target}})
}

// Shutdown requests that every connection close and Run return.
func (s Sender) Shutdown() error {
	return s.queue.push(Command{Token: tokenBroadcast, Signal: Signal{kind: signalShutdown}})
}

// Timeout schedules token to be delivered to Handler.OnTimeout after ms
// milliseconds.
func (s Sender) Timeout(ms uint64, token any) error {
	return s.queue.push(Command{Token: s.token, Signal: Signal{kind: signalTimeout, timeoutMS: ms, timeoutToken: token}})
}

// Cancel requests cancellation of a previously scheduled timeout. It is not
// guaranteed to prevent delivery if the timeout has already fired; Handler
// implementations must tolerate spurious timeouts.
func (s Sender) Cancel(token any) error {
	return s.queue.push(Command{Token: s.token, Signal: Signal{kind: signalCancel, cancelToken: token}})
}
