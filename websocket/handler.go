package websocket

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Frame is the Handler-visible view of a single wire frame, exposed so
// on_*_frame hooks can inspect (and, for on_send_frame, mutate) RSV bits
// without this package exporting its internal incremental-parser state.
type Frame struct {
	Fin              bool
	RSV1, RSV2, RSV3 bool
	Opcode           byte
	Payload          []byte
}

func newPublicFrame(f *frame) Frame {
	return Frame{Fin: f.fin, RSV1: f.rsv1, RSV2: f.rsv2, RSV3: f.rsv3, Opcode: f.opcode, Payload: f.payload}
}

func (f Frame) toInternal(masked bool, mask [4]byte) *frame {
	return &frame{
		fin: f.Fin, rsv1: f.RSV1, rsv2: f.RSV2, rsv3: f.RSV3,
		opcode: f.Opcode, masked: masked, mask: mask, payload: f.Payload,
	}
}

// Handler receives the events of one connection's lifetime. All methods
// have a default no-op (or pass-through) implementation via Handler's
// embedding in BaseHandler, matching the optional-override shape of the
// Rust trait this interface generalizes (connection/handler.rs): most
// applications only override OnMessage and OnClose.
type Handler interface {
	// OnOpen is called once the opening handshake completes.
	OnOpen(sender Sender, shake Handshake) error

	// OnMessage is called once a complete (possibly reassembled) message
	// has arrived.
	OnMessage(sender Sender, msg Message) error

	// OnClose is called when the closing handshake completes, for
	// whichever side initiated it.
	OnClose(sender Sender, code CloseCode, reason string)

	// OnError is called with an error raised while handling this
	// connection, before the reactor acts on it. Afterwards, an error whose
	// Kind has a close code starts a closing handshake with that code
	// (when the connection is open), a KindCustom error leaves the
	// connection as it is, and any other error disconnects it.
	OnError(sender Sender, err error)

	// OnRequest is called on the server side once a handshake request has
	// been parsed, before any response is sent. Returning a non-nil
	// *Response lets the handler customize headers (subprotocol
	// selection, cookies) — FromRequest builds a correct default to start
	// from. Returning a non-nil error rejects the handshake.
	OnRequest(req *Request) (*Response, error)

	// OnResponse is called on the client side once a handshake response
	// has been parsed. Returning an error rejects the handshake.
	OnResponse(res *Response) error

	// OnPingFrame/OnPongFrame/OnCloseFrame/OnBinaryFrame/OnTextFrame/
	// OnFragmentedFrame let a Handler take over processing of a
	// particular frame type. Returning (frame, nil) lets default
	// processing continue (auto-pong for ping, assembly for data
	// frames); returning (nil, nil) takes over processing — for data
	// frames, the Handler is then responsible for reassembling any
	// remaining fragments itself.
	OnPingFrame(f Frame) (*Frame, error)
	OnPongFrame(f Frame) (*Frame, error)
	OnCloseFrame(f Frame) (*Frame, error)
	OnBinaryFrame(f Frame) (*Frame, error)
	OnTextFrame(f Frame) (*Frame, error)
	OnFragmentedFrame(f Frame) (*Frame, error)

	// OnSendFrame is called immediately before a frame is serialized,
	// letting a Handler mutate it — flipping RSV1 for a
	// permessage-deflate extension the Handler itself implements, for
	// instance. Returning (nil, nil) drops the frame instead of sending it.
	OnSendFrame(f Frame) (*Frame, error)

	// OnTimeout is called when a timeout scheduled via Sender.Timeout
	// fires.
	OnTimeout(sender Sender, token any) error

	// OnNewTimeout is called just after Sender.Timeout schedules a new
	// timeout, primarily so a Handler can keep a cancellation handle.
	OnNewTimeout(sender Sender, token any)

	// OnShutdown is called once per connection when Sender.Shutdown has
	// been requested, before that connection's closing handshake starts.
	OnShutdown(sender Sender)

	// Settings returns this Handler's desired Settings. Called once, when
	// the connection is created.
	Settings() Settings
}

// BaseHandler implements every Handler method with the RFC-default,
// pass-through behavior, so application Handlers can embed it and override
// only the events they care about.
type BaseHandler struct{}

func (BaseHandler) OnOpen(Sender, Handshake) error            { return nil }
func (BaseHandler) OnMessage(Sender, Message) error           { return nil }
func (BaseHandler) OnClose(Sender, CloseCode, string)         {}
func (BaseHandler) OnError(Sender, error)                     {}
func (BaseHandler) OnRequest(req *Request) (*Response, error) { return FromRequest(req) }
func (BaseHandler) OnResponse(*Response) error                { return nil }
func (BaseHandler) OnPingFrame(f Frame) (*Frame, error)       { return &f, nil }
func (BaseHandler) OnPongFrame(f Frame) (*Frame, error)       { return &f, nil }
func (BaseHandler) OnCloseFrame(f Frame) (*Frame, error)      { return &f, nil }
func (BaseHandler) OnBinaryFrame(f Frame) (*Frame, error)     { return &f, nil }
func (BaseHandler) OnTextFrame(f Frame) (*Frame, error)       { return &f, nil }
func (BaseHandler) OnFragmentedFrame(f Frame) (*Frame, error) { return &f, nil }
func (BaseHandler) OnSendFrame(f Frame) (*Frame, error)       { return &f, nil }
func (BaseHandler) OnTimeout(Sender, any) error               { return nil }
func (BaseHandler) OnNewTimeout(Sender, any)                  {}
func (BaseHandler) OnShutdown(Sender)                         {}
func (BaseHandler) Settings() Settings                        { return DefaultSettings() }

// Factory builds a Handler for each new connection (one per accepted
// server connection, or per Connect call) and is notified when a
// connection's slab slot is finally reclaimed.
type Factory interface {
	// NewHandler builds the Handler for a freshly accepted or dialed
	// connection. addr is the peer address, where known (server: the
	// accepted client's address; client: the dialed server's address).
	NewHandler(addr string) Handler

	// ConnectionLost is called once a connection's slab slot is
	// reclaimed, whether by clean close or abort, letting the factory
	// clean up any per-connection application state it keeps outside the
	// Handler itself.
	ConnectionLost(token Token)

	// OnShutdown is called once, after every connection has finished
	// closing in response to a Sender.Shutdown request, just before Run
	// returns.
	OnShutdown()
}

// HandlerFunc adapts a bare func(Sender, Message) error to a Factory whose
// Handler only overrides OnMessage — the minimal "echo server" shape, for
// quick tests and examples.
type HandlerFunc func(Sender, Message) error

type funcHandler struct {
	BaseHandler
	fn HandlerFunc
}

func (h funcHandler) OnMessage(s Sender, m Message) error { return h.fn(s, m) }

// NewHandlerFunc builds a Factory from fn, suitable for WebSocket.Listen or
// WebSocket.Connect when no per-connection state is needed.
func NewHandlerFunc(fn HandlerFunc) Factory {
	return &funcFactory{fn: fn}
}

type funcFactory struct{ fn HandlerFunc }

func (f *funcFactory) NewHandler(string) Handler { return funcHandler{fn: f.fn} }
func (f *funcFactory) ConnectionLost(Token)       {}
func (f *funcFactory) OnShutdown()                {}

// Settings configures buffer growth, fragment capacity, masking
// enforcement, debug-panic switches, and reactor sizing. The field set and
// defaults mirror ws-rs's connection/handler.rs Settings struct field for
// field, generalized to idiomatic Go naming; DefaultSettings is this
// package's equivalent of that struct's Default impl.
type Settings struct {
	// FragmentsCapacity is the initial number of fragments a fragmented
	// message's reassembly queue can hold before growing (or failing, if
	// FragmentsGrow is false).
	FragmentsCapacity int
	FragmentsGrow     bool

	// FragmentSize bounds the payload of each outbound data frame: a
	// message longer than this is sent automatically as a first frame
	// followed by continuation frames. Zero or less never fragments.
	FragmentSize int

	InBufferCapacity  int
	InBufferGrow      bool
	OutBufferCapacity int
	OutBufferGrow     bool

	// MaskingStrict enforces RFC 6455 Section 5.3's masking requirement
	// (client frames masked, server frames unmasked) instead of silently
	// tolerating the opposite.
	MaskingStrict bool

	// PanicOnInternal/PanicOnCapacity/PanicOnProtocol/PanicOnEncoding/
	// PanicOnIO convert the matching error Kind into a panic instead of
	// routing it through Handler.OnError — useful for tests that should
	// fail loudly, dangerous in production.
	PanicOnInternal  bool
	PanicOnCapacity  bool
	PanicOnProtocol  bool
	PanicOnEncoding  bool
	PanicOnIO        bool

	// MaxConnections bounds the reactor's connection slab. Zero means
	// unbounded.
	MaxConnections int

	// QueueSize sizes the reactor's single command queue, which every
	// Sender of that reactor shares: its capacity is MaxConnections *
	// QueueSize undrained Commands, and a push beyond it fails with a
	// KindQueue error. Zero for either field means unbounded. There is no
	// separate per-connection limit.
	QueueSize int

	// KeyStrict rejects a client handshake response whose
	// Sec-WebSocket-Accept does not match the expected value computed from
	// the request's Sec-WebSocket-Key. Disabled by default to tolerate
	// proxies and intermediaries that mangle the header.
	KeyStrict bool

	// MethodStrict rejects a server-side handshake request whose HTTP
	// method is not GET. Disabled by default for the same reason as
	// KeyStrict.
	MethodStrict bool

	// EncryptServer makes the reactor close every connection accepted
	// through Listen or ListenUnix before its opening handshake. Those
	// always produce a plain, unencrypted Stream, and this package has no
	// TLS Stream and no way to install one.
	EncryptServer bool

	// TCPNoDelay disables Nagle's algorithm on accepted and dialed TCP
	// connections, trading a few extra small packets for lower latency on
	// the frame-at-a-time traffic a WebSocket connection typically carries.
	TCPNoDelay bool

	// ShutdownOnInterrupt installs a signal handler that calls
	// WebSocket.Shutdown on SIGINT/SIGTERM, so Run returns instead of the
	// process dying mid-close-handshake.
	ShutdownOnInterrupt bool

	// TickDuration is the reactor's poller wait granularity; zero or less
	// means timerTick. The timing wheel's own tick is always timerTick
	// (see timer.go), whatever this is set to.
	TickDuration time.Duration

	// Logger is the zerolog.Logger the reactor logs accept and dial
	// failures through; connections do not log. DefaultSettings sets it to
	// the global github.com/rs/zerolog/log logger; any other value,
	// including the zero value, is used as given.
	Logger zerolog.Logger
}

// DefaultSettings returns the Settings a Handler gets if it does not
// override Settings() — values chosen to match ws-rs's Default impl for
// the fields this module shares with it, plus sensible reactor defaults.
func DefaultSettings() Settings {
	return Settings{
		FragmentsCapacity:   10,
		FragmentsGrow:       true,
		FragmentSize:        65535,
		InBufferCapacity:    2048,
		InBufferGrow:        true,
		OutBufferCapacity:   2048,
		OutBufferGrow:       true,
		MaskingStrict:       true,
		PanicOnInternal:     true,
		MaxConnections:      0,
		QueueSize:           5,
		KeyStrict:           false,
		MethodStrict:        false,
		EncryptServer:       false,
		TCPNoDelay:          false,
		ShutdownOnInterrupt: true,
		TickDuration:        timerTick,
		Logger:              log.Logger,
	}
}

// Handshake bundles the request/response pair and peer/local addresses a
// connection's OnOpen receives, matching ws-rs's Handshake struct.
type Handshake struct {
	Request    *Request
	Response   *Response
	PeerAddr   string
	LocalAddr  string
}
