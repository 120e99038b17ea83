package websocket

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"unicode/utf8"
)

// connRole distinguishes which side of the handshake a connection plays.
type connRole int

const (
	roleServer connRole = iota
	roleClient
)

// connState is this connection's position in the lifecycle spec.md's
// Connection module names: Connecting, Open, AwaitingClose/RespondingClose,
// FinishedClose, with Disconnected reachable from any state as an abort
// transition.
type connState int

const (
	stateConnecting connState = iota
	stateOpen
	stateAwaitingClose
	stateRespondingClose
	stateFinishedClose
	stateDisconnected
)

// connection is one WebSocket endpoint's full state machine: handshake
// construction/parsing, incremental frame decode, fragment reassembly, and
// outgoing buffer management, all driven by the reactor calling onReadable/
// onWritable/handleCommand from its single I/O goroutine. No method here
// ever blocks: every byte in or out passes through Stream.TryRead/TryWrite.
type connection struct {
	stream   Stream
	role     connRole
	state    connState
	handler  Handler
	settings Settings
	queue    *commandQueue
	token    Token

	peerNetAddr net.Addr
	peerAddr    string
	localAddr   string

	inBuf  []byte
	outBuf []byte

	handshakeKey string
	request      *Request
	response     *Response
	checkOrigin  func(*Request) bool

	fragmenting bool
	fragOpcode  byte
	fragBuf     []byte
	fragCount   int

	closeCode       CloseCode
	closeReason     string
	peerCloseCode   CloseCode
	peerCloseReason string
}

func newConnection(stream Stream, role connRole, handler Handler, settings Settings, queue *commandQueue) *connection {
	c := &connection{
		stream:      stream,
		role:        role,
		state:       stateConnecting,
		handler:     handler,
		settings:    settings,
		queue:       queue,
		checkOrigin: checkSameOrigin,
	}
	if stream != nil {
		if a := stream.RemoteAddr(); a != nil {
			c.peerNetAddr = a
			c.peerAddr = a.String()
		}
		if a := stream.LocalAddr(); a != nil {
			c.localAddr = a.String()
		}
	}
	return c
}

// newClientConnection builds the client side of a connection and queues its
// opening handshake request for the reactor's first write.
func newClientConnection(stream Stream, target *url.URL, protocols, extensions []string, handler Handler, settings Settings, queue *commandQueue) (*connection, error) {
	reqBytes, key, err := buildRequest(target, protocols, extensions)
	if err != nil {
		return nil, err
	}
	c := newConnection(stream, roleClient, handler, settings, queue)
	c.outBuf = append(c.outBuf, reqBytes...)
	c.handshakeKey = key
	return c, nil
}

func (c *connection) setToken(tok Token) { c.token = tok }

func (c *connection) makeSender() Sender {
	return newSender(c.token, c.queue, c.peerNetAddr)
}

// wantsWrite reports whether the reactor should keep this connection's file
// descriptor registered for write readiness.
func (c *connection) wantsWrite() bool {
	return len(c.outBuf) > 0
}

func (c *connection) isTerminal() bool {
	return c.state == stateFinishedClose || c.state == stateDisconnected
}

func (c *connection) maxFramePayload() int {
	if c.settings.InBufferGrow || c.settings.InBufferCapacity <= 0 {
		return 0
	}
	return c.settings.InBufferCapacity
}

// onReadable is called by the reactor when the stream's descriptor is
// readable. It drains every byte currently available, then parses as many
// complete frames/handshake messages as inBuf now holds.
func (c *connection) onReadable() error {
	if c.stream.IsNegotiating() {
		return c.onWritable()
	}

	buf := make([]byte, 4096)
	for {
		n, wouldBlock, err := c.stream.TryRead(buf)
		if err != nil {
			return WrapError(KindIO, "reading from stream", err)
		}
		if n > 0 {
			if c.settings.InBufferCapacity > 0 && !c.settings.InBufferGrow &&
				len(c.inBuf)+n > c.settings.InBufferCapacity {
				return WrapError(KindCapacity, "input buffer capacity exceeded", ErrFrameTooLarge)
			}
			c.inBuf = append(c.inBuf, buf[:n]...)
		}
		if wouldBlock {
			break
		}
		if n == 0 {
			return WrapError(KindIO, "peer closed connection", io.EOF)
		}
	}

	if err := c.processIncoming(); err != nil {
		if c.state == stateConnecting {
			// Write out any handshake error response before the reactor
			// tears the connection down.
			_ = c.flush()
		}
		return err
	}
	return c.flush()
}

// onWritable is called by the reactor when the stream's descriptor is
// writable. It flushes as much of outBuf as the socket will currently
// accept.
func (c *connection) onWritable() error {
	if err := c.flush(); err != nil {
		return err
	}
	if c.stream.IsNegotiating() {
		return c.stream.ClearNegotiating()
	}
	return nil
}

func (c *connection) flush() error {
	for len(c.outBuf) > 0 {
		n, wouldBlock, err := c.stream.TryWrite(c.outBuf)
		if err != nil {
			return WrapError(KindIO, "writing to stream", err)
		}
		c.outBuf = c.outBuf[n:]
		if wouldBlock || n == 0 {
			break
		}
	}
	c.finishIfDrained()
	return nil
}

// finishIfDrained completes a passive (peer-initiated) close once this
// connection's echoing Close frame has been fully written.
func (c *connection) finishIfDrained() {
	if len(c.outBuf) > 0 || c.state != stateRespondingClose {
		return
	}
	c.state = stateFinishedClose
	c.handler.OnClose(c.makeSender(), c.peerCloseCode, c.peerCloseReason)
}

// processIncoming advances the handshake, then parses and dispatches every
// complete frame inBuf now holds.
func (c *connection) processIncoming() error {
	if c.state == stateConnecting {
		if err := c.processHandshake(); err != nil {
			return err
		}
		if c.state == stateConnecting {
			return nil
		}
	}

	for {
		if c.isTerminal() {
			return nil
		}
		f, n, err := parseFrame(c.inBuf, c.maxFramePayload())
		if err != nil {
			return err
		}
		if f == nil {
			return nil
		}
		c.inBuf = c.inBuf[n:]

		if err := c.handleFrame(f); err != nil {
			return err
		}
	}
}

func (c *connection) processHandshake() error {
	if c.role == roleServer {
		return c.processServerHandshake()
	}
	return c.processClientHandshake()
}

func (c *connection) processServerHandshake() error {
	req, n, err := parseRequest(c.inBuf, c.settings.MethodStrict)
	if err != nil {
		c.writeHandshakeError(err)
		return err
	}
	if req == nil {
		return nil
	}
	c.inBuf = c.inBuf[n:]
	req.RemoteAddr = c.peerAddr

	if c.checkOrigin != nil && !c.checkOrigin(req) {
		oerr := WrapError(KindHTTP, "origin not allowed", ErrOriginDenied)
		c.writeHandshakeError(oerr)
		return oerr
	}

	res, herr := c.handler.OnRequest(req)
	if herr != nil {
		c.writeHandshakeError(herr)
		return herr
	}
	if res == nil {
		res, err = FromRequest(req)
		if err != nil {
			c.writeHandshakeError(err)
			return err
		}
	}

	c.outBuf = append(c.outBuf, writeResponse(res)...)
	c.request, c.response = req, res
	c.state = stateOpen
	return c.handler.OnOpen(c.makeSender(), Handshake{
		Request: req, Response: res, PeerAddr: c.peerAddr, LocalAddr: c.localAddr,
	})
}

func (c *connection) processClientHandshake() error {
	res, n, err := parseResponse(c.inBuf)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	c.inBuf = c.inBuf[n:]

	if err := validateResponse(res, c.handshakeKey, c.settings.KeyStrict); err != nil {
		return err
	}
	if err := c.handler.OnResponse(res); err != nil {
		return err
	}

	c.response = res
	c.state = stateOpen
	return c.handler.OnOpen(c.makeSender(), Handshake{
		Request: c.request, Response: res, PeerAddr: c.peerAddr, LocalAddr: c.localAddr,
	})
}

// writeHandshakeError renders a minimal HTTP error response for a rejected
// server-side handshake. onReadable makes one non-blocking attempt to write
// it before returning the handshake error; the reactor then closes the
// connection.
func (c *connection) writeHandshakeError(err error) {
	const status = http.StatusBadRequest
	body := []byte(err.Error())

	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.Write(body)

	c.outBuf = append(c.outBuf, b.Bytes()...)
}

func (c *connection) handleFrame(f *frame) error {
	if c.settings.MaskingStrict {
		if c.role == roleServer && !f.masked {
			return WrapError(KindProtocol, "unmasked client frame", ErrMaskRequired)
		}
		if c.role == roleClient && f.masked {
			return WrapError(KindProtocol, "masked server frame", ErrMaskUnexpected)
		}
	}

	switch {
	case f.opcode == opPing:
		return c.handlePingFrame(f)
	case f.opcode == opPong:
		return c.handlePongFrame(f)
	case f.opcode == opClose:
		return c.handleCloseFrame(f)
	case isDataFrame(f.opcode):
		return c.handleDataFrame(f)
	default:
		return WrapError(KindProtocol, "invalid opcode", ErrInvalidOpcode)
	}
}

func (c *connection) handlePingFrame(f *frame) error {
	out, err := c.handler.OnPingFrame(newPublicFrame(f))
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return c.queueFrame(&frame{fin: true, opcode: opPong, payload: out.Payload})
}

func (c *connection) handlePongFrame(f *frame) error {
	_, err := c.handler.OnPongFrame(newPublicFrame(f))
	return err
}

func (c *connection) handleCloseFrame(f *frame) error {
	code, reason, perr := parseClosePayload(f.payload)
	if perr != nil {
		return perr
	}

	out, err := c.handler.OnCloseFrame(newPublicFrame(f))
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	c.peerCloseCode, c.peerCloseReason = code, reason

	if c.state == stateAwaitingClose {
		c.state = stateFinishedClose
		c.handler.OnClose(c.makeSender(), code, reason)
		return nil
	}

	replyCode := code
	if replyCode == 0 || replyCode == CloseNoStatusReceived {
		replyCode = CloseNormalClosure
	}
	c.state = stateRespondingClose
	if err := c.queueFrame(closeFrame(replyCode, "")); err != nil {
		return err
	}
	c.finishIfDrained()
	return nil
}

// parseClosePayload decodes a Close frame's optional status code and UTF-8
// reason (RFC 6455 Section 7.1.5/7.1.6).
func parseClosePayload(payload []byte) (CloseCode, string, error) {
	if len(payload) == 0 {
		return CloseNoStatusReceived, "", nil
	}
	if len(payload) == 1 {
		return 0, "", WrapError(KindProtocol, "close frame payload too short", ErrProtocolError)
	}

	code := CloseCode(binary.BigEndian.Uint16(payload[:2]))
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return 0, "", WrapError(KindEncoding, "invalid UTF-8 in close reason", ErrInvalidUTF8)
	}
	if !isValidOutgoingCloseCode(code) {
		return 0, "", WrapError(KindProtocol, "invalid close code", ErrInvalidCloseCode)
	}
	return code, string(reason), nil
}

func closeFrame(code CloseCode, reason string) *frame {
	var payload []byte
	if code != 0 {
		payload = make([]byte, 2+len(reason))
		binary.BigEndian.PutUint16(payload, uint16(code))
		copy(payload[2:], reason)
	}
	return &frame{fin: true, opcode: opClose, payload: payload}
}

func (c *connection) handleDataFrame(f *frame) error {
	var hook func(Frame) (*Frame, error)
	switch {
	case !f.fin:
		hook = c.handler.OnFragmentedFrame
	case f.opcode == opContinuation:
		hook = c.handler.OnFragmentedFrame
	case f.opcode == opText:
		hook = c.handler.OnTextFrame
	case f.opcode == opBinary:
		hook = c.handler.OnBinaryFrame
	}

	out, err := hook(newPublicFrame(f))
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	switch f.opcode {
	case opContinuation:
		if !c.fragmenting {
			return WrapError(KindProtocol, "unexpected continuation frame", ErrUnexpectedContinuation)
		}
		if err := c.appendFragment(out.Payload); err != nil {
			return err
		}
	case opText, opBinary:
		if c.fragmenting {
			return WrapError(KindProtocol, "data frame received mid-fragmentation", ErrProtocolError)
		}
		if f.fin {
			return c.deliverMessage(messageTypeFor(f.opcode), out.Payload)
		}
		c.fragmenting = true
		c.fragOpcode = f.opcode
		c.fragCount = 1
		c.fragBuf = append(c.fragBuf[:0], out.Payload...)
		return nil
	}

	if f.fin {
		msgType := messageTypeFor(c.fragOpcode)
		data := c.fragBuf
		c.fragBuf = nil
		c.fragmenting = false
		c.fragCount = 0
		return c.deliverMessage(msgType, data)
	}
	return nil
}

func (c *connection) appendFragment(payload []byte) error {
	c.fragCount++
	if !c.settings.FragmentsGrow && c.settings.FragmentsCapacity > 0 && c.fragCount > c.settings.FragmentsCapacity {
		return WrapError(KindCapacity, "fragment count exceeds capacity", ErrFrameTooLarge)
	}
	c.fragBuf = append(c.fragBuf, payload...)
	return nil
}

func (c *connection) deliverMessage(mt MessageType, data []byte) error {
	if mt == TextMessage && !utf8.Valid(data) {
		return WrapError(KindEncoding, "invalid UTF-8 in reassembled text message", ErrInvalidUTF8)
	}
	return c.handler.OnMessage(c.makeSender(), Message{Type: mt, Data: data})
}

func messageTypeFor(opcode byte) MessageType {
	if opcode == opBinary {
		return BinaryMessage
	}
	return TextMessage
}

// queueFrame runs f through Handler.OnSendFrame, masks it if this
// connection is playing the client role (RFC 6455 Section 5.3), and appends
// its wire encoding to outBuf.
func (c *connection) queueFrame(f *frame) error {
	out, err := c.handler.OnSendFrame(newPublicFrame(f))
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	var mask [4]byte
	masked := c.role == roleClient
	if masked {
		if _, err := rand.Read(mask[:]); err != nil {
			return WrapError(KindInternal, "generating frame mask", err)
		}
	}

	encoded, err := out.toInternal(masked, mask).encode()
	if err != nil {
		return err
	}

	if c.settings.OutBufferCapacity > 0 && !c.settings.OutBufferGrow &&
		len(c.outBuf)+len(encoded) > c.settings.OutBufferCapacity {
		return WrapError(KindCapacity, "output buffer capacity exceeded", ErrFrameTooLarge)
	}

	c.outBuf = append(c.outBuf, encoded...)
	return nil
}

// queueMessage splits msg into one or more frames, fragmenting at
// Settings.FragmentSize when the payload is larger.
func (c *connection) queueMessage(msg Message) error {
	opcode := byte(opText)
	if msg.Type == BinaryMessage {
		opcode = opBinary
	}

	limit := c.settings.FragmentSize
	if limit <= 0 || len(msg.Data) <= limit {
		return c.queueFrame(&frame{fin: true, opcode: opcode, payload: msg.Data})
	}

	data := msg.Data
	first := true
	for len(data) > 0 {
		chunk := data
		if len(chunk) > limit {
			chunk = chunk[:limit]
		}
		data = data[len(chunk):]

		fr := &frame{fin: len(data) == 0, payload: chunk}
		if first {
			fr.opcode = opcode
			first = false
		} else {
			fr.opcode = opContinuation
		}
		if err := c.queueFrame(fr); err != nil {
			return err
		}
	}
	return nil
}

// handleCommand applies a Signal queued by some Sender to this connection.
func (c *connection) handleCommand(sig Signal) error {
	switch sig.kind {
	case signalMessage:
		if c.state != stateOpen {
			return nil
		}
		return c.queueMessage(sig.message)
	case signalClose:
		return c.initiateClose(sig.code, sig.reason)
	case signalPing:
		if c.state != stateOpen {
			return nil
		}
		return c.queueFrame(&frame{fin: true, opcode: opPing, payload: sig.data})
	case signalPong:
		if c.state != stateOpen {
			return nil
		}
		return c.queueFrame(&frame{fin: true, opcode: opPong, payload: sig.data})
	case signalShutdown:
		c.handler.OnShutdown(c.makeSender())
		return c.initiateClose(CloseGoingAway, "")
	default:
		// signalTimeout, signalCancel and signalConnect are handled by
		// the reactor directly (timer wheel scheduling, dialing a new
		// peer) rather than by an individual connection.
		return nil
	}
}

func (c *connection) initiateClose(code CloseCode, reason string) error {
	if c.state != stateOpen {
		return nil
	}
	if code == 0 {
		code = CloseNormalClosure
	}
	if !isValidOutgoingCloseCode(code) {
		return WrapError(KindProtocol, "invalid close code", ErrInvalidCloseCode)
	}
	if err := c.queueFrame(closeFrame(code, reason)); err != nil {
		return err
	}
	c.closeCode, c.closeReason = code, reason
	c.state = stateAwaitingClose
	return nil
}

// closeCodeForError reports the CloseCode that should accompany a Close
// frame sent because of err, if any — it unwraps to the first *Error in
// err's chain and asks its Kind.
func closeCodeForError(err error) (CloseCode, bool) {
	var werr *Error
	if !errors.As(err, &werr) {
		return 0, false
	}
	return werr.CloseCode()
}

// abort reports err to this connection's Handler and tears the connection
// down. A Kind with a mapped CloseCode (Internal, Capacity, Protocol,
// Encoding) gets one last chance at a graceful close: abort attempts
// initiateClose with that code and, if it succeeds, leaves the connection in
// stateAwaitingClose for the reactor's ordinary flush/close-handshake path to
// finish — the same way a Sender.Close call would. KindCustom never
// triggers a close of any kind. Every other path (no mapped code, the
// initiateClose attempt itself failed, or the connection wasn't open to
// begin with) falls through to a hard disconnect, which reports on_close
// with an abnormal code unless the handshake never completed.
func (c *connection) abort(err error) {
	if c.isTerminal() {
		return
	}
	c.handler.OnError(c.makeSender(), err)

	var werr *Error
	if errors.As(err, &werr) && werr.Kind == KindCustom {
		return
	}

	if code, ok := closeCodeForError(err); ok && c.state == stateOpen {
		if closeErr := c.initiateClose(code, err.Error()); closeErr == nil {
			return
		}
	}

	wasConnecting := c.state == stateConnecting
	c.state = stateDisconnected
	if !wasConnecting {
		c.handler.OnClose(c.makeSender(), CloseAbnormalClosure, "")
	}
}
