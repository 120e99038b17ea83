package websocket

import (
	"net"
	"testing"
	"time"
)

// freeLoopbackAddr reserves a free TCP port on loopback by briefly binding
// to it, then releases it for WebSocket.Listen to bind in turn. This
// module's reactor needs a real socket with a real file descriptor
// (stream_unix.go's raw syscalls have nothing to operate on over a
// net.Pipe), so the integration test exercises actual loopback TCP rather
// than an in-memory pipe.
func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving a free port failed: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// singleHandlerFactory is a Factory that always hands out the same Handler
// instance — fine for these tests, whose Handlers keep no per-connection
// state (the broadcast test's server shares one Handler between two
// connections).
type singleHandlerFactory struct{ h Handler }

func (f singleHandlerFactory) NewHandler(string) Handler { return f.h }
func (f singleHandlerFactory) ConnectionLost(Token)       {}
func (f singleHandlerFactory) OnShutdown()                {}

// echoHandler answers every received message by sending back the same text
// prefixed with "echo: ", and reports each opening handshake on opened.
type echoHandler struct {
	BaseHandler
	opened chan Sender
}

func (h *echoHandler) OnOpen(s Sender, _ Handshake) error {
	h.opened <- s
	return nil
}

func (h *echoHandler) OnMessage(s Sender, msg Message) error {
	return s.Send(NewTextMessage("echo: " + string(msg.Data)))
}

// recvHandler records every OnOpen and OnMessage event onto channels a test
// can select on.
type recvHandler struct {
	BaseHandler
	opened   chan Sender
	messages chan Message
}

func (h *recvHandler) OnOpen(s Sender, _ Handshake) error {
	h.opened <- s
	return nil
}

func (h *recvHandler) OnMessage(_ Sender, msg Message) error {
	h.messages <- msg
	return nil
}

const integrationTimeout = 5 * time.Second

func waitSender(t *testing.T, ch chan Sender) Sender {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(integrationTimeout):
		t.Fatal("timed out waiting for OnOpen")
		return Sender{}
	}
}

func waitMessage(t *testing.T, ch chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(integrationTimeout):
		t.Fatal("timed out waiting for OnMessage")
		return Message{}
	}
}

func waitRun(t *testing.T, errCh chan error, what string) {
	t.Helper()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("%s Run() returned an error: %v", what, err)
		}
	case <-time.After(integrationTimeout):
		t.Fatalf("timed out waiting for %s Run() to return", what)
	}
}

// TestIntegration_ClientServerEcho drives a full reactor end to end over
// real loopback TCP: a server accepts a handshake, a client connects,
// exchanges one echoed message, and both sides shut down cleanly.
func TestIntegration_ClientServerEcho(t *testing.T) {
	addr := freeLoopbackAddr(t)

	serverHandler := &echoHandler{opened: make(chan Sender, 1)}
	server, err := New(singleHandlerFactory{serverHandler})
	if err != nil {
		t.Fatalf("New(server) failed: %v", err)
	}
	if err := server.Listen(addr); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- server.Run() }()

	clientHandler := &recvHandler{opened: make(chan Sender, 1), messages: make(chan Message, 1)}
	client, err := New(singleHandlerFactory{clientHandler})
	if err != nil {
		t.Fatalf("New(client) failed: %v", err)
	}
	clientErrCh := make(chan error, 1)
	go func() { clientErrCh <- client.Run() }()

	if err := client.Connect("ws://" + addr + "/chat"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitSender(t, serverHandler.opened)
	clientSender := waitSender(t, clientHandler.opened)

	if err := clientSender.Send(NewTextMessage("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msg := waitMessage(t, clientHandler.messages)
	if msg.Type != TextMessage || string(msg.Data) != "echo: hello" {
		t.Fatalf("message = %+v, want {TextMessage \"echo: hello\"}", msg)
	}

	if err := client.Shutdown(); err != nil {
		t.Fatalf("client.Shutdown failed: %v", err)
	}
	waitRun(t, clientErrCh, "client")

	if err := server.Shutdown(); err != nil {
		t.Fatalf("server.Shutdown failed: %v", err)
	}
	waitRun(t, serverErrCh, "server")

	if err := client.Close(); err != nil {
		t.Errorf("client.Close failed: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Errorf("server.Close failed: %v", err)
	}
}

// TestIntegration_Broadcast verifies Broadcaster reaches every connection
// the reactor currently has open.
func TestIntegration_Broadcast(t *testing.T) {
	addr := freeLoopbackAddr(t)

	serverOpened := make(chan Sender, 2)
	server, err := New(singleHandlerFactory{&recvHandler{opened: serverOpened, messages: make(chan Message, 8)}})
	if err != nil {
		t.Fatalf("New(server) failed: %v", err)
	}
	if err := server.Listen(addr); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- server.Run() }()

	const numClients = 2
	clients := make([]*WebSocket, numClients)
	clientHandlers := make([]*recvHandler, numClients)
	clientErrChs := make([]chan error, numClients)

	for i := 0; i < numClients; i++ {
		h := &recvHandler{opened: make(chan Sender, 1), messages: make(chan Message, 1)}
		clientHandlers[i] = h
		ws, err := New(singleHandlerFactory{h})
		if err != nil {
			t.Fatalf("New(client %d) failed: %v", i, err)
		}
		clients[i] = ws

		errCh := make(chan error, 1)
		clientErrChs[i] = errCh
		go func() { errCh <- ws.Run() }()

		if err := ws.Connect("ws://" + addr + "/chat"); err != nil {
			t.Fatalf("Connect %d failed: %v", i, err)
		}
		waitSender(t, h.opened)
		waitSender(t, serverOpened)
	}

	if err := server.Broadcaster().Broadcast(NewTextMessage("hi all")); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	for i := 0; i < numClients; i++ {
		msg := waitMessage(t, clientHandlers[i].messages)
		if string(msg.Data) != "hi all" {
			t.Errorf("client %d message = %q, want %q", i, msg.Data, "hi all")
		}
	}

	for i := 0; i < numClients; i++ {
		if err := clients[i].Shutdown(); err != nil {
			t.Fatalf("client %d Shutdown failed: %v", i, err)
		}
		waitRun(t, clientErrChs[i], "client")
		_ = clients[i].Close()
	}
	if err := server.Shutdown(); err != nil {
		t.Fatalf("server.Shutdown failed: %v", err)
	}
	waitRun(t, serverErrCh, "server")
	_ = server.Close()
}
