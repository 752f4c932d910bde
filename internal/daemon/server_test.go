package daemon

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// echoHandler responds to every request with its own type.
func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) *Response {
		return &Response{Type: req.Type, ID: req.ID, Success: true}
	})
}

func startTestServer(t *testing.T, handler Handler) *Server {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "previewd.sock")
	srv := NewServer(socket, handler)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func connectTestClient(t *testing.T, srv *Server) *Client {
	t.Helper()
	c := NewClient(srv.SocketPath())
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerRoundTrip(t *testing.T) {
	srv := startTestServer(t, echoHandler())
	c := connectTestClient(t, srv)

	resp, err := c.Send(&Request{Type: MsgPing})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.Success {
		t.Errorf("expected success, got error: %s", resp.Error)
	}
	if resp.Type != MsgPing {
		t.Errorf("expected type ping, got %s", resp.Type)
	}
	if resp.ID == "" {
		t.Error("expected correlated request ID")
	}
}

func TestServerStartTwice(t *testing.T) {
	srv := startTestServer(t, echoHandler())
	if err := srv.Start(); err == nil {
		t.Error("expected error starting twice")
	}
}

func TestSendNotConnected(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "nope.sock"))
	if _, err := c.Send(&Request{Type: MsgPing}); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestHandlerError(t *testing.T) {
	srv := startTestServer(t, HandlerFunc(func(ctx context.Context, req *Request) *Response {
		return &Response{Success: false, Error: "boom"}
	}))
	c := connectTestClient(t, srv)

	resp, err := c.Send(&Request{Type: MsgServerStart})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success {
		t.Error("expected failure")
	}
	if resp.Error != "boom" {
		t.Errorf("expected boom, got %q", resp.Error)
	}
	// Correlation info filled in by the server
	if resp.Type != MsgServerStart {
		t.Errorf("expected type server.start, got %s", resp.Type)
	}
}

func TestBroadcastFiltering(t *testing.T) {
	// Handler attaches the requesting connection with the requested filter
	handler := HandlerFunc(func(ctx context.Context, req *Request) *Response {
		if req.Type == MsgAttach {
			payload, err := decodeRequest[AttachRequest](req)
			if err != nil {
				return &Response{Success: false, Error: err.Error()}
			}
			ServerFromContext(ctx).Attach(ConnFromContext(ctx), payload.Sources, nil)
		}
		return &Response{Type: req.Type, ID: req.ID, Success: true}
	})
	srv := startTestServer(t, handler)

	c1 := connectTestClient(t, srv)
	events1, err := c1.StreamEvents([]string{"proj-aaa"})
	if err != nil {
		t.Fatalf("stream events: %v", err)
	}

	c2 := connectTestClient(t, srv)
	events2, err := c2.StreamEvents(nil) // all sources
	if err != nil {
		t.Fatalf("stream events: %v", err)
	}

	waitAttached(t, srv, 2)

	srv.Broadcast(&StreamEvent{Type: EventProgress, SourceID: "proj-bbb", To: "running"})
	srv.Broadcast(&StreamEvent{Type: EventProgress, SourceID: "proj-aaa", To: "running"})

	// The filtered client sees only its source
	res := recvEvent(t, events1)
	if res.Event.SourceID != "proj-aaa" {
		t.Errorf("filtered client got event for %s", res.Event.SourceID)
	}

	// The unfiltered client sees both, in order
	res = recvEvent(t, events2)
	if res.Event.SourceID != "proj-bbb" {
		t.Errorf("expected proj-bbb first, got %s", res.Event.SourceID)
	}
	res = recvEvent(t, events2)
	if res.Event.SourceID != "proj-aaa" {
		t.Errorf("expected proj-aaa second, got %s", res.Event.SourceID)
	}
}

func TestDetachRunsCancel(t *testing.T) {
	var canceled atomic.Bool
	handler := HandlerFunc(func(ctx context.Context, req *Request) *Response {
		switch req.Type {
		case MsgAttach:
			ServerFromContext(ctx).Attach(ConnFromContext(ctx), nil, func() { canceled.Store(true) })
		case MsgDetach:
			ServerFromContext(ctx).Detach(ConnFromContext(ctx))
		}
		return &Response{Type: req.Type, ID: req.ID, Success: true}
	})
	srv := startTestServer(t, handler)
	c := connectTestClient(t, srv)

	if _, err := c.Send(&Request{Type: MsgAttach}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if srv.AttachedCount() != 1 {
		t.Fatalf("expected 1 attached, got %d", srv.AttachedCount())
	}

	if _, err := c.Send(&Request{Type: MsgDetach}); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if srv.AttachedCount() != 0 {
		t.Errorf("expected 0 attached, got %d", srv.AttachedCount())
	}
	if !canceled.Load() {
		t.Error("detach did not run the cancel function")
	}
}

func TestDisconnectDetaches(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, req *Request) *Response {
		if req.Type == MsgAttach {
			ServerFromContext(ctx).Attach(ConnFromContext(ctx), nil, nil)
		}
		return &Response{Type: req.Type, ID: req.ID, Success: true}
	})
	srv := startTestServer(t, handler)
	c := connectTestClient(t, srv)

	if _, err := c.Send(&Request{Type: MsgAttach}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	c.Close()

	deadline := time.Now().Add(5 * time.Second)
	for srv.AttachedCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("attached client not cleaned up after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitAttached(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for srv.AttachedCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d attached clients, got %d", n, srv.AttachedCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func recvEvent(t *testing.T, events <-chan EventResult) EventResult {
	t.Helper()
	select {
	case res, ok := <-events:
		if !ok {
			t.Fatal("event channel closed")
		}
		if res.Err != nil {
			t.Fatalf("event error: %v", res.Err)
		}
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return EventResult{}
}
