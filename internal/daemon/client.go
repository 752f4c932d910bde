package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client connects to the previewd daemon over Unix socket.
type Client struct {
	socketPath string

	mu sync.Mutex
	// +checklocks:mu
	conn net.Conn
	// +checklocks:mu
	encoder *json.Encoder
	// +checklocks:mu
	decoder *json.Decoder

	// ioMu serializes all I/O on the request connection. Must be
	// acquired after mu when both are needed.
	ioMu sync.Mutex

	reqID atomic.Uint64

	// Event streaming via dedicated connection
	eventMu sync.Mutex
	// +checklocks:eventMu
	eventConn net.Conn
	// +checklocks:eventMu
	eventDone chan struct{}
}

// NewClient creates a new daemon client.
func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}
	return &Client{
		socketPath: socketPath,
	}
}

// ConnectTimeout is the default timeout for connecting to the daemon.
const ConnectTimeout = 5 * time.Second

// RequestTimeout bounds a request/response cycle. Dev-server starts
// block until readiness, so this must exceed the health timeout.
const RequestTimeout = 60 * time.Second

// Connect establishes a connection to the daemon.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil // Already connected
	}

	conn, err := net.DialTimeout("unix", c.socketPath, ConnectTimeout)
	if err != nil {
		return fmt.Errorf("dial daemon: %w", err)
	}

	c.conn = conn
	c.encoder = json.NewEncoder(conn)
	c.decoder = json.NewDecoder(conn)
	return nil
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	c.StopEventStream()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.encoder = nil
	c.decoder = nil
	return err
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SocketPath returns the socket path this client connects to.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// nextID generates the next request ID.
func (c *Client) nextID() string {
	return fmt.Sprintf("req-%d", c.reqID.Add(1))
}

// decodePayload decodes the response payload into the given type.
// A nil payload yields a pointer to the zero value of T.
func decodePayload[T any](payload any) (*T, error) {
	var result T
	if payload == nil {
		return &result, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &result, nil
}

// Send sends a request and waits for the response.
// On connection errors the connection is closed so that IsConnected()
// returns false.
func (c *Client) Send(req *Request) (*Response, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	encoder := c.encoder
	decoder := c.decoder
	c.mu.Unlock()

	if req.ID == "" {
		req.ID = c.nextID()
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if err := conn.SetDeadline(time.Now().Add(RequestTimeout)); err != nil {
		c.closeConn()
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	if err := encoder.Encode(req); err != nil {
		c.closeConn()
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		c.closeConn()
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &resp, nil
}

// closeConn closes the request connection and clears connection state.
func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.encoder = nil
		c.decoder = nil
	}
}

// Ping sends a ping request to check daemon connectivity.
func (c *Client) Ping() (*PingResponse, error) {
	resp, err := c.Send(&Request{Type: MsgPing})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, NewServerError("ping", resp.Error)
	}
	return decodePayload[PingResponse](resp.Payload)
}

// Shutdown requests the daemon to shut down.
func (c *Client) Shutdown() error {
	resp, err := c.Send(&Request{Type: MsgShutdown})
	if err != nil {
		return err
	}
	if !resp.Success {
		return NewServerError("shutdown", resp.Error)
	}
	return nil
}

// ServerStart starts the dev server for a project and blocks until it
// is ready or fails.
func (c *Client) ServerStart(project string) (*ServerStartResponse, error) {
	resp, err := c.Send(&Request{
		Type:    MsgServerStart,
		Payload: ServerStartRequest{Project: project},
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, NewServerError("server start", resp.Error)
	}
	return decodePayload[ServerStartResponse](resp.Payload)
}

// ServerStop stops the dev server for a project, or all of them.
func (c *Client) ServerStop(project string, all bool) error {
	resp, err := c.Send(&Request{
		Type:    MsgServerStop,
		Payload: ServerStopRequest{Project: project, All: all},
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return NewServerError("server stop", resp.Error)
	}
	return nil
}

// ServerStatus reports the dev-server state for one project.
func (c *Client) ServerStatus(project string) (*ServerStatus, error) {
	resp, err := c.Send(&Request{
		Type:    MsgServerStatus,
		Payload: ServerStatusRequest{Project: project},
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, NewServerError("server status", resp.Error)
	}
	return decodePayload[ServerStatus](resp.Payload)
}

// ServerList lists all tracked dev servers.
func (c *Client) ServerList() (*ServerListResponse, error) {
	resp, err := c.Send(&Request{Type: MsgServerList})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, NewServerError("server list", resp.Error)
	}
	return decodePayload[ServerListResponse](resp.Payload)
}

// SessionOpen opens a terminal session.
func (c *Client) SessionOpen(req SessionOpenRequest) (*SessionOpenResponse, error) {
	resp, err := c.Send(&Request{Type: MsgSessionOpen, Payload: req})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, NewServerError("session open", resp.Error)
	}
	return decodePayload[SessionOpenResponse](resp.Payload)
}

// SessionWrite forwards input bytes to a session's PTY.
func (c *Client) SessionWrite(sessionID string, data []byte) error {
	resp, err := c.Send(&Request{
		Type:    MsgSessionWrite,
		Payload: SessionWriteRequest{SessionID: sessionID, Data: string(data)},
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return NewServerError("session write", resp.Error)
	}
	return nil
}

// SessionResize resizes a session's PTY.
func (c *Client) SessionResize(sessionID string, rows, cols uint16) error {
	resp, err := c.Send(&Request{
		Type:    MsgSessionResize,
		Payload: SessionResizeRequest{SessionID: sessionID, Rows: rows, Cols: cols},
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return NewServerError("session resize", resp.Error)
	}
	return nil
}

// SessionKill terminates a session.
func (c *Client) SessionKill(sessionID string) error {
	resp, err := c.Send(&Request{
		Type:    MsgSessionKill,
		Payload: SessionKillRequest{SessionID: sessionID},
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return NewServerError("session kill", resp.Error)
	}
	return nil
}

// SessionList lists all sessions.
func (c *Client) SessionList() (*SessionListResponse, error) {
	resp, err := c.Send(&Request{Type: MsgSessionList})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, NewServerError("session list", resp.Error)
	}
	return decodePayload[SessionListResponse](resp.Payload)
}

// ProjectAdd registers a project directory.
func (c *Client) ProjectAdd(path, name string) (*ProjectAddResponse, error) {
	resp, err := c.Send(&Request{
		Type:    MsgProjectAdd,
		Payload: ProjectAddRequest{Path: path, Name: name},
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, NewServerError("project add", resp.Error)
	}
	return decodePayload[ProjectAddResponse](resp.Payload)
}

// ProjectRemove removes a project from the registry.
func (c *Client) ProjectRemove(project string) error {
	resp, err := c.Send(&Request{
		Type:    MsgProjectRemove,
		Payload: ProjectRemoveRequest{Project: project},
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return NewServerError("project remove", resp.Error)
	}
	return nil
}

// ProjectList lists all registered projects.
func (c *Client) ProjectList() (*ProjectListResponse, error) {
	resp, err := c.Send(&Request{Type: MsgProjectList})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, NewServerError("project list", resp.Error)
	}
	return decodePayload[ProjectListResponse](resp.Payload)
}

// EventResult contains either a stream event or an error.
type EventResult struct {
	Event *StreamEvent
	Err   error
}

// StreamEvents opens a dedicated connection, attaches to the given
// sources, and returns a channel of events. Buffered output is replayed
// first. Events flow until an error occurs or StopEventStream is
// called; an empty source list follows everything.
func (c *Client) StreamEvents(sources []string) (<-chan EventResult, error) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	// Close any existing event stream
	if c.eventConn != nil {
		c.eventConn.Close()
		if c.eventDone != nil {
			close(c.eventDone)
		}
	}

	conn, err := net.DialTimeout("unix", c.socketPath, ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial daemon for events: %w", err)
	}

	encoder := json.NewEncoder(conn)
	decoder := json.NewDecoder(conn)

	req := &Request{
		ID:      "event-stream",
		Type:    MsgAttach,
		Payload: AttachRequest{Sources: sources},
	}
	if err := encoder.Encode(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("encode attach request: %w", err)
	}

	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode attach response: %w", err)
	}
	if !resp.Success {
		conn.Close()
		return nil, NewServerError("attach", resp.Error)
	}

	c.eventConn = conn
	c.eventDone = make(chan struct{})
	done := c.eventDone

	events := make(chan EventResult, 16)

	go func() {
		defer close(events)
		defer conn.Close()

		for {
			select {
			case <-done:
				return
			default:
			}

			var event StreamEvent
			if err := decoder.Decode(&event); err != nil {
				select {
				case <-done:
					// Clean shutdown, don't send error
				case events <- EventResult{Err: fmt.Errorf("decode event: %w", err)}:
				}
				return
			}

			select {
			case <-done:
				return
			case events <- EventResult{Event: &event}:
			}
		}
	}()

	return events, nil
}

// StopEventStream stops the event streaming goroutine and closes the
// event connection.
func (c *Client) StopEventStream() {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	if c.eventDone != nil {
		close(c.eventDone)
		c.eventDone = nil
	}
	if c.eventConn != nil {
		c.eventConn.Close()
		c.eventConn = nil
	}
}
