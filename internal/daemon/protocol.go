// Package daemon provides the previewd daemon server and IPC protocol.
package daemon

import "time"

// MessageType identifies the type of IPC message.
type MessageType string

const (
	// Daemon management
	MsgPing     MessageType = "ping"
	MsgShutdown MessageType = "shutdown"

	// Dev server control
	MsgServerStart  MessageType = "server.start"
	MsgServerStop   MessageType = "server.stop"
	MsgServerStatus MessageType = "server.status"
	MsgServerList   MessageType = "server.list"

	// Terminal sessions
	MsgSessionOpen   MessageType = "session.open"
	MsgSessionWrite  MessageType = "session.write"
	MsgSessionResize MessageType = "session.resize"
	MsgSessionKill   MessageType = "session.kill"
	MsgSessionList   MessageType = "session.list"

	// Project registry
	MsgProjectAdd    MessageType = "project.add"
	MsgProjectRemove MessageType = "project.remove"
	MsgProjectList   MessageType = "project.list"

	// Stream subscription
	MsgAttach MessageType = "attach"
	MsgDetach MessageType = "detach"
)

// Request is the envelope for all IPC requests.
type Request struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id,omitempty"`      // Optional request ID for correlation
	Payload any         `json:"payload,omitempty"` // Type-specific payload
}

// Response is the envelope for all IPC responses.
type Response struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id,omitempty"` // Correlates with request ID
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Payload any         `json:"payload,omitempty"` // Type-specific payload
}

// PingResponse is the payload for ping responses.
type PingResponse struct {
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	StartedAt time.Time `json:"started_at"`
}

// ServerStartRequest is the payload for server.start requests.
type ServerStartRequest struct {
	Project string `json:"project"` // Registered project ID or name
}

// ServerStartResponse is the payload for server.start responses.
type ServerStartResponse struct {
	Project string `json:"project"`
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
	URL     string `json:"url"`
}

// ServerStopRequest is the payload for server.stop requests.
type ServerStopRequest struct {
	Project string `json:"project"`       // Project ID or name, ignored when All is set
	All     bool   `json:"all,omitempty"` // Stop every running server
}

// ServerStatusRequest is the payload for server.status requests.
type ServerStatusRequest struct {
	Project string `json:"project"`
}

// ServerStatus contains per-server status info.
type ServerStatus struct {
	Project   string    `json:"project"`
	Name      string    `json:"name,omitempty"`
	Status    string    `json:"status"` // stopped, starting, running, stopping, failed
	Port      int       `json:"port,omitempty"`
	PID       int       `json:"pid,omitempty"`
	URL       string    `json:"url,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Error     string    `json:"error,omitempty"`
}

// ServerListResponse is the payload for server.list responses.
type ServerListResponse struct {
	Servers []ServerStatus `json:"servers"`
}

// SessionOpenRequest is the payload for session.open requests.
type SessionOpenRequest struct {
	Project string `json:"project,omitempty"` // Run in the project's directory with its env
	Dir     string `json:"dir,omitempty"`     // Explicit working directory
	Command string `json:"command,omitempty"` // Default: user shell
	Rows    uint16 `json:"rows,omitempty"`
	Cols    uint16 `json:"cols,omitempty"`
}

// SessionOpenResponse is the payload for session.open responses.
type SessionOpenResponse struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
}

// SessionWriteRequest is the payload for session.write requests.
type SessionWriteRequest struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"` // Raw bytes forwarded to the PTY
}

// SessionResizeRequest is the payload for session.resize requests.
type SessionResizeRequest struct {
	SessionID string `json:"session_id"`
	Rows      uint16 `json:"rows"`
	Cols      uint16 `json:"cols"`
}

// SessionKillRequest is the payload for session.kill requests.
type SessionKillRequest struct {
	SessionID string `json:"session_id"`
}

// SessionInfo contains per-session status info.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	Dir       string    `json:"dir"`
	Status    string    `json:"status"` // running, closed
	PID       int       `json:"pid,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionListResponse is the payload for session.list responses.
type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// ProjectAddRequest is the payload for project.add requests.
type ProjectAddRequest struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"` // Optional override, default: directory name
}

// ProjectAddResponse is the payload for project.add responses.
type ProjectAddResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// ProjectRemoveRequest is the payload for project.remove requests.
type ProjectRemoveRequest struct {
	Project string `json:"project"` // Project ID or name
}

// ProjectInfo contains basic project info for listing.
type ProjectInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// ProjectListResponse is the payload for project.list responses.
type ProjectListResponse struct {
	Projects []ProjectInfo `json:"projects"`
}

// AttachRequest is the payload for attach requests. Buffered output for
// each source is replayed before live events.
type AttachRequest struct {
	Sources []string `json:"sources,omitempty"` // Stream IDs to follow, empty = all
}

// Stream event types sent to attached clients.
const (
	EventOutput   = "output"   // PTY or dev server output
	EventInput    = "input"    // Mirrored session input
	EventGap      = "gap"      // Dropped events marker
	EventProgress = "progress" // Dev server lifecycle transition
	EventExit     = "exit"     // Process exited
)

// StreamEvent is sent to attached clients when stream activity occurs.
type StreamEvent struct {
	Type     string    `json:"type"`
	SourceID string    `json:"source_id"`
	Seq      uint64    `json:"seq,omitempty"`
	Data     string    `json:"data,omitempty"`    // For output and input events
	Dropped  int       `json:"dropped,omitempty"` // For gap events
	From     string    `json:"from,omitempty"`    // For progress events
	To       string    `json:"to,omitempty"`
	Error    string    `json:"error,omitempty"`
	Code     int       `json:"code,omitempty"` // For exit events
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}
