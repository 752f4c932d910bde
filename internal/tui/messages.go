package tui

import "github.com/uxfreak/previewd/internal/daemon"

// streamEventMsg wraps a daemon stream event for Bubble Tea.
type streamEventMsg struct {
	Event *daemon.StreamEvent
	Err   error
}

// streamClosedMsg is sent when the event channel ends.
type streamClosedMsg struct{}

// writeResultMsg is the result of forwarding input to the session.
type writeResultMsg struct {
	Err error
}
