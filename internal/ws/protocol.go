package ws

import (
	"github.com/agent-racer/overlay/internal/lobby"
	"github.com/agent-racer/overlay/internal/telemetry"
	"github.com/agent-racer/overlay/internal/update"
	"github.com/agent-racer/overlay/internal/visibility"
)

type MessageType string

const (
	MsgSnapshot   MessageType = "snapshot"
	MsgLobby      MessageType = "lobby"
	MsgVisibility MessageType = "visibility"
	MsgWindow     MessageType = "window"
	MsgUpdate     MessageType = "update"
	MsgShutdown   MessageType = "shutdown"
	MsgError      MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload is everything the renderer needs to draw from scratch.
type SnapshotPayload struct {
	Telemetry  telemetry.Envelope `json:"telemetry"`
	Status     telemetry.Status   `json:"status"`
	Lobbies    []*lobby.Record    `json:"lobbies"`
	Visibility visibility.State   `json:"visibility"`
	Update     update.State       `json:"update"`
}

type LobbyPayload struct {
	Event       string        `json:"event"`
	Record      *lobby.Record `json:"record"`
	Changed     bool          `json:"changed"`
	ActiveCount int           `json:"activeCount"`
}

// WindowOp is a native window operation the renderer performs on our
// behalf.
type WindowOp string

const (
	OpShow          WindowOp = "show"
	OpHide          WindowOp = "hide"
	OpOpacity       WindowOp = "opacity"
	OpAlwaysOnTop   WindowOp = "always_on_top"
	OpAllWorkspaces WindowOp = "all_workspaces"
	OpBounds        WindowOp = "bounds"
	OpRaise         WindowOp = "raise"
	OpPeek          WindowOp = "peek"
)

type WindowPayload struct {
	Op      WindowOp         `json:"op"`
	Opacity *float64         `json:"opacity,omitempty"`
	On      *bool            `json:"on,omitempty"`
	Bounds  *visibility.Rect `json:"bounds,omitempty"`
}

type ShutdownPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// CommandType names a request sent by the renderer over /ws.
type CommandType string

const (
	CmdToggle       CommandType = "toggle"
	CmdSetEnabled   CommandType = "set_enabled"
	CmdSetPinned    CommandType = "set_pinned"
	CmdBlur         CommandType = "blur"
	CmdChildOpened  CommandType = "child_opened"
	CmdChildClosed  CommandType = "child_closed"
	CmdWindowBounds CommandType = "window_bounds"
	CmdQuit         CommandType = "quit"
)

type Command struct {
	Type   CommandType      `json:"type"`
	On     *bool            `json:"on,omitempty"`
	Bounds *visibility.Rect `json:"bounds,omitempty"`
	Reason string           `json:"reason,omitempty"`
}
